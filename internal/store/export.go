package store

import (
	"context"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/model"
)

// ExportAll returns every current entry, optionally filtered by key prefix.
func (s *SQLiteStore) ExportAll(ctx context.Context, prefix string) ([]model.MemoryEntry, error) {
	query := `SELECT key, value, domain, clock, origin_node, updated_at FROM entries`
	args := []interface{}{}
	if prefix != "" {
		query += ` WHERE substr(key, 1, ?) = ?`
		args = append(args, len(prefix), prefix)
	}
	query += ` ORDER BY key`
	return queryEntries(ctx, s.db, query, args...)
}

// Import stores entries from an export. An entry is skipped when the local
// version already equals or causally follows it; concurrent entries are
// skipped too and reported back so the caller can feed them to sync.
func (s *SQLiteStore) Import(ctx context.Context, entries []model.MemoryEntry) (imported int, concurrent []model.MemoryEntry, err error) {
	for _, e := range entries {
		cur, gerr := s.Get(ctx, e.Key)
		if gerr == nil {
			switch e.Clock.Compare(cur.Clock) {
			case clock.Before, clock.Equal:
				continue
			case clock.Concurrent:
				concurrent = append(concurrent, e)
				continue
			}
		}
		if err := s.Set(ctx, e); err != nil {
			return imported, concurrent, err
		}
		imported++
	}
	return imported, concurrent, nil
}
