package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memory-mesh/internal/model"
)

// SearchParams holds parameters for searching entries.
type SearchParams struct {
	Query  string
	Domain model.Domain
	Remote bool // also match pending remote versions
	Limit  int
}

// SearchResult is a matching entry. Remote marks a pending remote version
// rather than the local one.
type SearchResult struct {
	model.MemoryEntry
	Remote bool `json:"remote,omitempty"`
}

// Search finds entries whose key or value contains the query substring.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	like := "%" + p.Query + "%"

	where := []string{"(key LIKE ? OR CAST(value AS TEXT) LIKE ?)"}
	args := []interface{}{like, like}
	if p.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(p.Domain))
	}

	local, err := queryEntries(ctx, s.db, fmt.Sprintf(`
		SELECT key, value, domain, clock, origin_node, updated_at
		FROM entries
		WHERE %s
		ORDER BY updated_at DESC, key
		LIMIT ?`, strings.Join(where, " AND ")), append(args, limit)...)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(local))
	for _, e := range local {
		results = append(results, SearchResult{MemoryEntry: e})
	}

	// Remote versions are always public.
	if !p.Remote || p.Domain == model.DomainPrivate || len(results) >= limit {
		return results, nil
	}
	remote, err := queryEntries(ctx, s.db, `
		SELECT key, value, 'public', clock, origin_node, updated_at
		FROM remote_versions
		WHERE key LIKE ? OR CAST(value AS TEXT) LIKE ?
		ORDER BY updated_at DESC, key, origin_node
		LIMIT ?`, like, like, limit-len(results))
	if err != nil {
		return nil, err
	}
	for _, e := range remote {
		results = append(results, SearchResult{MemoryEntry: e, Remote: true})
	}
	return results, nil
}
