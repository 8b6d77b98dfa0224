package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/model"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; value and clock always change in one statement
	// or one transaction.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key         TEXT PRIMARY KEY,
		value       BLOB NOT NULL,
		domain      TEXT NOT NULL DEFAULT 'public',
		clock       TEXT NOT NULL DEFAULT '{}',
		origin_node TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_updated ON entries(updated_at);
	CREATE INDEX IF NOT EXISTS idx_entries_domain ON entries(domain);

	CREATE TABLE IF NOT EXISTS remote_versions (
		key         TEXT NOT NULL,
		origin_node TEXT NOT NULL,
		value       BLOB NOT NULL,
		clock       TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (key, origin_node)
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id            TEXT PRIMARY KEY,
		key           TEXT NOT NULL,
		local         TEXT NOT NULL,
		remote        TEXT NOT NULL,
		detected_at   TEXT NOT NULL,
		close_in_time INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_key ON conflicts(key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write stores a new local version of p.Key.
func (s *SQLiteStore) Write(ctx context.Context, p WriteParams) (*model.MemoryEntry, error) {
	if p.Key == "" {
		return nil, errors.New("key is required")
	}
	if p.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	domain := p.Domain
	if domain == "" {
		domain = model.DomainPublic
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	vc := clock.New()
	prev, err := getEntry(ctx, tx, p.Key)
	switch {
	case err == nil:
		vc = prev.Clock.Clone()
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}
	vc.Increment(p.NodeID)

	e := model.MemoryEntry{
		Key:        p.Key,
		Value:      p.Value,
		Domain:     domain,
		Clock:      vc,
		OriginNode: p.NodeID,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := upsertEntry(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the current version of key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.MemoryEntry, error) {
	return getEntry(ctx, s.db, key)
}

// Set replaces the stored version of e.Key.
func (s *SQLiteStore) Set(ctx context.Context, e model.MemoryEntry) error {
	return upsertEntry(ctx, s.db, e)
}

// Delete removes key, its pending remote versions and its conflict records.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_versions WHERE key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns current entries ordered by most recent update.
func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.MemoryEntry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"1 = 1"}
	args := []interface{}{}

	if p.Prefix != "" {
		where = append(where, "substr(key, 1, ?) = ?")
		args = append(args, len(p.Prefix), p.Prefix)
	}
	if p.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(p.Domain))
	}

	query := fmt.Sprintf(`
		SELECT key, value, domain, clock, origin_node, updated_at
		FROM entries
		WHERE %s
		ORDER BY updated_at DESC, key
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, limit)

	return queryEntries(ctx, s.db, query, args...)
}

// PutRemote records a pending remote version, replacing any earlier one
// from the same origin node.
func (s *SQLiteStore) PutRemote(ctx context.Context, e model.MemoryEntry) error {
	if !e.Public() {
		return fmt.Errorf("%w: %s", model.ErrPrivateEntry, e.Key)
	}
	clk, err := e.Clock.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remote_versions (key, origin_node, value, clock, updated_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key, origin_node) DO UPDATE SET
		   value = excluded.value, clock = excluded.clock,
		   updated_at = excluded.updated_at, received_at = excluded.received_at`,
		e.Key, e.OriginNode, e.Value, string(clk),
		e.UpdatedAt.UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert remote version: %w", err)
	}
	return nil
}

// RemoteVersions returns pending remote versions of key ordered by origin.
func (s *SQLiteStore) RemoteVersions(ctx context.Context, key string) ([]model.MemoryEntry, error) {
	return queryRemote(ctx, s.db, key)
}

// ApplyResolution writes a reconciliation atomically.
func (s *SQLiteStore) ApplyResolution(ctx context.Context, r model.Reconciliation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if r.Base != nil {
		cur, err := getEntry(ctx, tx, r.Entry.Key)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return fmt.Errorf("%w: %s was deleted", model.ErrStaleEntry, r.Entry.Key)
		case err != nil:
			return err
		case cur.Clock.Compare(r.Base) != clock.Equal:
			return fmt.Errorf("%w: %s is at %s, expected %s", model.ErrStaleEntry, r.Entry.Key, cur.Clock, r.Base)
		}
	}

	if err := upsertEntry(ctx, tx, r.Entry); err != nil {
		return fmt.Errorf("write reconciled entry: %w", err)
	}
	if r.Archived != nil {
		if err := upsertEntry(ctx, tx, *r.Archived); err != nil {
			return fmt.Errorf("write archived entry: %w", err)
		}
	}

	remotes, err := queryRemote(ctx, tx, r.Entry.Key)
	if err != nil {
		return err
	}
	for _, rv := range remotes {
		switch rv.Clock.Compare(r.Entry.Clock) {
		case clock.Concurrent, clock.After:
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM remote_versions WHERE key = ? AND origin_node = ?`,
			rv.Key, rv.OriginNode); err != nil {
			return err
		}
	}

	closed := r.Closed
	if r.ConflictID != "" {
		closed = append([]string{r.ConflictID}, closed...)
	}
	for _, id := range closed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// EntriesSince returns public entries a peer may be missing.
func (s *SQLiteStore) EntriesSince(ctx context.Context, since time.Time, knownKeys []string) ([]model.MemoryEntry, error) {
	all, err := queryEntries(ctx, s.db,
		`SELECT key, value, domain, clock, origin_node, updated_at
		 FROM entries WHERE domain = ? ORDER BY updated_at, key`, string(model.DomainPublic))
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}

	var out []model.MemoryEntry
	for _, e := range all {
		if e.UpdatedAt.After(since) || !known[e.Key] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getEntry(ctx context.Context, q querier, key string) (*model.MemoryEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT key, value, domain, clock, origin_node, updated_at FROM entries WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func upsertEntry(ctx context.Context, q querier, e model.MemoryEntry) error {
	domain := e.Domain
	if domain == "" {
		domain = model.DomainPublic
	}
	clk, err := e.Clock.MarshalJSON()
	if err != nil {
		return err
	}
	value := e.Value
	if value == nil {
		value = []byte{}
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO entries (key, value, domain, clock, origin_node, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value, domain = excluded.domain, clock = excluded.clock,
		   origin_node = excluded.origin_node, updated_at = excluded.updated_at`,
		e.Key, value, string(domain), string(clk), e.OriginNode, e.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...interface{}) ([]model.MemoryEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func queryRemote(ctx context.Context, q querier, key string) ([]model.MemoryEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, value, 'public', clock, origin_node, updated_at
		 FROM remote_versions WHERE key = ? ORDER BY origin_node`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row scanner) (model.MemoryEntry, error) {
	var e model.MemoryEntry
	var domain, clk, updatedAt string

	if err := row.Scan(&e.Key, &e.Value, &domain, &clk, &e.OriginNode, &updatedAt); err != nil {
		return e, err
	}

	vc, err := clock.Parse(clk)
	if err != nil {
		return e, fmt.Errorf("%w: key %s: clock: %v", model.ErrSerialization, e.Key, err)
	}
	e.Clock = vc

	d, err := model.ParseDomain(domain)
	if err != nil {
		return e, fmt.Errorf("%w: key %s: %v", model.ErrSerialization, e.Key, err)
	}
	e.Domain = d

	e.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return e, fmt.Errorf("%w: key %s: updated_at: %v", model.ErrSerialization, e.Key, err)
	}
	return e, nil
}
