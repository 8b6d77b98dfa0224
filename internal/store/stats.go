package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath         string      `json:"db_path"`
	DBSizeBytes    int64       `json:"db_size_bytes"`
	PublicEntries  int         `json:"public_entries"`
	PrivateEntries int         `json:"private_entries"`
	RemoteVersions int         `json:"remote_versions"`
	OpenConflicts  int         `json:"open_conflicts"`
	Nodes          []NodeStats `json:"nodes"`
}

// NodeStats counts entries by the node that last wrote them.
type NodeStats struct {
	Node  string `json:"node"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	// DB file size
	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE domain = 'public'`).Scan(&st.PublicEntries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE domain = 'private'`).Scan(&st.PrivateEntries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM remote_versions`).Scan(&st.RemoteVersions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&st.OpenConflicts)

	rows, err := s.db.QueryContext(ctx, `
		SELECT origin_node, COUNT(*) AS cnt
		FROM entries GROUP BY origin_node ORDER BY cnt DESC, origin_node`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var n NodeStats
		rows.Scan(&n.Node, &n.Count)
		st.Nodes = append(st.Nodes, n)
	}

	return st, nil
}
