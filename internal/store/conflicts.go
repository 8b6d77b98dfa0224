package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcliao/memory-mesh/internal/model"
)

// SaveConflict persists an open conflict record.
func (s *SQLiteStore) SaveConflict(ctx context.Context, rec model.ConflictRecord) error {
	local, err := json.Marshal(rec.Local)
	if err != nil {
		return fmt.Errorf("encode local version: %w", err)
	}
	remote, err := json.Marshal(rec.Remote)
	if err != nil {
		return fmt.Errorf("encode remote version: %w", err)
	}
	closeInTime := 0
	if rec.CloseInTime {
		closeInTime = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conflicts (id, key, local, remote, detected_at, close_in_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, string(local), string(remote),
		rec.DetectedAt.UTC().Format(timeLayout), closeInTime)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// DeleteConflict removes a persisted record. Deleting a missing record is
// not an error.
func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	return err
}

// LoadConflicts returns every persisted open record, oldest first. Rows
// that cannot be decoded are skipped and returned as damaged so the rest
// still load.
func (s *SQLiteStore) LoadConflicts(ctx context.Context) ([]model.ConflictRecord, []model.DamagedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, local, remote, detected_at, close_in_time
		 FROM conflicts ORDER BY detected_at, id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var records []model.ConflictRecord
	var damaged []model.DamagedRecord
	for rows.Next() {
		var rec model.ConflictRecord
		var local, remote, detectedAt string
		var closeInTime int
		if err := rows.Scan(&rec.ID, &rec.Key, &local, &remote, &detectedAt, &closeInTime); err != nil {
			return nil, nil, err
		}
		if err := decodeConflict(&rec, local, remote, detectedAt); err != nil {
			damaged = append(damaged, model.DamagedRecord{ID: rec.ID, Key: rec.Key, Err: err})
			continue
		}
		rec.CloseInTime = closeInTime == 1
		records = append(records, rec)
	}
	return records, damaged, rows.Err()
}

func decodeConflict(rec *model.ConflictRecord, local, remote, detectedAt string) error {
	if err := json.Unmarshal([]byte(local), &rec.Local); err != nil {
		return fmt.Errorf("%w: conflict %s: local version: %v", model.ErrSerialization, rec.ID, err)
	}
	if err := json.Unmarshal([]byte(remote), &rec.Remote); err != nil {
		return fmt.Errorf("%w: conflict %s: remote version: %v", model.ErrSerialization, rec.ID, err)
	}
	t, err := time.Parse(timeLayout, detectedAt)
	if err != nil {
		return fmt.Errorf("%w: conflict %s: detected_at: %v", model.ErrSerialization, rec.ID, err)
	}
	rec.DetectedAt = t
	return nil
}
