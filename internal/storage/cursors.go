package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns the cursor for nodeID. A peer never synced with gets
// a zero cursor, not ErrNotFound.
func (s *Store) GetCursor(ctx context.Context, nodeID string) (Cursor, error) {
	c, err := scanCursor(s.q.QueryRowContext(ctx, `
		SELECT node_id, last_pulled_seq, last_pushed_seq, last_pulled_at, last_pushed_at, last_media_at, last_error, updated_at
		FROM sync_cursors WHERE node_id = ?`, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{NodeID: nodeID}, nil
	}
	return c, err
}

func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT node_id, last_pulled_seq, last_pushed_seq, last_pulled_at, last_pushed_at, last_media_at, last_error, updated_at
		FROM sync_cursors ORDER BY node_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// MarkPushed advances the push watermark for nodeID and clears its last error.
func (s *Store) MarkPushed(ctx context.Context, nodeID string, seq int64, at time.Time) error {
	return s.upsertCursor(ctx, nodeID, `last_pushed_seq = excluded.last_pushed_seq, last_pushed_at = excluded.last_pushed_at, last_error = ''`,
		`last_pushed_seq, last_pushed_at`, seq, formatTime(at))
}

// MarkPulled advances the pull watermark for nodeID and clears its last error.
func (s *Store) MarkPulled(ctx context.Context, nodeID string, seq int64, at time.Time) error {
	return s.upsertCursor(ctx, nodeID, `last_pulled_seq = excluded.last_pulled_seq, last_pulled_at = excluded.last_pulled_at, last_error = ''`,
		`last_pulled_seq, last_pulled_at`, seq, formatTime(at))
}

// MarkMediaPulled records the newest manifest updated_at copied from nodeID.
func (s *Store) MarkMediaPulled(ctx context.Context, nodeID string, watermark time.Time) error {
	return s.upsertCursor(ctx, nodeID, `last_media_at = excluded.last_media_at`,
		`last_media_at`, formatTime(watermark))
}

// RecordCursorError stores msg as the last error for nodeID without moving
// any watermark.
func (s *Store) RecordCursorError(ctx context.Context, nodeID, msg string) error {
	return s.upsertCursor(ctx, nodeID, `last_error = excluded.last_error`, `last_error`, msg)
}

// ResetCursors forgets every watermark.
func (s *Store) ResetCursors(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM sync_cursors`)
	return err
}

func (s *Store) upsertCursor(ctx context.Context, nodeID, set, cols string, vals ...any) error {
	marks := "?"
	for range vals[1:] {
		marks += ", ?"
	}
	args := append([]any{nodeID}, vals...)
	args = append(args, formatTime(s.now()))
	_, err := s.q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO sync_cursors (node_id, %s, updated_at) VALUES (?, %s, ?)
		ON CONFLICT(node_id) DO UPDATE SET %s, updated_at = excluded.updated_at`, cols, marks, set),
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating cursor for %s: %w", nodeID, err)
	}
	return nil
}

func scanCursor(row rowScanner) (Cursor, error) {
	var c Cursor
	var pulledAt, pushedAt, mediaAt sql.NullString
	var updatedAt string
	if err := row.Scan(&c.NodeID, &c.LastPulledSeq, &c.LastPushedSeq, &pulledAt, &pushedAt, &mediaAt, &c.LastError, &updatedAt); err != nil {
		return Cursor{}, err
	}
	var err error
	if c.LastPulledAt, err = parseNullTime(pulledAt); err != nil {
		return Cursor{}, err
	}
	if c.LastPushedAt, err = parseNullTime(pushedAt); err != nil {
		return Cursor{}, err
	}
	if c.LastMediaAt, err = parseNullTime(mediaAt); err != nil {
		return Cursor{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Cursor{}, err
	}
	return c, nil
}
