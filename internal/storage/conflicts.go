package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const conflictColumns = `id, model_label, object_pk, incoming_change, existing_snapshot, chosen_source, reason, status, note, created_at, resolved_at`

// InsertConflict records a parked change. ID, Status, ChosenSource and
// CreatedAt are filled in when empty.
func (s *Store) InsertConflict(ctx context.Context, c Conflict) (Conflict, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ConflictPending
	}
	if c.ChosenSource == "" {
		c.ChosenSource = "existing"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	incoming, err := encodeObject(c.IncomingChange)
	if err != nil {
		return c, fmt.Errorf("encoding incoming change: %w", err)
	}
	existing, err := encodeObject(c.ExistingSnapshot)
	if err != nil {
		return c, fmt.Errorf("encoding existing snapshot: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO conflicts (id, model_label, object_pk, incoming_change, existing_snapshot, chosen_source, reason, status, note, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ModelLabel, c.ObjectPK, incoming, existing, c.ChosenSource, c.Reason, c.Status, c.Note,
		formatTime(c.CreatedAt), formatNullTime(c.ResolvedAt),
	)
	if err != nil {
		return c, fmt.Errorf("inserting conflict: %w", err)
	}
	return c, nil
}

func (s *Store) GetConflict(ctx context.Context, id string) (Conflict, error) {
	c, err := scanConflict(s.q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, ErrNotFound
	}
	return c, err
}

// ListConflicts returns conflicts newest first. An empty status matches all.
func (s *Store) ListConflicts(ctx context.Context, status string, limit, offset int) ([]Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, ClampLimit(limit), max(offset, 0))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) CountConflicts(ctx context.Context, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	var n int64
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// ResolveConflict closes a pending conflict with status resolved or
// dismissed. The parked change itself is not applied.
func (s *Store) ResolveConflict(ctx context.Context, id, status, note string) error {
	if status != ConflictResolved && status != ConflictDismissed {
		return fmt.Errorf("invalid conflict status %q", status)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE conflicts SET status = ?, note = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		status, note, formatTime(s.now()), id, ConflictPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetConflict(ctx, id); err != nil {
		return err
	}
	return ErrConflictClosed
}

func scanConflict(row rowScanner) (Conflict, error) {
	var c Conflict
	var incoming, existing, createdAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&c.ID, &c.ModelLabel, &c.ObjectPK, &incoming, &existing, &c.ChosenSource, &c.Reason, &c.Status, &c.Note, &createdAt, &resolvedAt); err != nil {
		return Conflict{}, err
	}
	var err error
	if c.IncomingChange, err = decodeObject(incoming); err != nil {
		return Conflict{}, fmt.Errorf("decoding incoming change of conflict %s: %w", c.ID, err)
	}
	if c.ExistingSnapshot, err = decodeObject(existing); err != nil {
		return Conflict{}, fmt.Errorf("decoding existing snapshot of conflict %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conflict{}, fmt.Errorf("parsing created_at of conflict %s: %w", c.ID, err)
	}
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return Conflict{}, fmt.Errorf("parsing resolved_at of conflict %s: %w", c.ID, err)
	}
	return c, nil
}
