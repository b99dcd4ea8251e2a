package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mediaColumns = `path, checksum, size, modified_at, encrypted, storage_backend, source_node, updated_at`

func (s *Store) GetMediaEntry(ctx context.Context, path string) (MediaEntry, error) {
	e, err := scanMediaEntry(s.q.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_manifest WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return MediaEntry{}, ErrNotFound
	}
	return e, err
}

// UpsertMediaEntry writes e keyed by path. UpdatedAt defaults to now.
func (s *Store) UpsertMediaEntry(ctx context.Context, e MediaEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO media_manifest (`+mediaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			checksum = excluded.checksum,
			size = excluded.size,
			modified_at = excluded.modified_at,
			encrypted = excluded.encrypted,
			storage_backend = excluded.storage_backend,
			source_node = excluded.source_node,
			updated_at = excluded.updated_at`,
		e.Path, e.Checksum, e.Size, formatTime(e.ModifiedAt), e.Encrypted, e.StorageBackend, e.SourceNode, formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting media entry %s: %w", e.Path, err)
	}
	return nil
}

// MediaEntriesAfter returns entries with updated_at strictly after the
// watermark, oldest first.
func (s *Store) MediaEntriesAfter(ctx context.Context, after time.Time, limit int) ([]MediaEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_manifest WHERE updated_at > ? ORDER BY updated_at ASC, path ASC LIMIT ?`,
		formatTime(after), ClampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MediaEntry
	for rows.Next() {
		e, err := scanMediaEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *Store) CountMediaEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_manifest`).Scan(&n)
	return n, err
}

// ClearMediaManifest removes every entry and returns how many were removed.
func (s *Store) ClearMediaManifest(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM media_manifest`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMediaEntry(row rowScanner) (MediaEntry, error) {
	var e MediaEntry
	var modifiedAt, updatedAt string
	if err := row.Scan(&e.Path, &e.Checksum, &e.Size, &modifiedAt, &e.Encrypted, &e.StorageBackend, &e.SourceNode, &updatedAt); err != nil {
		return MediaEntry{}, err
	}
	var err error
	if e.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return MediaEntry{}, fmt.Errorf("parsing modified_at of %s: %w", e.Path, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return MediaEntry{}, fmt.Errorf("parsing updated_at of %s: %w", e.Path, err)
	}
	return e, nil
}
