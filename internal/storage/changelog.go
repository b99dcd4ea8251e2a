package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/twinsync/internal/codec"
)

const (
	DefaultPageSize = 200
	MaxPageSize     = 1000
)

// ClampLimit bounds a requested page size to [1, MaxPageSize], using
// DefaultPageSize when limit is not positive.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

const changeColumns = `seq, source_node, model_label, object_pk, operation, payload, source_timestamp, checksum, applied, created_at`

// AppendChange stores c unless an entry with the same source node and
// checksum already exists. The returned bool reports whether a row was
// inserted; on insert the returned change carries its local seq.
func (s *Store) AppendChange(ctx context.Context, c Change) (Change, bool, error) {
	if !c.Operation.Valid() {
		return c, false, fmt.Errorf("appending change: invalid operation %q", c.Operation)
	}
	payload, err := encodeObject(c.Payload)
	if err != nil {
		return c, false, fmt.Errorf("encoding payload: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO changelog (source_node, model_label, object_pk, operation, payload, source_timestamp, checksum, applied, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_node, checksum) DO NOTHING`,
		c.SourceNode, c.ModelLabel, c.ObjectPK, string(c.Operation), payload,
		formatTime(c.SourceTimestamp), c.Checksum, c.Applied, formatTime(c.CreatedAt),
	)
	if err != nil {
		return c, false, fmt.Errorf("appending change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return c, false, err
	}
	if n == 0 {
		return c, false, nil
	}
	if c.Seq, err = res.LastInsertId(); err != nil {
		return c, false, err
	}
	return c, true, nil
}

// HasChange reports whether an entry from sourceNode with checksum exists.
func (s *Store) HasChange(ctx context.Context, sourceNode, checksum string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changelog WHERE source_node = ? AND checksum = ?`, sourceNode, checksum,
	).Scan(&n)
	return n > 0, err
}

// ChangesAfter returns entries with seq > afterSeq in ascending order. When
// sourceNode is non-empty only that node's entries are returned.
func (s *Store) ChangesAfter(ctx context.Context, sourceNode string, afterSeq int64, limit int) ([]Change, error) {
	query := `SELECT ` + changeColumns + ` FROM changelog WHERE seq > ?`
	args := []any{afterSeq}
	if sourceNode != "" {
		query += ` AND source_node = ?`
		args = append(args, sourceNode)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, ClampLimit(limit))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// ChangesFor returns every entry recorded for one object, oldest first.
func (s *Store) ChangesFor(ctx context.Context, modelLabel, objectPK string) ([]Change, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM changelog WHERE model_label = ? AND object_pk = ? ORDER BY seq ASC`,
		modelLabel, objectPK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// LastSeq returns the highest local seq, or 0 for an empty changelog.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changelog`).Scan(&seq)
	return seq, err
}

func (s *Store) CountChanges(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM changelog`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (Change, error) {
	var c Change
	var op, payload, sourceTS, createdAt string
	if err := row.Scan(&c.Seq, &c.SourceNode, &c.ModelLabel, &c.ObjectPK, &op, &payload, &sourceTS, &c.Checksum, &c.Applied, &createdAt); err != nil {
		return Change{}, err
	}
	c.Operation = Operation(op)

	var err error
	if c.Payload, err = decodeObject(payload); err != nil {
		return Change{}, fmt.Errorf("decoding payload of change %d: %w", c.Seq, err)
	}
	if c.SourceTimestamp, err = parseTime(sourceTS); err != nil {
		return Change{}, fmt.Errorf("parsing source_timestamp of change %d: %w", c.Seq, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Change{}, fmt.Errorf("parsing created_at of change %d: %w", c.Seq, err)
	}
	return c, nil
}

// decodeObject keeps numbers as json.Number so checksums recomputed from
// stored payloads match the originals.
func decodeObject(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(codec.ToJSONSafe(m))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
