package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Now is the clock used to stamp modification fields.
var Now = func() time.Time { return time.Now().UTC() }

// Table builds an entity persisted in a single SQLite table whose column
// names match the field names. modified may be empty.
func Table(label, table, pk, modified string, fields ...Field) *Entity {
	t := &sqlTable{name: table, pk: pk, modified: modified, fields: fields}
	e := &Entity{Label: label, PK: pk, Modified: modified, Fields: fields}
	t.entity = e
	e.Load = t.load
	e.Save = t.save
	e.Delete = t.delete
	e.List = t.list
	e.Stamp = t.stamp
	return e
}

type sqlTable struct {
	entity   *Entity
	name     string
	pk       string
	modified string
	fields   []Field
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (t *sqlTable) columns() string {
	cols := make([]string, len(t.fields))
	for i, f := range t.fields {
		cols[i] = quote(f.Name)
	}
	return strings.Join(cols, ", ")
}

func (t *sqlTable) pkArg(pk string) (any, error) {
	f, _ := t.entity.Field(t.pk)
	return f.toColumn(f.Coerce(pk))
}

func (t *sqlTable) scan(row interface{ Scan(...any) error }) (Record, error) {
	vals := make([]any, len(t.fields))
	ptrs := make([]any, len(t.fields))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(Record, len(t.fields))
	for i, f := range t.fields {
		rec[f.Name] = f.fromColumn(vals[i])
	}
	return rec, nil
}

func (t *sqlTable) load(ctx context.Context, q Querier, pk string) (Record, error) {
	arg, err := t.pkArg(pk)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", t.columns(), quote(t.name), quote(t.pk))
	rec, err := t.scan(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s %s: %w", t.entity.Label, pk, err)
	}
	return rec, nil
}

func (t *sqlTable) save(ctx context.Context, q Querier, rec Record) (Record, error) {
	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	if t.modified != "" {
		out[t.modified] = Now()
	}

	var cols, marks, updates []string
	var args []any
	for _, f := range t.fields {
		v, ok := out[f.Name]
		if !ok || (f.Name == t.pk && v == nil) {
			continue
		}
		arg, err := f.toColumn(v)
		if err != nil {
			return nil, fmt.Errorf("saving %s field %s: %w", t.entity.Label, f.Name, err)
		}
		cols = append(cols, quote(f.Name))
		marks = append(marks, "?")
		args = append(args, arg)
		if f.Name != t.pk {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quote(f.Name), quote(f.Name)))
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("saving %s: no fields", t.entity.Label)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(t.name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, hasPK := out[t.pk]; hasPK && out[t.pk] != nil {
		if len(updates) > 0 {
			query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", quote(t.pk), strings.Join(updates, ", "))
		} else {
			query += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", quote(t.pk))
		}
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("saving %s: %w", t.entity.Label, err)
	}
	if v, ok := out[t.pk]; !ok || v == nil {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("saving %s: reading new key: %w", t.entity.Label, err)
		}
		out[t.pk] = id
	}
	return out, nil
}

func (t *sqlTable) delete(ctx context.Context, q Querier, pk string) (bool, error) {
	arg, err := t.pkArg(pk)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(t.name), quote(t.pk)), arg)
	if err != nil {
		return false, fmt.Errorf("deleting %s %s: %w", t.entity.Label, pk, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *sqlTable) list(ctx context.Context, q Querier) ([]Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", t.columns(), quote(t.name), quote(t.pk))
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", t.entity.Label, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", t.entity.Label, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *sqlTable) stamp(ctx context.Context, q Querier, pk string, at time.Time) error {
	if t.modified == "" {
		return nil
	}
	arg, err := t.pkArg(pk)
	if err != nil {
		return err
	}
	f, _ := t.entity.Field(t.modified)
	val, err := f.toColumn(at.UTC())
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", quote(t.name), quote(t.modified), quote(t.pk))
	if _, err := q.ExecContext(ctx, query, val, arg); err != nil {
		return fmt.Errorf("stamping %s %s: %w", t.entity.Label, pk, err)
	}
	return nil
}
