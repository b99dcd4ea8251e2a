// Package entity describes the replicable record types: their fields,
// primary key, modification timestamp, and how to load and persist them.
package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("entity: record not found")
	ErrUnknownModel = errors.New("entity: unknown model")
)

// Record is one row keyed by field name.
type Record map[string]any

// Querier is satisfied by *sql.DB, *sql.Tx and storage.Store.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entity is the metadata and persistence hooks for one record type.
type Entity struct {
	// Label is the stable "app.model" identifier used on the wire.
	Label string
	// PK names the primary-key field.
	PK string
	// Modified names the auto-now timestamp field, or is empty when the
	// entity has none.
	Modified string
	Fields   []Field

	// Load returns ErrNotFound when no row matches pk.
	Load func(ctx context.Context, q Querier, pk string) (Record, error)
	// Save inserts or updates rec, stamping Modified with the current
	// time, and returns the persisted values.
	Save func(ctx context.Context, q Querier, rec Record) (Record, error)
	// Delete reports whether a row was removed.
	Delete func(ctx context.Context, q Querier, pk string) (bool, error)
	// List returns every row in primary-key order.
	List func(ctx context.Context, q Querier) ([]Record, error)
	// Stamp overwrites Modified without going through Save.
	Stamp func(ctx context.Context, q Querier, pk string, at time.Time) error
}

// Field returns the field called name.
func (e *Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// PKString returns the textual primary key of rec, or false when rec has
// none yet.
func (e *Entity) PKString(rec Record) (string, bool) {
	v, ok := rec[e.PK]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", false
	}
	return s, true
}

// ModifiedAt returns the record's modification time, if it has one.
func (e *Entity) ModifiedAt(rec Record) (time.Time, bool) {
	if e.Modified == "" {
		return time.Time{}, false
	}
	f, _ := e.Field(e.Modified)
	t, ok := f.Coerce(rec[e.Modified]).(time.Time)
	return t, ok && !t.IsZero()
}

// Registry maps model labels to entities.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// Register adds e. Labels must be unique.
func (r *Registry) Register(e *Entity) error {
	if e == nil || e.Label == "" {
		return errors.New("entity: label is required")
	}
	if e.PK == "" {
		return fmt.Errorf("entity %s: primary key is required", e.Label)
	}
	if _, ok := e.Field(e.PK); !ok {
		return fmt.Errorf("entity %s: primary key %q is not a field", e.Label, e.PK)
	}
	if e.Load == nil || e.Save == nil || e.Delete == nil || e.List == nil {
		return fmt.Errorf("entity %s: persistence hooks are required", e.Label)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entities[e.Label]; dup {
		return fmt.Errorf("entity %s: already registered", e.Label)
	}
	r.entities[e.Label] = e
	return nil
}

func (r *Registry) Lookup(label string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[label]
	return e, ok
}

// Labels returns the registered labels in sorted order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entities))
	for label := range r.entities {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
