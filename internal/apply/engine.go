// Package apply writes changes received from a peer into local entity
// tables. Each change is applied in its own transaction and reported as
// applied, parked as a conflict, or skipped with a reason.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/twinsync/internal/capture"
	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/storage"
)

const (
	ReasonUnknownModel  = "unknown_model"
	ReasonIncomingOlder = "incoming_older_than_existing"
	reasonErrorPrefix   = "apply_error:"
)

// Change is one incoming change. SourceNode and Checksum are optional and
// only kept in conflict records.
type Change struct {
	ModelLabel      string
	ObjectPK        string
	Operation       storage.Operation
	Payload         map[string]any
	SourceTimestamp time.Time
	SourceNode      string
	Checksum        string
}

type Result struct {
	Applied  bool   `json:"applied"`
	Conflict bool   `json:"conflict,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// stageError tags a failure with the step that produced it; the tag ends
// up in the result reason.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func failAt(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Engine applies changes through the capture gateway with capture
// suppressed.
type Engine struct {
	store    *storage.Store
	registry *entity.Registry
	gateway  *capture.Gateway
	logger   *slog.Logger
}

func NewEngine(store *storage.Store, gateway *capture.Gateway, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, registry: gateway.Registry(), gateway: gateway, logger: logger}
}

// Apply never returns an error: every failure is folded into the result
// and the transaction for that change is rolled back.
func (e *Engine) Apply(ctx context.Context, c Change) (res Result) {
	ent, ok := e.registry.Lookup(c.ModelLabel)
	if !ok {
		return Result{Reason: ReasonUnknownModel}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("apply panicked", "model", c.ModelLabel, "pk", c.ObjectPK, "panic", r)
			res = Result{Reason: reasonErrorPrefix + "panic"}
		}
	}()

	ctx = capture.FromRemote(ctx)
	err := e.store.InTx(ctx, func(tx *storage.Store) error {
		var err error
		res, err = e.applyTx(ctx, tx, ent, c)
		return err
	})
	if err != nil {
		stage := "transaction"
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		e.logger.Warn("apply failed", "model", c.ModelLabel, "pk", c.ObjectPK, "stage", stage, "error", err)
		return Result{Reason: reasonErrorPrefix + stage}
	}
	return res
}

func (e *Engine) applyTx(ctx context.Context, tx *storage.Store, ent *entity.Entity, c Change) (Result, error) {
	q := tx.Querier()

	existing, err := ent.Load(ctx, q, c.ObjectPK)
	if errors.Is(err, entity.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return Result{}, failAt("load", err)
	}

	if existing != nil {
		if mod, ok := ent.ModifiedAt(existing); ok && mod.After(c.SourceTimestamp) {
			if _, err := tx.InsertConflict(ctx, e.conflictFor(ent, c, existing)); err != nil {
				return Result{}, failAt("conflict_record", err)
			}
			e.logger.Info("conflict parked", "model", c.ModelLabel, "pk", c.ObjectPK,
				"existing", mod, "incoming", c.SourceTimestamp)
			return Result{Conflict: true, Reason: ReasonIncomingOlder}, nil
		}
	}

	switch c.Operation {
	case storage.OpDelete:
		if existing != nil {
			if _, err := e.gateway.DeleteTx(ctx, tx, ent, c.ObjectPK); err != nil {
				return Result{}, failAt("delete", err)
			}
		}
	case storage.OpUpsert:
		if err := e.upsert(ctx, tx, ent, c, existing); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, failAt("operation", fmt.Errorf("unsupported operation %q", c.Operation))
	}
	return Result{Applied: true}, nil
}

func (e *Engine) upsert(ctx context.Context, tx *storage.Store, ent *entity.Entity, c Change, existing entity.Record) error {
	rec := make(entity.Record, len(ent.Fields))
	for k, v := range existing {
		rec[k] = v
	}
	for key, raw := range c.Payload {
		f, ok := ent.Field(key)
		if !ok {
			continue
		}
		if key == ent.PK && existing != nil {
			continue
		}
		rec[key] = f.Coerce(raw)
	}
	if v, ok := rec[ent.PK]; !ok || v == nil {
		f, _ := ent.Field(ent.PK)
		rec[ent.PK] = f.Coerce(c.ObjectPK)
	}

	saved, err := e.gateway.SaveTx(ctx, tx, ent, rec)
	if err != nil {
		return failAt("save", err)
	}

	// Save stamps the modification field with the local clock; put the
	// sender's value back so both nodes hold the same timestamp.
	if ent.Modified == "" || ent.Stamp == nil {
		return nil
	}
	raw, ok := c.Payload[ent.Modified]
	if !ok {
		return nil
	}
	f, _ := ent.Field(ent.Modified)
	ts, ok := f.Coerce(raw).(time.Time)
	if !ok {
		return nil
	}
	pk, _ := ent.PKString(saved)
	if err := ent.Stamp(ctx, tx.Querier(), pk, ts); err != nil {
		return failAt("stamp", err)
	}
	return nil
}

func (e *Engine) conflictFor(ent *entity.Entity, c Change, existing entity.Record) storage.Conflict {
	snapshot := make(map[string]any, len(existing))
	for k, v := range existing {
		snapshot[k] = codec.ToJSONSafe(v)
	}
	return storage.Conflict{
		ModelLabel: ent.Label,
		ObjectPK:   c.ObjectPK,
		IncomingChange: map[string]any{
			"model_label":      c.ModelLabel,
			"object_pk":        c.ObjectPK,
			"operation":        string(c.Operation),
			"payload":          c.Payload,
			"source_timestamp": codec.FormatTime(c.SourceTimestamp),
			"source_node":      c.SourceNode,
			"checksum":         c.Checksum,
		},
		ExistingSnapshot: snapshot,
		ChosenSource:     "existing",
		Reason:           ReasonIncomingOlder,
	}
}
