package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/storage"
)

// Capturer appends changelog entries for local writes.
type Capturer struct {
	nodeID string
	now    func() time.Time
	logger *slog.Logger
}

func NewCapturer(nodeID string, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		nodeID: nodeID,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (c *Capturer) NodeID() string { return c.nodeID }

// Upsert records the current state of rec. It returns nil when nothing was
// recorded: the write came from a peer, the record has no primary key yet,
// or an identical entry already exists.
func (c *Capturer) Upsert(ctx context.Context, tx *storage.Store, ent *entity.Entity, rec entity.Record) (*storage.Change, error) {
	if IsRemote(ctx) {
		return nil, nil
	}
	pk, ok := ent.PKString(rec)
	if !ok {
		return nil, nil
	}

	payload := make(map[string]any, len(ent.Fields))
	for _, f := range ent.Fields {
		payload[f.Name] = codec.ToJSONSafe(rec[f.Name])
	}

	ts, ok := ent.ModifiedAt(rec)
	if !ok {
		ts = c.now()
	}
	return c.append(ctx, tx, ent.Label, pk, storage.OpUpsert, payload, ts)
}

// Delete records the removal of the object with primary key pk.
func (c *Capturer) Delete(ctx context.Context, tx *storage.Store, label, pk string) (*storage.Change, error) {
	if IsRemote(ctx) || pk == "" {
		return nil, nil
	}
	payload := map[string]any{
		"deleted":     true,
		"model_label": label,
		"object_pk":   pk,
	}
	return c.append(ctx, tx, label, pk, storage.OpDelete, payload, c.now())
}

func (c *Capturer) append(ctx context.Context, tx *storage.Store, label, pk string, op storage.Operation, payload map[string]any, ts time.Time) (*storage.Change, error) {
	sum, err := codec.Checksum(codec.Canonical{
		ModelLabel:      label,
		ObjectPK:        pk,
		Operation:       string(op),
		Payload:         payload,
		SourceTimestamp: ts,
		SourceNode:      c.nodeID,
	})
	if err != nil {
		return nil, err
	}
	change, inserted, err := tx.AppendChange(ctx, storage.Change{
		SourceNode:      c.nodeID,
		ModelLabel:      label,
		ObjectPK:        pk,
		Operation:       op,
		Payload:         payload,
		SourceTimestamp: ts,
		Checksum:        sum,
		Applied:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("capturing %s %s: %w", label, pk, err)
	}
	if !inserted {
		return nil, nil
	}
	c.logger.Debug("captured change", "model", label, "pk", pk, "operation", op, "seq", change.Seq)
	return &change, nil
}
