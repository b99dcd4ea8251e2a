package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/storage"
)

// Gateway is the write path for replicated entities. Every save or delete
// runs with its capture in one transaction, so a committed write always
// has its changelog entry.
type Gateway struct {
	store    *storage.Store
	registry *entity.Registry
	capturer *Capturer
	logger   *slog.Logger
}

func NewGateway(store *storage.Store, registry *entity.Registry, capturer *Capturer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, registry: registry, capturer: capturer, logger: logger}
}

func (g *Gateway) Registry() *entity.Registry { return g.registry }

func (g *Gateway) lookup(label string) (*entity.Entity, error) {
	ent, ok := g.registry.Lookup(label)
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrUnknownModel, label)
	}
	return ent, nil
}

// Save persists rec and returns the stored values.
func (g *Gateway) Save(ctx context.Context, label string, rec entity.Record) (entity.Record, error) {
	ent, err := g.lookup(label)
	if err != nil {
		return nil, err
	}
	var saved entity.Record
	err = g.store.InTx(ctx, func(tx *storage.Store) error {
		saved, err = g.SaveTx(ctx, tx, ent, rec)
		return err
	})
	return saved, err
}

// SaveAll persists recs in one transaction, capturing each one.
func (g *Gateway) SaveAll(ctx context.Context, label string, recs []entity.Record) ([]entity.Record, error) {
	ent, err := g.lookup(label)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Record, 0, len(recs))
	err = g.store.InTx(ctx, func(tx *storage.Store) error {
		for _, rec := range recs {
			saved, err := g.SaveTx(ctx, tx, ent, rec)
			if err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the object and reports whether it existed.
func (g *Gateway) Delete(ctx context.Context, label, pk string) (bool, error) {
	ent, err := g.lookup(label)
	if err != nil {
		return false, err
	}
	var removed bool
	err = g.store.InTx(ctx, func(tx *storage.Store) error {
		removed, err = g.DeleteTx(ctx, tx, ent, pk)
		return err
	})
	return removed, err
}

// SaveTx saves within tx, reloads the stored row and captures it unless
// ctx is marked remote.
func (g *Gateway) SaveTx(ctx context.Context, tx *storage.Store, ent *entity.Entity, rec entity.Record) (entity.Record, error) {
	q := tx.Querier()
	saved, err := ent.Save(ctx, q, rec)
	if err != nil {
		return nil, err
	}
	pk, ok := ent.PKString(saved)
	if !ok {
		return saved, nil
	}
	stored, err := ent.Load(ctx, q, pk)
	if err != nil {
		return nil, fmt.Errorf("reloading %s %s: %w", ent.Label, pk, err)
	}
	if _, err := g.capturer.Upsert(ctx, tx, ent, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// DeleteTx deletes within tx and captures the deletion unless ctx is
// marked remote. Deleting a missing object is not captured.
func (g *Gateway) DeleteTx(ctx context.Context, tx *storage.Store, ent *entity.Entity, pk string) (bool, error) {
	removed, err := ent.Delete(ctx, tx.Querier(), pk)
	if err != nil || !removed {
		return removed, err
	}
	if _, err := g.capturer.Delete(ctx, tx, ent.Label, pk); err != nil {
		return false, err
	}
	return true, nil
}

// Bootstrap seeds the changelog with an upsert for every existing row so a
// peer can converge from nothing. Unless force is set it does nothing when
// the changelog already has entries. It returns how many entries were added.
func (g *Gateway) Bootstrap(ctx context.Context, force bool) (int, error) {
	if IsRemote(ctx) {
		return 0, nil
	}
	if !force {
		n, err := g.store.CountChanges(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting changes: %w", err)
		}
		if n > 0 {
			return 0, nil
		}
	}

	total := 0
	for _, label := range g.registry.Labels() {
		ent, _ := g.registry.Lookup(label)
		added := 0
		err := g.store.InTx(ctx, func(tx *storage.Store) error {
			recs, err := ent.List(ctx, tx.Querier())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				change, err := g.capturer.Upsert(ctx, tx, ent, rec)
				if err != nil {
					return err
				}
				if change != nil {
					added++
				}
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("bootstrapping %s: %w", label, err)
		}
		total += added
		g.logger.Info("bootstrapped entity", "model", label, "entries", added)
	}
	return total, nil
}
