package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/kalambet/twinsync/internal/apply"
	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/storage"
)

const seenCacheSize = 4096

// Applier is implemented by *apply.Engine.
type Applier interface {
	Apply(ctx context.Context, c apply.Change) apply.Result
}

// IngestResult counts the outcome of one batch. MaxSeq is the highest
// sender-side seq seen in the batch.
type IngestResult struct {
	Accepted  int   `json:"accepted"`
	Skipped   int   `json:"skipped"`
	Conflicts int   `json:"conflicts"`
	MaxSeq    int64 `json:"maxSeq"`
}

// Ingester applies batches of peer changes and records them in the local
// changelog under their originating node, so replays are recognized.
type Ingester struct {
	store   *storage.Store
	applier Applier
	nodeID  string
	seen    *lru.Cache
	logger  *slog.Logger

	// mu serializes the dedup check, apply and append of one change, so the
	// push handler and the pull job cannot both apply the same change.
	mu sync.Mutex
}

func NewIngester(store *storage.Store, applier Applier, nodeID string, logger *slog.Logger) (*Ingester, error) {
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: store, applier: applier, nodeID: nodeID, seen: seen, logger: logger}, nil
}

// Ingest processes changes in order. peer is used as the source node for
// entries that do not name one. Per-change failures are counted, never
// returned; an error means the local changelog could not be read or written.
func (i *Ingester) Ingest(ctx context.Context, peer string, changes []ChangeWire) (IngestResult, error) {
	var res IngestResult
	for _, w := range changes {
		if w.Seq > res.MaxSeq {
			res.MaxSeq = w.Seq
		}
		outcome, err := i.ingestOne(ctx, peer, w)
		if err != nil {
			return res, err
		}
		ingestOutcomes.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeAccepted:
			res.Accepted++
		case outcomeConflict:
			res.Conflicts++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

const (
	outcomeAccepted = "accepted"
	outcomeConflict = "conflict"
	outcomeSelf     = "self"
	outcomeInvalid  = "invalid"
	outcomeDup      = "duplicate"
	outcomeRejected = "rejected"
)

func (i *Ingester) ingestOne(ctx context.Context, peer string, w ChangeWire) (string, error) {
	c, err := FromWire(w)
	if err != nil {
		i.logger.Warn("dropping malformed change", "peer", peer, "seq", w.Seq, "error", err)
		return outcomeInvalid, nil
	}
	if c.SourceNode == "" {
		c.SourceNode = peer
	}
	if c.SourceNode == i.nodeID {
		return outcomeSelf, nil
	}

	sum, err := codec.Checksum(codec.Canonical{
		ModelLabel:      c.ModelLabel,
		ObjectPK:        c.ObjectPK,
		Operation:       string(c.Operation),
		Payload:         c.Payload,
		SourceTimestamp: c.SourceTimestamp,
		SourceNode:      c.SourceNode,
	})
	if err != nil {
		i.logger.Warn("dropping change with unhashable payload", "peer", peer, "seq", w.Seq, "error", err)
		return outcomeInvalid, nil
	}
	if c.Checksum == "" {
		c.Checksum = sum
	} else if c.Checksum != sum {
		i.logger.Warn("dropping change with checksum mismatch", "peer", peer, "seq", w.Seq,
			"model", c.ModelLabel, "pk", c.ObjectPK)
		return outcomeInvalid, nil
	}

	key := c.SourceNode + "\x00" + c.Checksum
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen.Contains(key) {
		return outcomeDup, nil
	}
	exists, err := i.store.HasChange(ctx, c.SourceNode, c.Checksum)
	if err != nil {
		return "", fmt.Errorf("checking changelog: %w", err)
	}
	if exists {
		i.seen.Add(key, struct{}{})
		return outcomeDup, nil
	}

	res := i.applier.Apply(ctx, apply.Change{
		ModelLabel:      c.ModelLabel,
		ObjectPK:        c.ObjectPK,
		Operation:       c.Operation,
		Payload:         c.Payload,
		SourceTimestamp: c.SourceTimestamp,
		SourceNode:      c.SourceNode,
		Checksum:        c.Checksum,
	})

	c.Applied = res.Applied
	_, inserted, err := i.store.AppendChange(ctx, c)
	if err != nil {
		return "", fmt.Errorf("recording change: %w", err)
	}
	i.seen.Add(key, struct{}{})
	switch {
	case !inserted:
		return outcomeDup, nil
	case res.Conflict:
		return outcomeConflict, nil
	case res.Applied:
		return outcomeAccepted, nil
	default:
		i.logger.Warn("change not applied", "peer", peer, "model", c.ModelLabel, "pk", c.ObjectPK, "reason", res.Reason)
		return outcomeRejected, nil
	}
}
