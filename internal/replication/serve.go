package replication

import (
	"context"
	"fmt"

	"github.com/kalambet/twinsync/internal/storage"
)

// HandlePush ingests a pushed batch and reports the outcome together with
// this node's changelog head.
func (i *Ingester) HandlePush(ctx context.Context, req PushRequest) (PushResponse, error) {
	res, err := i.Ingest(ctx, req.SourceNode, req.Changes)
	if err != nil {
		return PushResponse{}, err
	}
	last, err := i.store.LastSeq(ctx)
	if err != nil {
		return PushResponse{}, fmt.Errorf("reading last seq: %w", err)
	}
	return PushResponse{Accepted: res.Accepted, Skipped: res.Skipped, Conflicts: res.Conflicts, LastSeq: last}, nil
}

// ServePull returns changelog entries after afterSeq for a pulling peer.
// NextSeq is the seq to pass as after_seq on the following request.
func ServePull(ctx context.Context, store *storage.Store, afterSeq int64, limit int) (PullResponse, error) {
	changes, err := store.ChangesAfter(ctx, "", afterSeq, limit)
	if err != nil {
		return PullResponse{}, err
	}
	next := afterSeq
	if len(changes) > 0 {
		next = changes[len(changes)-1].Seq
	}
	return PullResponse{Changes: ToWireAll(changes), Count: len(changes), NextSeq: next}, nil
}
