package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/twinsync/internal/storage"
)

// Peer is the remote side of replication; *Client implements it.
type Peer interface {
	State(ctx context.Context) (StateResponse, error)
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, afterSeq int64, limit int) (PullResponse, error)
}

// Toggle reports whether this node currently publishes its own writes.
type Toggle interface {
	Enabled(ctx context.Context) (bool, error)
}

type Options struct {
	NodeID string
	// PeerID may be empty; it is then discovered from the peer's state.
	PeerID    string
	BatchSize int
	Logger    *slog.Logger
}

// Replicator runs single push and pull passes against one peer.
type Replicator struct {
	store    *storage.Store
	ingester *Ingester
	peer     Peer
	toggle   Toggle
	nodeID   string
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	peerID string
}

func NewReplicator(store *storage.Store, ingester *Ingester, peer Peer, toggle Toggle, opts Options) *Replicator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		store:    store,
		ingester: ingester,
		peer:     peer,
		toggle:   toggle,
		nodeID:   opts.NodeID,
		peerID:   opts.PeerID,
		batch:    storage.ClampLimit(opts.BatchSize),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PeerID returns the configured peer id, asking the peer when unset.
func (r *Replicator) PeerID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peerID != "" {
		return r.peerID, nil
	}
	st, err := r.peer.State(ctx)
	if err != nil {
		return "", fmt.Errorf("discovering peer node id: %w", err)
	}
	if st.NodeID == "" {
		return "", fmt.Errorf("discovering peer node id: peer reported none")
	}
	r.peerID = st.NodeID
	return r.peerID, nil
}

type PushReport struct {
	Disabled bool         `json:"disabled"`
	Sent     int          `json:"sent"`
	Response PushResponse `json:"response"`
	LastSeq  int64        `json:"lastSeq"`
}

// PushOnce sends the next batch of locally authored changes the peer has
// not acknowledged. The cursor only moves after a successful response.
func (r *Replicator) PushOnce(ctx context.Context) (PushReport, error) {
	if r.toggle != nil {
		enabled, err := r.toggle.Enabled(ctx)
		if err != nil {
			return PushReport{}, fmt.Errorf("reading sync toggle: %w", err)
		}
		if !enabled {
			return PushReport{Disabled: true}, nil
		}
	}

	peerID, err := r.PeerID(ctx)
	if err != nil {
		return PushReport{}, err
	}
	cur, err := r.store.GetCursor(ctx, peerID)
	if err != nil {
		return PushReport{}, fmt.Errorf("loading cursor: %w", err)
	}
	changes, err := r.store.ChangesAfter(ctx, r.nodeID, cur.LastPushedSeq, r.batch)
	if err != nil {
		return PushReport{}, fmt.Errorf("reading changelog: %w", err)
	}
	report := PushReport{LastSeq: cur.LastPushedSeq}
	if len(changes) == 0 {
		return report, nil
	}

	resp, err := r.peer.Push(ctx, PushRequest{SourceNode: r.nodeID, Changes: ToWireAll(changes)})
	if err != nil {
		r.recordError(ctx, peerID, "push", err)
		return report, fmt.Errorf("pushing to %s: %w", peerID, err)
	}

	maxSeq := changes[len(changes)-1].Seq
	if err := r.store.MarkPushed(ctx, peerID, maxSeq, r.now()); err != nil {
		return report, fmt.Errorf("advancing push cursor: %w", err)
	}
	changesPushed.Add(float64(len(changes)))
	report.Sent = len(changes)
	report.Response = resp
	report.LastSeq = maxSeq
	r.logger.Info("pushed changes", "peer", peerID, "sent", len(changes),
		"accepted", resp.Accepted, "skipped", resp.Skipped, "conflicts", resp.Conflicts, "cursor", maxSeq)
	return report, nil
}

type PullReport struct {
	Received int          `json:"received"`
	Result   IngestResult `json:"result"`
	LastSeq  int64        `json:"lastSeq"`
}

// PullOnce fetches the next batch from the peer and ingests it. It runs
// regardless of the sync toggle. The cursor advances to the batch maximum
// whatever the per-change outcome.
func (r *Replicator) PullOnce(ctx context.Context) (PullReport, error) {
	peerID, err := r.PeerID(ctx)
	if err != nil {
		return PullReport{}, err
	}
	cur, err := r.store.GetCursor(ctx, peerID)
	if err != nil {
		return PullReport{}, fmt.Errorf("loading cursor: %w", err)
	}
	report := PullReport{LastSeq: cur.LastPulledSeq}

	resp, err := r.peer.Pull(ctx, cur.LastPulledSeq, r.batch)
	if err != nil {
		r.recordError(ctx, peerID, "pull", err)
		return report, fmt.Errorf("pulling from %s: %w", peerID, err)
	}
	if len(resp.Changes) == 0 {
		return report, nil
	}

	res, err := r.ingester.Ingest(ctx, peerID, resp.Changes)
	if err != nil {
		r.recordError(ctx, peerID, "pull", err)
		return report, fmt.Errorf("ingesting from %s: %w", peerID, err)
	}
	changesPulled.Add(float64(len(resp.Changes)))

	maxSeq := max(res.MaxSeq, cur.LastPulledSeq)
	if err := r.store.MarkPulled(ctx, peerID, maxSeq, r.now()); err != nil {
		return report, fmt.Errorf("advancing pull cursor: %w", err)
	}
	report.Received = len(resp.Changes)
	report.Result = res
	report.LastSeq = maxSeq
	r.logger.Info("pulled changes", "peer", peerID, "received", len(resp.Changes),
		"accepted", res.Accepted, "skipped", res.Skipped, "conflicts", res.Conflicts, "cursor", maxSeq)
	return report, nil
}

func (r *Replicator) recordError(ctx context.Context, peerID, op string, err error) {
	msg := op + ": " + err.Error()
	if rerr := r.store.RecordCursorError(context.WithoutCancel(ctx), peerID, msg); rerr != nil {
		r.logger.Error("recording cursor error", "peer", peerID, "error", rerr)
	}
}
