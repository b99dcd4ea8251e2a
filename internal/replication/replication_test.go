package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/twinsync/internal/apply"
	"github.com/kalambet/twinsync/internal/capture"
	"github.com/kalambet/twinsync/internal/catalog"
	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/storage"
)

type testNode struct {
	id       string
	store    *storage.Store
	gateway  *capture.Gateway
	ingester *Ingester
	holiday  *entity.Entity
	enabled  atomic.Bool
}

func (n *testNode) Enabled(context.Context) (bool, error) { return n.enabled.Load(), nil }

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := entity.NewRegistry()
	require.NoError(t, catalog.Register(r))
	g := capture.NewGateway(s, r, capture.NewCapturer(id, nil), nil)
	ing, err := NewIngester(s, apply.NewEngine(s, g, nil), id, nil)
	require.NoError(t, err)
	h, _ := r.Lookup(catalog.HolidayLabel)
	n := &testNode{id: id, store: s, gateway: g, ingester: ing, holiday: h}
	n.enabled.Store(true)
	return n
}

func (n *testNode) save(t *testing.T, rec entity.Record) {
	t.Helper()
	_, err := n.gateway.Save(context.Background(), catalog.HolidayLabel, rec)
	require.NoError(t, err)
}

func (n *testNode) stamp(t *testing.T, pk string, at time.Time) {
	t.Helper()
	require.NoError(t, n.holiday.Stamp(context.Background(), n.store.Querier(), pk, at))
}

func (n *testNode) load(t *testing.T, pk string) entity.Record {
	t.Helper()
	rec, err := n.holiday.Load(context.Background(), n.store.Querier(), pk)
	require.NoError(t, err)
	return rec
}

// loopback serves a node's sync endpoints in process, passing every
// message through JSON the way the HTTP transport does.
type loopback struct {
	node *testNode
	fail error
}

func roundTrip(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func (l *loopback) State(ctx context.Context) (StateResponse, error) {
	if l.fail != nil {
		return StateResponse{}, l.fail
	}
	last, _ := l.node.store.LastSeq(ctx)
	return StateResponse{NodeID: l.node.id, LastSeq: last}, nil
}

func (l *loopback) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	if l.fail != nil {
		return PushResponse{}, l.fail
	}
	var decoded PushRequest
	if err := roundTrip(req, &decoded); err != nil {
		return PushResponse{}, err
	}
	return l.node.ingester.HandlePush(ctx, decoded)
}

func (l *loopback) Pull(ctx context.Context, afterSeq int64, limit int) (PullResponse, error) {
	if l.fail != nil {
		return PullResponse{}, l.fail
	}
	resp, err := ServePull(ctx, l.node.store, afterSeq, limit)
	if err != nil {
		return resp, err
	}
	var decoded PullResponse
	err = roundTrip(resp, &decoded)
	return decoded, err
}

func replicatorFor(local, remote *testNode) (*Replicator, *loopback) {
	peer := &loopback{node: remote}
	return NewReplicator(local.store, local.ingester, peer, local, Options{NodeID: local.id, BatchSize: 100}), peer
}

func TestPushReplicatesCreate(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	ctx := context.Background()
	rep, _ := replicatorFor(a, b)

	a.save(t, entity.Record{"id": int64(99), "name": "New Year"})

	report, err := rep.PushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Response.Accepted)

	got := b.load(t, "99")
	assert.Equal(t, "New Year", got["name"])
	aMod, _ := a.holiday.ModifiedAt(a.load(t, "99"))
	bMod, _ := b.holiday.ModifiedAt(got)
	assert.True(t, aMod.Equal(bMod), "modified times diverged: %v vs %v", aMod, bMod)

	cur, err := a.store.GetCursor(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.LastPushedSeq)
	assert.Empty(t, cur.LastError)

	bChanges, err := b.store.ChangesAfter(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, bChanges, 1)
	for _, c := range bChanges {
		assert.Equal(t, "node-a", c.SourceNode)
		assert.True(t, c.Applied)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	ctx := context.Background()
	a.save(t, entity.Record{"id": int64(1), "name": "Once"})

	changes, err := a.store.ChangesAfter(ctx, "", 0, 10)
	require.NoError(t, err)
	req := PushRequest{SourceNode: "node-a", Changes: ToWireAll(changes)}

	first, err := b.ingester.HandlePush(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)

	second, err := b.ingester.HandlePush(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, PushResponse{Skipped: 1, LastSeq: first.LastSeq}, second)

	// A fresh ingester has an empty cache; the changelog still dedups.
	fresh, err := NewIngester(b.store, apply.NewEngine(b.store, b.gateway, nil), "node-b", nil)
	require.NoError(t, err)
	third, err := fresh.HandlePush(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Skipped)

	n, _ := b.store.CountChanges(ctx)
	assert.Equal(t, int64(1), n)
}

func TestAppliedChangesDoNotEcho(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	ctx := context.Background()
	aToB, _ := replicatorFor(a, b)
	bToA, _ := replicatorFor(b, a)

	a.save(t, entity.Record{"id": int64(5), "name": "Echo"})
	_, err := aToB.PushOnce(ctx)
	require.NoError(t, err)

	report, err := bToA.PushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent, "node-b re-published a change it only applied")

	own, _ := b.store.ChangesAfter(ctx, "node-b", 0, 10)
	assert.Empty(t, own)

	// Even if node-a gets its own change back, it is skipped.
	changes, _ := a.store.ChangesAfter(ctx, "", 0, 10)
	res, err := a.ingester.Ingest(ctx, "node-b", ToWireAll(changes))
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Skipped: 1, MaxSeq: 1}, res)
}

func TestPushConflictParksOlderChange(t *testing.T) {
	b := newTestNode(t, "node-b")
	ctx := context.Background()

	b.save(t, entity.Record{"id": int64(99), "name": "Local"})
	b.stamp(t, "99", time.Date(2026, 2, 25, 11, 0, 0, 0, time.UTC))

	older := storage.Change{
		SourceNode: "node-a", ModelLabel: catalog.HolidayLabel, ObjectPK: "99", Operation: storage.OpUpsert,
		Payload:         map[string]any{"id": 99, "name": "Remote", "updated_at": "2026-02-25T10:00:00Z"},
		SourceTimestamp: time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC),
	}
	resp, err := b.ingester.HandlePush(ctx, PushRequest{SourceNode: "node-a", Changes: []ChangeWire{ToWire(older)}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Conflicts)
	assert.Equal(t, 0, resp.Accepted)
	assert.Equal(t, "Local", b.load(t, "99")["name"])

	pending, _ := b.store.CountConflicts(ctx, storage.ConflictPending)
	assert.Equal(t, int64(1), pending)

	logged, _ := b.store.ChangesFor(ctx, catalog.HolidayLabel, "99")
	var fromA []storage.Change
	for _, c := range logged {
		if c.SourceNode == "node-a" {
			fromA = append(fromA, c)
		}
	}
	require.Len(t, fromA, 1)
	assert.False(t, fromA[0].Applied)
}

// slowApplier widens the window between the dedup check and the append.
type slowApplier struct {
	inner Applier
	calls atomic.Int32
}

func (a *slowApplier) Apply(ctx context.Context, c apply.Change) apply.Result {
	a.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return a.inner.Apply(ctx, c)
}

func TestConcurrentIngestAppliesOnce(t *testing.T) {
	b := newTestNode(t, "node-b")
	ctx := context.Background()

	b.save(t, entity.Record{"id": int64(99), "name": "Local"})
	b.stamp(t, "99", time.Date(2026, 2, 25, 11, 0, 0, 0, time.UTC))

	slow := &slowApplier{inner: b.ingester.applier}
	b.ingester.applier = slow

	stale := ToWire(storage.Change{
		SourceNode: "node-a", ModelLabel: catalog.HolidayLabel, ObjectPK: "99", Operation: storage.OpUpsert,
		Payload:         map[string]any{"id": 99, "name": "Remote", "updated_at": "2026-02-25T10:00:00Z"},
		SourceTimestamp: time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC),
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.ingester.Ingest(ctx, "node-a", []ChangeWire{stale})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), slow.calls.Load())
	pending, err := b.store.CountConflicts(ctx, storage.ConflictPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestChecksumMismatchIsSkipped(t *testing.T) {
	b := newTestNode(t, "node-b")
	w := ToWire(storage.Change{
		SourceNode: "node-a", ModelLabel: catalog.HolidayLabel, ObjectPK: "1", Operation: storage.OpUpsert,
		Payload: map[string]any{"name": "x"}, SourceTimestamp: time.Now(), Checksum: "forged",
	})
	res, err := b.ingester.Ingest(context.Background(), "node-a", []ChangeWire{w})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	_, err = b.holiday.Load(context.Background(), b.store.Querier(), "1")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestMalformedChangeIsSkipped(t *testing.T) {
	b := newTestNode(t, "node-b")
	res, err := b.ingester.Ingest(context.Background(), "node-a", []ChangeWire{
		{Seq: 4, SourceNode: "node-a", ModelLabel: catalog.HolidayLabel, ObjectPK: "1", Operation: "merge", SourceTimestamp: "2026-01-01T00:00:00Z"},
		{Seq: 5, SourceNode: "node-a", ModelLabel: catalog.HolidayLabel, ObjectPK: "1", Operation: "upsert", SourceTimestamp: "yesterday"},
	})
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Skipped: 2, MaxSeq: 5}, res)
}

func TestPullAdvancesPastConflicts(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	ctx := context.Background()
	rep, _ := replicatorFor(a, b)

	// node-a edited record 1 after node-b did; record 2 is new on node-b.
	a.save(t, entity.Record{"id": int64(1), "name": "A wins"})
	a.stamp(t, "1", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	b.save(t, entity.Record{"id": int64(1), "name": "B stale"})
	b.save(t, entity.Record{"id": int64(2), "name": "B new"})

	report, err := rep.PullOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 1, report.Result.Conflicts)
	assert.Equal(t, 1, report.Result.Accepted)

	bLast, _ := b.store.LastSeq(ctx)
	cur, err := a.store.GetCursor(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, bLast, cur.LastPulledSeq)
	assert.Equal(t, "A wins", a.load(t, "1")["name"])
	assert.Equal(t, "B new", a.load(t, "2")["name"])

	report, err = rep.PullOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Received)
}

func TestPushDisabledPullStillRuns(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	ctx := context.Background()
	rep, _ := replicatorFor(a, b)
	a.enabled.Store(false)

	a.save(t, entity.Record{"id": int64(1), "name": "Held back"})
	b.save(t, entity.Record{"id": int64(2), "name": "From B"})

	push, err := rep.PushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, push.Disabled)
	_, err = b.holiday.Load(ctx, b.store.Querier(), "1")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	pull, err := rep.PullOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pull.Result.Accepted)
	assert.Equal(t, "From B", a.load(t, "2")["name"])
}

func TestPushFailureKeepsCursor(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	ctx := context.Background()
	rep, peer := replicatorFor(a, b)

	a.save(t, entity.Record{"id": int64(1), "name": "x"})
	_, err := rep.PeerID(ctx)
	require.NoError(t, err)

	peer.fail = errors.New("connection refused")
	_, err = rep.PushOnce(ctx)
	require.Error(t, err)

	cur, _ := a.store.GetCursor(ctx, "node-b")
	assert.Zero(t, cur.LastPushedSeq)
	assert.Contains(t, cur.LastError, "connection refused")

	peer.fail = nil
	report, err := rep.PushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	cur, _ = a.store.GetCursor(ctx, "node-b")
	assert.Equal(t, int64(1), cur.LastPushedSeq)
	assert.Empty(t, cur.LastError)
}

func TestPeerDiscoveryFailure(t *testing.T) {
	a, b := newTestNode(t, "node-a"), newTestNode(t, "node-b")
	rep, peer := replicatorFor(a, b)
	peer.fail = errors.New("unreachable")
	_, err := rep.PullOnce(context.Background())
	assert.Error(t, err)
}

func TestWireRoundTripKeepsChecksum(t *testing.T) {
	a := newTestNode(t, "node-a")
	a.save(t, entity.Record{"id": int64(3), "name": "Ünïcödé", "recurring": true, "country_id": int64(7)})
	changes, err := a.store.ChangesAfter(context.Background(), "", 0, 10)
	require.NoError(t, err)

	var decoded ChangeWire
	require.NoError(t, roundTrip(ToWire(changes[0]), &decoded))
	c, err := FromWire(decoded)
	require.NoError(t, err)
	sum, err := codec.Checksum(codec.Canonical{
		ModelLabel: c.ModelLabel, ObjectPK: c.ObjectPK, Operation: string(c.Operation),
		Payload: c.Payload, SourceTimestamp: c.SourceTimestamp, SourceNode: c.SourceNode,
	})
	require.NoError(t, err)
	assert.Equal(t, changes[0].Checksum, sum)
	assert.True(t, changes[0].SourceTimestamp.Equal(c.SourceTimestamp))
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(nil,
		Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return errors.New("transient")
		}},
		Job{Name: "disabled"},
	)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}
