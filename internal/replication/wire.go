package replication

import (
	"fmt"
	"time"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/storage"
)

// ChangeWire is the JSON form of a changelog entry exchanged between nodes.
type ChangeWire struct {
	Seq             int64          `json:"seq"`
	SourceNode      string         `json:"source_node"`
	ModelLabel      string         `json:"model_label"`
	ObjectPK        string         `json:"object_pk"`
	Operation       string         `json:"operation"`
	Payload         map[string]any `json:"payload"`
	SourceTimestamp string         `json:"source_timestamp"`
	Checksum        string         `json:"checksum"`
	Applied         bool           `json:"applied"`
}

func ToWire(c storage.Change) ChangeWire {
	payload := c.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return ChangeWire{
		Seq:             c.Seq,
		SourceNode:      c.SourceNode,
		ModelLabel:      c.ModelLabel,
		ObjectPK:        c.ObjectPK,
		Operation:       string(c.Operation),
		Payload:         payload,
		SourceTimestamp: codec.FormatTime(c.SourceTimestamp),
		Checksum:        c.Checksum,
		Applied:         c.Applied,
	}
}

// ToWireAll converts a batch, preserving order.
func ToWireAll(changes []storage.Change) []ChangeWire {
	out := make([]ChangeWire, len(changes))
	for i, c := range changes {
		out[i] = ToWire(c)
	}
	return out
}

// FromWire validates w and converts it to a storage change. Seq and
// Applied are dropped: both are local to the node that stores the entry.
func FromWire(w ChangeWire) (storage.Change, error) {
	op := storage.Operation(w.Operation)
	if !op.Valid() {
		return storage.Change{}, fmt.Errorf("invalid operation %q", w.Operation)
	}
	if w.ModelLabel == "" || w.ObjectPK == "" {
		return storage.Change{}, fmt.Errorf("model_label and object_pk are required")
	}
	ts, err := codec.ParseTime(w.SourceTimestamp)
	if err != nil {
		return storage.Change{}, err
	}
	payload := w.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return storage.Change{
		SourceNode:      w.SourceNode,
		ModelLabel:      w.ModelLabel,
		ObjectPK:        w.ObjectPK,
		Operation:       op,
		Payload:         payload,
		SourceTimestamp: ts,
		Checksum:        w.Checksum,
	}, nil
}

type PushRequest struct {
	SourceNode string       `json:"source_node"`
	Changes    []ChangeWire `json:"changes"`
}

type PushResponse struct {
	Accepted  int   `json:"accepted"`
	Skipped   int   `json:"skipped"`
	Conflicts int   `json:"conflicts"`
	LastSeq   int64 `json:"lastSeq"`
}

type PullResponse struct {
	Changes []ChangeWire `json:"changes"`
	Count   int          `json:"count"`
	NextSeq int64        `json:"nextSeq"`
}

// CursorWire reports the responder's watermark for the caller.
type CursorWire struct {
	LastPulledSeq int64   `json:"lastPulledSeq"`
	LastPushedSeq int64   `json:"lastPushedSeq"`
	LastPulledAt  *string `json:"lastPulledAt"`
	LastPushedAt  *string `json:"lastPushedAt"`
	LastMediaAt   *string `json:"lastMediaAt"`
	LastError     string  `json:"lastError"`
	UpdatedAt     *string `json:"updatedAt"`
}

func CursorToWire(c storage.Cursor) CursorWire {
	return CursorWire{
		LastPulledSeq: c.LastPulledSeq,
		LastPushedSeq: c.LastPushedSeq,
		LastPulledAt:  optionalTime(c.LastPulledAt),
		LastPushedAt:  optionalTime(c.LastPushedAt),
		LastMediaAt:   optionalTime(c.LastMediaAt),
		LastError:     c.LastError,
		UpdatedAt:     optionalTime(c.UpdatedAt),
	}
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := codec.FormatTime(t)
	return &s
}

type StateResponse struct {
	NodeID           string     `json:"nodeId"`
	LastSeq          int64      `json:"lastSeq"`
	PendingConflicts int64      `json:"pendingConflicts"`
	SyncEnabled      bool       `json:"syncEnabled"`
	DesktopMode      string     `json:"desktopMode"`
	VaultEpoch       int64      `json:"vaultEpoch"`
	RemoteCursor     CursorWire `json:"remoteCursor"`
}
