package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflictClosed is returned when resolving a conflict that is no longer pending.
var ErrConflictClosed = errors.New("conflict already closed")

type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OpUpsert || o == OpDelete
}

// Change is one changelog entry. Seq is assigned locally and is only
// meaningful on the node that stored the entry.
type Change struct {
	Seq             int64
	SourceNode      string
	ModelLabel      string
	ObjectPK        string
	Operation       Operation
	Payload         map[string]any
	SourceTimestamp time.Time
	Checksum        string
	Applied         bool
	CreatedAt       time.Time
}

const (
	ConflictPending   = "pending"
	ConflictResolved  = "resolved"
	ConflictDismissed = "dismissed"
)

type Conflict struct {
	ID               string
	ModelLabel       string
	ObjectPK         string
	IncomingChange   map[string]any
	ExistingSnapshot map[string]any
	ChosenSource     string
	Reason           string
	Status           string
	Note             string
	CreatedAt        time.Time
	ResolvedAt       time.Time
}

// Cursor is the replication watermark kept for one peer. Zero times mean
// the corresponding transfer has never succeeded.
type Cursor struct {
	NodeID        string
	LastPulledSeq int64
	LastPushedSeq int64
	LastPulledAt  time.Time
	LastPushedAt  time.Time
	LastMediaAt   time.Time
	LastError     string
	UpdatedAt     time.Time
}

type MediaEntry struct {
	Path           string
	Checksum       string
	Size           int64
	ModifiedAt     time.Time
	Encrypted      bool
	StorageBackend string
	SourceNode     string
	UpdatedAt      time.Time
}
