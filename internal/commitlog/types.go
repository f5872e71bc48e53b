package commitlog

import (
	"encoding/json"
	"time"
)

const (
	// ExternalClientID marks synthetic commits produced by out-of-band data
	// changes. Reserved: real clients may not use it.
	ExternalClientID = "__external__"

	// DefaultPartition is used when the front end supplies no partition.
	DefaultPartition = "default"
)

// Commit is one atomic durable append to a partition's ordered log.
type Commit struct {
	CommitSeq      int64
	PartitionID    string
	ActorID        string
	ClientID       string
	ClientCommitID string
	CreatedAt      time.Time
	Meta           map[string]any
	ResultJSON     json.RawMessage
	ChangeCount    int
	AffectedTables []string
	Changes        []Change
}

// Change is one row-level effect inside a commit. RowJSON and RowVersion are
// nil for deletes. Scopes are always single-valued on a stored change.
type Change struct {
	ChangeID    int64
	CommitSeq   int64
	PartitionID string
	Table       string
	RowID       string
	Op          string
	RowJSON     map[string]any
	RowVersion  *int64
	Scopes      map[string]string
}

// AppendRequest describes one commit to append. Changes carry no CommitSeq;
// the store assigns it.
type AppendRequest struct {
	Partition      string
	ActorID        string
	ClientID       string
	ClientCommitID string
	Meta           map[string]any
	ResultJSON     json.RawMessage
	Changes        []Change
}

// AppendResult reports the assigned sequence, or the existing one when the
// idempotency key matched a prior commit.
type AppendResult struct {
	CommitSeq int64
	Deduped   bool
}

// Cursor records how far a client has caught up within a partition.
type Cursor struct {
	PartitionID     string
	ClientID        string
	ActorID         string
	Cursor          int64
	EffectiveScopes map[string][]string
	UpdatedAt       time.Time
}
