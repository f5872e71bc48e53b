package engine

import (
	"time"

	"rowsync/internal/handler"
	"rowsync/internal/snapshot"
)

// Request is one combined sync round-trip: a push, a pull, or both. ActorID
// and Partition are set by the front end after authentication; an empty
// partition means "default".
type Request struct {
	ClientID  string       `json:"clientId"`
	ActorID   string       `json:"actorId,omitempty"`
	Partition string       `json:"partition,omitempty"`
	Push      *PushRequest `json:"push,omitempty"`
	Pull      *PullRequest `json:"pull,omitempty"`
}

type Response struct {
	OK   bool          `json:"ok"`
	Push *PushResponse `json:"push,omitempty"`
	Pull *PullResponse `json:"pull,omitempty"`
}

type PushRequest struct {
	ClientCommitID string              `json:"clientCommitId"`
	SchemaVersion  int                 `json:"schemaVersion"`
	Operations     []handler.Operation `json:"operations"`
}

// Overall push statuses.
const (
	PushApplied  = "applied"
	PushCached   = "cached"
	PushRejected = "rejected"
)

// OperationResult is the per-operation outcome, tagged by Status.
type OperationResult struct {
	OpIndex int    `json:"opIndex"`
	Status  string `json:"status"`

	// Conflict fields.
	Message       string         `json:"message,omitempty"`
	ServerVersion *int64         `json:"server_version,omitempty"`
	ServerRow     map[string]any `json:"server_row,omitempty"`

	// Error fields.
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Retriable *bool  `json:"retriable,omitempty"`
}

type PushResponse struct {
	Status    string            `json:"status"`
	CommitSeq *int64            `json:"commitSeq,omitempty"`
	Results   []OperationResult `json:"results"`
}

type PullRequest struct {
	LimitCommits      int                   `json:"limitCommits"`
	LimitSnapshotRows int                   `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int                   `json:"maxSnapshotPages,omitempty"`
	DedupeRows        bool                  `json:"dedupeRows,omitempty"`
	Subscriptions     []SubscriptionRequest `json:"subscriptions"`
}

// SubscriptionRequest is transient: the server keeps no per-subscription
// state across requests, only Cursor and BootstrapState provide continuity.
// Scope values on the wire are a string or an array of strings per variable.
type SubscriptionRequest struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Scopes         map[string]any  `json:"scopes,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
	Cursor         int64           `json:"cursor"`
	BootstrapState *BootstrapState `json:"bootstrapState,omitempty"`
}

// BootstrapState is the resumable paging cursor of an in-progress bootstrap.
// The table list and AsOfCommitSeq are pinned when the bootstrap starts and
// stay fixed until it completes.
type BootstrapState struct {
	AsOfCommitSeq int64    `json:"asOfCommitSeq"`
	Tables        []string `json:"tables"`
	TableIndex    int      `json:"tableIndex"`
	RowCursor     *string  `json:"rowCursor"`
}

// Subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionRevoked = "revoked"
)

type PullResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

type SubscriptionResponse struct {
	ID             string              `json:"id"`
	Status         string              `json:"status"`
	Scopes         map[string][]string `json:"scopes,omitempty"`
	Bootstrap      bool                `json:"bootstrap"`
	BootstrapState *BootstrapState     `json:"bootstrapState"`
	NextCursor     int64               `json:"nextCursor"`
	Commits        []CommitDelivery    `json:"commits"`
	Snapshots      []SnapshotDelivery  `json:"snapshots,omitempty"`
}

type CommitDelivery struct {
	CommitSeq int64            `json:"commitSeq"`
	CreatedAt time.Time        `json:"createdAt"`
	ActorID   string           `json:"actorId"`
	Changes   []ChangeDelivery `json:"changes"`
}

type ChangeDelivery struct {
	Table      string            `json:"table"`
	RowID      string            `json:"row_id"`
	Op         string            `json:"op"`
	RowJSON    map[string]any    `json:"row_json"`
	RowVersion *int64            `json:"row_version"`
	Scopes     map[string]string `json:"scopes,omitempty"`
}

// SnapshotDelivery carries one bootstrap page: inline rows when no chunk
// store is configured, a chunk ref otherwise.
type SnapshotDelivery struct {
	Table       string           `json:"table"`
	Rows        []map[string]any `json:"rows,omitempty"`
	Chunks      []snapshot.Ref   `json:"chunks,omitempty"`
	IsFirstPage bool             `json:"isFirstPage"`
	IsLastPage  bool             `json:"isLastPage"`
}

// ExternalChangeResult reports one out-of-band data-change notification.
type ExternalChangeResult struct {
	CommitSeq     int64    `json:"commitSeq"`
	Tables        []string `json:"tables"`
	DeletedChunks int64    `json:"deletedChunks"`
}
