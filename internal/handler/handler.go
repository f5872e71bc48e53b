// Package handler defines the per-table contract the sync engine dispatches
// to. Handlers own row semantics: how an operation applies, how a scoped
// snapshot pages, and which scopes a row carries. The engine never looks
// inside row payloads beyond what a handler returns.
package handler

import (
	"context"
	"database/sql"

	"rowsync/internal/scope"
)

// Operation kinds, as they appear on the wire.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Operation is one client-staged mutation inside a push.
type Operation struct {
	Table       string         `json:"table"`
	RowID       string         `json:"row_id"`
	Op          string         `json:"op"`
	Payload     map[string]any `json:"payload"`
	BaseVersion *int64         `json:"base_version,omitempty"`
}

// EmittedChange is one row-level effect a handler produced while applying an
// operation. RowJSON and RowVersion are nil for deletes. Scopes are the
// stored single-valued scopes of the affected row.
type EmittedChange struct {
	Table      string
	RowID      string
	Op         string
	RowJSON    map[string]any
	RowVersion *int64
	Scopes     map[string]string
}

// Apply statuses.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// ApplyResult reports the outcome of one operation.
type ApplyResult struct {
	Status string

	// Conflict details, set when Status == StatusConflict.
	Message       string
	ServerVersion *int64
	ServerRow     map[string]any

	// Error details, set when Status == StatusError. A non-retriable error
	// rejects the whole push batch.
	ErrorCode string
	Error     string
	Retriable bool

	// Changes emitted by an applied operation.
	Changes []EmittedChange
}

// ApplyContext carries the open push transaction. Handlers must do all their
// writes through Tx so the batch stays atomic.
type ApplyContext struct {
	Tx        *sql.Tx
	ActorID   string
	Partition string
}

// SnapshotRequest asks for one page of a table's rows as they logically
// existed at AsOfCommitSeq. ScopeValues carries the subscription's resolved
// values, possibly several per variable; handlers filter with membership
// checks. Cursor is the handler's own opaque row cursor, nil for the first
// page.
type SnapshotRequest struct {
	DB            *sql.DB
	Partition     string
	ScopeValues   scope.Values
	AsOfCommitSeq int64
	Cursor        *string
	Limit         int
}

// SnapshotPage is one page of snapshot rows. A nil NextCursor marks the last
// page.
type SnapshotPage struct {
	Rows       []map[string]any
	NextCursor *string
}

// TableHandler is the per-table plug-in contract.
type TableHandler interface {
	// Table is the table name this handler owns.
	Table() string

	// ScopePatterns lists the scope patterns this table emits and accepts,
	// e.g. "user:{user_id}".
	ScopePatterns() []string

	// ResolveScopes produces the effective subscription scope values for an
	// authenticated actor, possibly multi-valued per variable.
	ResolveScopes(ctx context.Context, actorID, partition string, params map[string]any) (scope.Values, error)

	// ExtractScopes returns the stored single-valued scopes of a row.
	ExtractScopes(row map[string]any) map[string]string

	// Snapshot reads one page of rows as of a frozen commit sequence. It must
	// be deterministic with respect to req.AsOfCommitSeq.
	Snapshot(ctx context.Context, req SnapshotRequest) (SnapshotPage, error)

	// ApplyOperation applies one operation inside the push transaction and
	// reports applied/conflict/error plus any emitted changes.
	ApplyOperation(ctx context.Context, ac ApplyContext, op Operation, opIndex int) (ApplyResult, error)
}
