// Package engine is the server-side sync core: the push pipeline appending
// client commits to the log, the pull pipeline delivering scoped changes and
// bootstrap snapshots, and the external-data hook that forces re-bootstrap.
package engine

import (
	"context"
	"log/slog"
	"time"

	"rowsync/internal/check"
	"rowsync/internal/commitlog"
	"rowsync/internal/handler"
	"rowsync/internal/notify"
	"rowsync/internal/snapshot"
	"rowsync/internal/syncerr"
	"rowsync/internal/telemetry"
)

const (
	defaultLimitSnapshotRows = 500
	defaultMaxSnapshotPages  = 5

	// Chunks outlive the pull that produced them so paging clients can
	// re-fetch; GC reclaims them afterwards.
	defaultSnapshotTTL = 15 * time.Minute

	maxLimitCommits = 1000
)

// MaintenanceKicker lets the pull path nudge background loops without
// blocking on them.
type MaintenanceKicker interface {
	KickAll()
}

// Engine wires the commit log, handler registry, snapshot chunk store, and
// realtime notifier into the push/pull pipelines. The database pool is owned
// by the caller via the commit log store.
type Engine struct {
	store    *commitlog.Store
	registry *handler.Registry
	chunks   *snapshot.Store
	notifier *notify.Notifier
	kicker   MaintenanceKicker

	minSchemaVersion int
	maxSchemaVersion int
	snapshotTTL      time.Duration
	auditEnabled     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunkStore offloads bootstrap pages into content-addressed chunks
// instead of returning inline rows.
func WithChunkStore(chunks *snapshot.Store) Option {
	return func(e *Engine) { e.chunks = chunks }
}

func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMaintenanceKicker(k MaintenanceKicker) Option {
	return func(e *Engine) { e.kicker = k }
}

// WithSchemaVersions sets the inclusive accepted range for push schema
// versions.
func WithSchemaVersions(min, max int) Option {
	return func(e *Engine) {
		e.minSchemaVersion = min
		e.maxSchemaVersion = max
	}
}

func WithSnapshotTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.snapshotTTL = ttl }
}

// WithAudit records request and operation events for every sync call.
func WithAudit(enabled bool) Option {
	return func(e *Engine) { e.auditEnabled = enabled }
}

func New(store *commitlog.Store, registry *handler.Registry, opts ...Option) *Engine {
	check.Assert(store != nil, "engine.New: store must not be nil")
	check.Assert(registry != nil, "engine.New: registry must not be nil")

	e := &Engine{
		store:            store,
		registry:         registry,
		minSchemaVersion: 1,
		maxSchemaVersion: 1,
		snapshotTTL:      defaultSnapshotTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync executes a combined request: push first, then pull, so a client sees
// its own commit reflected in the same round-trip.
func (e *Engine) Sync(ctx context.Context, req Request) (Response, error) {
	if req.ClientID == "" {
		return Response{}, syncerr.New(syncerr.CodeInvalidRequest, "clientId is required")
	}
	if req.ClientID == commitlog.ExternalClientID {
		return Response{}, syncerr.New(syncerr.CodeInvalidRequest, "clientId %q is reserved", commitlog.ExternalClientID)
	}
	partition := req.Partition
	if partition == "" {
		partition = commitlog.DefaultPartition
	}

	started := time.Now()
	kind := requestKind(req)
	resp := Response{OK: true}

	spanCtx, span := telemetry.StartSpan(ctx, "sync."+kind)
	telemetry.Counter("sync.requests", 1, map[string]any{"kind": kind})
	ctx = spanCtx

	if req.Push != nil {
		pushResp, err := e.Push(ctx, partition, req.ActorID, req.ClientID, *req.Push)
		if err != nil {
			e.recordRequest(ctx, partition, req, kind, "error", started, nil)
			span.End(err)
			return Response{}, err
		}
		resp.Push = &pushResp
	}
	if req.Pull != nil {
		pullResp, err := e.Pull(ctx, partition, req.ActorID, req.ClientID, *req.Pull)
		if err != nil {
			e.recordRequest(ctx, partition, req, kind, "error", started, nil)
			span.End(err)
			return Response{}, err
		}
		resp.Pull = &pullResp
	}

	e.recordRequest(ctx, partition, req, kind, "ok", started, resp.Push)
	telemetry.Distribution("sync.duration_ms", float64(time.Since(started).Milliseconds()), map[string]any{"kind": kind})
	span.End(nil)
	return resp, nil
}

func requestKind(req Request) string {
	switch {
	case req.Push != nil && req.Pull != nil:
		return "combined"
	case req.Push != nil:
		return "push"
	default:
		return "pull"
	}
}

// recordRequest appends audit rows. Audit failures never fail the request.
func (e *Engine) recordRequest(ctx context.Context, partition string, req Request, kind, status string, started time.Time, push *PushResponse) {
	if !e.auditEnabled {
		return
	}
	eventID, err := e.store.RecordRequestEvent(ctx, commitlog.RequestEvent{
		PartitionID: partition,
		ClientID:    req.ClientID,
		ActorID:     req.ActorID,
		Kind:        kind,
		Status:      status,
		Duration:    time.Since(started),
	})
	if err != nil {
		slog.Warn("audit request event failed", "client_id", req.ClientID, "error", err)
		return
	}

	if push == nil || req.Push == nil {
		return
	}
	ops := make([]commitlog.OperationEvent, 0, len(push.Results))
	for _, r := range push.Results {
		ev := commitlog.OperationEvent{OpIndex: r.OpIndex, Status: r.Status}
		if r.OpIndex >= 0 && r.OpIndex < len(req.Push.Operations) {
			op := req.Push.Operations[r.OpIndex]
			ev.Table = op.Table
			ev.RowID = op.RowID
		}
		ops = append(ops, ev)
	}
	if err := e.store.RecordOperationEvents(ctx, eventID, ops); err != nil {
		slog.Warn("audit operation events failed", "client_id", req.ClientID, "error", err)
	}
}
