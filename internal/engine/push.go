package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rowsync/internal/commitlog"
	"rowsync/internal/handler"
	"rowsync/internal/notify"
	"rowsync/internal/scope"
	"rowsync/internal/syncdb"
	"rowsync/internal/syncerr"
)

// Push validates and applies one client commit. Operations run in order
// inside a single serializable transaction together with the log append; a
// replayed (partition, clientId, clientCommitId) returns the original result
// without writing.
func (e *Engine) Push(ctx context.Context, partition, actorID, clientID string, req PushRequest) (PushResponse, error) {
	if err := validatePush(clientID, req); err != nil {
		return PushResponse{}, err
	}
	if req.SchemaVersion < e.minSchemaVersion || req.SchemaVersion > e.maxSchemaVersion {
		return PushResponse{}, syncerr.New(syncerr.CodeSchemaVersionUnsupported,
			"schema version %d outside accepted range [%d, %d]",
			req.SchemaVersion, e.minSchemaVersion, e.maxSchemaVersion)
	}

	if resp, ok, err := e.replayPush(ctx, partition, clientID, req); err != nil {
		return PushResponse{}, err
	} else if ok {
		return resp, nil
	}

	var (
		resp    PushResponse
		notice  notify.CommitNotice
		deduped bool
	)
	err := syncdb.WithRetry(ctx, e.store.Dialect(), "engine.push", func() error {
		r, n, d, err := e.pushOnce(ctx, partition, actorID, clientID, req)
		if err != nil {
			return err
		}
		resp, notice, deduped = r, n, d
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return PushResponse{}, ctx.Err()
		}
		if syncerr.CodeOf(err) != "" {
			return PushResponse{}, err
		}
		return PushResponse{}, syncerr.Storage(err, "push commit for client %q", clientID)
	}

	// Lost a race against an identical concurrent push: serve its result.
	if deduped {
		if resp, ok, err := e.replayPush(ctx, partition, clientID, req); err == nil && ok {
			return resp, nil
		} else if err != nil {
			return PushResponse{}, err
		}
		return PushResponse{}, syncerr.New(syncerr.CodeStorageError, "deduped push has no persisted commit")
	}

	if e.notifier != nil && resp.Status == PushApplied && len(notice.ScopeKeys) > 0 {
		e.notifier.NotifyCommit(ctx, notice)
	}
	return resp, nil
}

func validatePush(clientID string, req PushRequest) error {
	if req.ClientCommitID == "" {
		return syncerr.New(syncerr.CodeInvalidRequest, "clientCommitId is required")
	}
	if len(req.Operations) == 0 {
		return syncerr.New(syncerr.CodeInvalidRequest, "push needs at least one operation")
	}
	for i, op := range req.Operations {
		if op.Table == "" || op.RowID == "" {
			return syncerr.New(syncerr.CodeInvalidRequest, "operation %d: table and row_id are required", i)
		}
		if op.Op != handler.OpUpsert && op.Op != handler.OpDelete {
			return syncerr.New(syncerr.CodeInvalidRequest, "operation %d: unknown op %q", i, op.Op)
		}
	}
	return nil
}

// replayPush serves an idempotent repeat from the persisted result vector.
func (e *Engine) replayPush(ctx context.Context, partition, clientID string, req PushRequest) (PushResponse, bool, error) {
	commit, found, err := e.store.FindByIdempotencyKey(ctx, partition, clientID, req.ClientCommitID)
	if err != nil {
		return PushResponse{}, false, err
	}
	if !found {
		return PushResponse{}, false, nil
	}

	var results []OperationResult
	if len(commit.ResultJSON) > 0 {
		if err := json.Unmarshal(commit.ResultJSON, &results); err != nil {
			return PushResponse{}, false, fmt.Errorf("unmarshal persisted push results: %w", err)
		}
	}
	if len(results) == 0 {
		// Older commits without a result vector replay as all-applied.
		results = make([]OperationResult, len(req.Operations))
		for i := range results {
			results[i] = OperationResult{OpIndex: i, Status: handler.StatusApplied}
		}
	}
	seq := commit.CommitSeq
	return PushResponse{Status: PushCached, CommitSeq: &seq, Results: results}, true, nil
}

func (e *Engine) pushOnce(ctx context.Context, partition, actorID, clientID string, req PushRequest) (PushResponse, notify.CommitNotice, bool, error) {
	tx, err := e.store.DB().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return PushResponse{}, notify.CommitNotice{}, false, fmt.Errorf("begin push tx: %w", err)
	}
	defer tx.Rollback()

	ac := handler.ApplyContext{Tx: tx, ActorID: actorID, Partition: partition}
	results := make([]OperationResult, 0, len(req.Operations))
	var (
		changes   []commitlog.Change
		scopeKeys []string
	)

	for i, op := range req.Operations {
		h, err := e.registry.Lookup(op.Table)
		if err != nil {
			retriable := false
			results = append(results, OperationResult{
				OpIndex:   i,
				Status:    handler.StatusError,
				Error:     err.Error(),
				Code:      string(syncerr.CodeUnknownTable),
				Retriable: &retriable,
			})
			return PushResponse{Status: PushRejected, Results: results}, notify.CommitNotice{}, false, nil
		}

		res, err := h.ApplyOperation(ctx, ac, op, i)
		if err != nil {
			return PushResponse{}, notify.CommitNotice{}, false, fmt.Errorf("apply operation %d on %s: %w", i, op.Table, err)
		}

		switch res.Status {
		case handler.StatusApplied:
			results = append(results, OperationResult{OpIndex: i, Status: handler.StatusApplied})
			for _, ec := range res.Changes {
				changes = append(changes, commitlog.Change{
					Table:      ec.Table,
					RowID:      ec.RowID,
					Op:         ec.Op,
					RowJSON:    ec.RowJSON,
					RowVersion: ec.RowVersion,
					Scopes:     ec.Scopes,
				})
				scopeKeys = append(scopeKeys, scope.KeysForStored(partition, h.ScopePatterns(), ec.Scopes)...)
			}

		case handler.StatusConflict:
			// Conflicts are data, not failures: the batch still commits.
			results = append(results, OperationResult{
				OpIndex:       i,
				Status:        handler.StatusConflict,
				Message:       res.Message,
				ServerVersion: res.ServerVersion,
				ServerRow:     res.ServerRow,
			})

		case handler.StatusError:
			retriable := res.Retriable
			results = append(results, OperationResult{
				OpIndex:   i,
				Status:    handler.StatusError,
				Error:     res.Error,
				Code:      res.ErrorCode,
				Retriable: &retriable,
			})
			return PushResponse{Status: PushRejected, Results: results}, notify.CommitNotice{}, false, nil

		default:
			return PushResponse{}, notify.CommitNotice{}, false,
				fmt.Errorf("handler for %s returned unknown status %q", op.Table, res.Status)
		}
	}

	resultJSON, err := json.Marshal(results)
	if err != nil {
		return PushResponse{}, notify.CommitNotice{}, false, fmt.Errorf("marshal push results: %w", err)
	}

	appendRes, err := e.store.AppendInTx(ctx, tx, commitlog.AppendRequest{
		Partition:      partition,
		ActorID:        actorID,
		ClientID:       clientID,
		ClientCommitID: req.ClientCommitID,
		ResultJSON:     resultJSON,
		Changes:        changes,
	})
	if err != nil {
		return PushResponse{}, notify.CommitNotice{}, false, err
	}
	if appendRes.Deduped {
		return PushResponse{}, notify.CommitNotice{}, true, nil
	}

	if err := tx.Commit(); err != nil {
		return PushResponse{}, notify.CommitNotice{}, false, fmt.Errorf("commit push tx: %w", err)
	}

	seq := appendRes.CommitSeq
	notice := notify.CommitNotice{
		CommitSeq:      seq,
		Partition:      partition,
		ActorID:        actorID,
		ClientID:       clientID,
		ScopeKeys:      dedupeStrings(scopeKeys),
		AffectedTables: distinctChangeTables(changes),
	}
	return PushResponse{Status: PushApplied, CommitSeq: &seq, Results: results}, notice, false, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func distinctChangeTables(changes []commitlog.Change) []string {
	seen := make(map[string]struct{}, len(changes))
	var tables []string
	for _, ch := range changes {
		if _, dup := seen[ch.Table]; dup {
			continue
		}
		seen[ch.Table] = struct{}{}
		tables = append(tables, ch.Table)
	}
	return tables
}
