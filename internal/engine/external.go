package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"rowsync/internal/commitlog"
	"rowsync/internal/syncerr"
)

// NotifyExternalDataChange records an out-of-band data change: one synthetic
// zero-change commit under the reserved external client id, plus chunk
// invalidation for the affected tables. Subscriptions on those tables are
// promoted to bootstrap on their next pull.
func (e *Engine) NotifyExternalDataChange(ctx context.Context, partition string, tables []string) (ExternalChangeResult, error) {
	if len(tables) == 0 {
		return ExternalChangeResult{}, syncerr.New(syncerr.CodeInvalidRequest, "external change needs at least one table")
	}
	if partition == "" {
		partition = commitlog.DefaultPartition
	}

	res, err := e.store.AppendExternal(ctx, partition, externalCommitID(), tables)
	if err != nil {
		return ExternalChangeResult{}, err
	}

	var deleted int64
	if e.chunks != nil {
		deleted, err = e.chunks.DeleteForTables(ctx, partition, tables)
		if err != nil {
			return ExternalChangeResult{}, err
		}
	}

	slog.Info("external data change recorded",
		"partition", partition, "commit_seq", res.CommitSeq, "tables", tables, "deleted_chunks", deleted)
	return ExternalChangeResult{CommitSeq: res.CommitSeq, Tables: tables, DeletedChunks: deleted}, nil
}

// externalCommitID produces a unique idempotency key for a synthetic commit;
// external changes are events, not retried client requests.
func externalCommitID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return "ext-" + hex.EncodeToString(b[:])
}
