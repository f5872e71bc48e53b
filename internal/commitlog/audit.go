package commitlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rowsync/internal/syncerr"
)

// RequestEvent is one audited sync request (push, pull, or combined).
type RequestEvent struct {
	PartitionID string
	ClientID    string
	ActorID     string
	Kind        string
	Status      string
	Duration    time.Duration
	Payload     []byte
}

// OperationEvent is one audited operation within a push.
type OperationEvent struct {
	OpIndex int
	Table   string
	RowID   string
	Status  string
}

// RecordRequestEvent appends an audit row (and optional payload) and returns
// its event id. Audit writes are best-effort from the engine's point of
// view; failures surface as storage errors the caller may log and drop.
func (s *Store) RecordRequestEvent(ctx context.Context, ev RequestEvent) (int64, error) {
	now := s.d.EncodeTime(time.Now().UTC())

	var id int64
	if s.d.Name == "postgres" {
		err := s.db.QueryRowContext(ctx, s.d.Rebind(
			`INSERT INTO sync_request_events (partition_id, client_id, actor_id, kind, status, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING event_id`),
			ev.PartitionID, ev.ClientID, ev.ActorID, ev.Kind, ev.Status, ev.Duration.Milliseconds(), now,
		).Scan(&id)
		if err != nil {
			return 0, syncerr.Storage(err, "record request event")
		}
	} else {
		res, err := s.db.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_request_events (partition_id, client_id, actor_id, kind, status, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			ev.PartitionID, ev.ClientID, ev.ActorID, ev.Kind, ev.Status, ev.Duration.Milliseconds(), now,
		)
		if err != nil {
			return 0, syncerr.Storage(err, "record request event")
		}
		id, _ = res.LastInsertId()
	}

	if len(ev.Payload) > 0 {
		_, err := s.db.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_request_payloads (event_id, payload, created_at) VALUES (?, ?, ?)`),
			id, string(ev.Payload), now,
		)
		if err != nil {
			return 0, syncerr.Storage(err, "record request payload")
		}
	}
	return id, nil
}

// RecordOperationEvents appends per-operation audit rows for a request.
func (s *Store) RecordOperationEvents(ctx context.Context, requestEventID int64, ops []OperationEvent) error {
	now := s.d.EncodeTime(time.Now().UTC())
	for _, op := range ops {
		_, err := s.db.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_operation_events (request_event_id, op_index, tbl, row_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			requestEventID, op.OpIndex, op.Table, op.RowID, op.Status, now,
		)
		if err != nil {
			return syncerr.Storage(err, "record operation event")
		}
	}
	return nil
}

// PruneAuditEvents bounds the audit tables by age and row count. Returns the
// total rows removed across tables.
func (s *Store) PruneAuditEvents(ctx context.Context, maxAge time.Duration, maxRows int64) (int64, error) {
	cutoff := s.d.EncodeTime(time.Now().UTC().Add(-maxAge))

	var removed int64
	for _, table := range []string{"sync_request_events", "sync_operation_events"} {
		res, err := s.db.ExecContext(ctx, s.d.Rebind(
			`DELETE FROM `+table+` WHERE created_at < ?`), cutoff)
		if err != nil {
			return removed, syncerr.Storage(err, "prune %s by age", table)
		}
		n, _ := res.RowsAffected()
		removed += n

		if maxRows > 0 {
			n, err = s.pruneAuditOverflow(ctx, table, maxRows)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}

	// Orphaned payloads follow their request events.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_request_payloads WHERE event_id NOT IN (SELECT event_id FROM sync_request_events)`)
	if err != nil {
		return removed, syncerr.Storage(err, "prune orphaned request payloads")
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

func (s *Store) pruneAuditOverflow(ctx context.Context, table string, maxRows int64) (int64, error) {
	var floor sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT event_id FROM `+table+` ORDER BY event_id DESC LIMIT 1 OFFSET ?`),
		maxRows-1,
	).Scan(&floor)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !floor.Valid) {
		// Fewer than maxRows rows present.
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.Storage(err, "read %s overflow floor", table)
	}
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM `+table+` WHERE event_id < ?`), floor.Int64)
	if err != nil {
		return 0, syncerr.Storage(err, "prune %s overflow", table)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
