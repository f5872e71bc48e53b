package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rowsync/internal/merge"
	"rowsync/internal/scope"
	"rowsync/internal/syncdb"
	"rowsync/internal/syncerr"
)

// DocumentTable is a generic JSON-document handler backed by the shared
// sync_documents table. Rows are free-form JSON payloads with a server-side
// version counter; stale writes go through the three-way field-level merge,
// using the commit log as the source of the base row.
//
// The default scope resolver grants an actor their own id for every pattern
// variable, which fits "user:{user_id}"-style ownership scoping. Multi-tenant
// resolvers plug in through WithScopeResolver.
type DocumentTable struct {
	table    string
	patterns []string
	vars     []string
	d        *syncdb.Dialect
	resolve  func(ctx context.Context, actorID, partition string, params map[string]any) (scope.Values, error)
}

// DocumentOption configures a DocumentTable.
type DocumentOption func(*DocumentTable)

// WithScopeResolver replaces the default actor-owns-their-scope resolver.
func WithScopeResolver(fn func(ctx context.Context, actorID, partition string, params map[string]any) (scope.Values, error)) DocumentOption {
	return func(t *DocumentTable) { t.resolve = fn }
}

// NewDocumentTable creates a handler for one logical table. Patterns must
// contain at least one scope pattern; their variables name the payload fields
// that carry the row's scopes.
func NewDocumentTable(table string, d *syncdb.Dialect, patterns []string, opts ...DocumentOption) (*DocumentTable, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("document table: empty table name")
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("document table %q: at least one scope pattern required", table)
	}
	seen := make(map[string]struct{})
	var vars []string
	for _, p := range patterns {
		pv := scope.ExtractVars(p)
		if len(pv) == 0 {
			return nil, fmt.Errorf("document table %q: pattern %q has no variables", table, p)
		}
		for _, v := range pv {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			vars = append(vars, v)
		}
	}

	t := &DocumentTable{table: table, patterns: patterns, vars: vars, d: d}
	for _, opt := range opts {
		opt(t)
	}
	if t.resolve == nil {
		t.resolve = t.actorScopes
	}
	return t, nil
}

func (t *DocumentTable) Table() string           { return t.table }
func (t *DocumentTable) ScopePatterns() []string { return t.patterns }

func (t *DocumentTable) ResolveScopes(ctx context.Context, actorID, partition string, params map[string]any) (scope.Values, error) {
	return t.resolve(ctx, actorID, partition, params)
}

func (t *DocumentTable) actorScopes(_ context.Context, actorID, _ string, _ map[string]any) (scope.Values, error) {
	if actorID == "" {
		return nil, syncerr.New(syncerr.CodeUnauthenticated, "actor id is required for table %q", t.table)
	}
	values := make(scope.Values, len(t.vars))
	for _, v := range t.vars {
		values[v] = []string{actorID}
	}
	return values, nil
}

// ExtractScopes reads the pattern variables out of the payload. Missing or
// non-string fields are omitted; KeysForStored skips incomplete patterns.
func (t *DocumentTable) ExtractScopes(row map[string]any) map[string]string {
	out := make(map[string]string, len(t.vars))
	for _, v := range t.vars {
		if s, ok := row[v].(string); ok && s != "" {
			out[v] = s
		}
	}
	return out
}

// Snapshot pages rows in row_id order, filtering by scope membership after
// the read. The cursor is the last row_id of the previous page. Rows touched
// after req.AsOfCommitSeq are rewound to their state at that sequence from
// the change history, so every page of a bootstrap observes the same frozen
// point.
func (t *DocumentTable) Snapshot(ctx context.Context, req SnapshotRequest) (SnapshotPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	after := ""
	if req.Cursor != nil {
		after = *req.Cursor
	}

	// Over-read so scope filtering does not starve a page, but keep the scan
	// bounded.
	rows, err := req.DB.QueryContext(ctx, t.d.Rebind(
		`SELECT row_id, payload, version, scopes FROM sync_documents
		 WHERE partition_id = ? AND tbl = ? AND row_id > ?
		 ORDER BY row_id ASC LIMIT ?`),
		req.Partition, t.table, after, limit*4+1,
	)
	if err != nil {
		return SnapshotPage{}, syncerr.Storage(err, "snapshot %s", t.table)
	}
	defer rows.Close()

	var (
		candidates []docRow
		lastID     string
		scanned    int
	)
	for rows.Next() {
		var (
			rowID       string
			payloadJSON []byte
			version     int64
			scopesJSON  []byte
		)
		if err := rows.Scan(&rowID, &payloadJSON, &version, &scopesJSON); err != nil {
			return SnapshotPage{}, syncerr.Storage(err, "scan %s snapshot row", t.table)
		}
		scanned++
		lastID = rowID

		var stored map[string]string
		if len(scopesJSON) > 0 {
			if err := json.Unmarshal(scopesJSON, &stored); err != nil {
				return SnapshotPage{}, fmt.Errorf("unmarshal scopes for %s/%s: %w", t.table, rowID, err)
			}
		}
		if !scope.MatchesAny(stored, req.ScopeValues) {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return SnapshotPage{}, fmt.Errorf("unmarshal payload for %s/%s: %w", t.table, rowID, err)
		}
		candidates = append(candidates, docRow{id: rowID, payload: payload, version: version})

		if len(candidates) >= limit {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SnapshotPage{}, syncerr.Storage(err, "iterate %s snapshot rows", t.table)
	}

	var page SnapshotPage
	if page.Rows, err = t.rowsAsOf(ctx, req.DB, req.Partition, req.AsOfCommitSeq, candidates); err != nil {
		return SnapshotPage{}, err
	}

	if more, err := t.hasRowsAfter(ctx, req.DB, req.Partition, lastID); err != nil {
		return SnapshotPage{}, err
	} else if more && scanned > 0 {
		cursor := lastID
		page.NextCursor = &cursor
	}
	return page, nil
}

type docRow struct {
	id      string
	payload map[string]any
	version int64
}

func (r docRow) delivery() map[string]any {
	r.payload["id"] = r.id
	r.payload["version"] = r.version
	return r.payload
}

// rowsAsOf rewinds rows touched after the pinned commit back to the state
// the change history records at that commit. A row with no retained history
// at or below the pin did not exist there and is dropped; the incremental
// stream after bootstrap delivers it. A zero pin serves live rows.
func (t *DocumentTable) rowsAsOf(ctx context.Context, db *sql.DB, partition string, asOf int64, rows []docRow) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rows))
	if asOf <= 0 {
		for _, r := range rows {
			out = append(out, r.delivery())
		}
		return out, nil
	}

	changed, err := t.changedAfter(ctx, db, partition, asOf, rows)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !changed[r.id] {
			out = append(out, r.delivery())
			continue
		}
		historical, err := t.rowAt(ctx, db, partition, r.id, asOf)
		if err != nil {
			return nil, err
		}
		if historical == nil {
			continue
		}
		out = append(out, historical)
	}
	return out, nil
}

// changedAfter reports which of the given rows have a logged change above the
// pinned commit sequence.
func (t *DocumentTable) changedAfter(ctx context.Context, db *sql.DB, partition string, asOf int64, rows []docRow) (map[string]bool, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	args := []any{partition, t.table, asOf}
	placeholders := make([]string, len(rows))
	for i, r := range rows {
		placeholders[i] = "?"
		args = append(args, r.id)
	}
	rs, err := db.QueryContext(ctx, t.d.Rebind(
		`SELECT DISTINCT row_id FROM sync_changes
		 WHERE partition_id = ? AND tbl = ? AND commit_seq > ?
		 AND row_id IN (`+strings.Join(placeholders, ", ")+`)`),
		args...,
	)
	if err != nil {
		return nil, syncerr.Storage(err, "probe %s changes above pin", t.table)
	}
	defer rs.Close()

	changed := make(map[string]bool)
	for rs.Next() {
		var id string
		if err := rs.Scan(&id); err != nil {
			return nil, syncerr.Storage(err, "scan changed %s row id", t.table)
		}
		changed[id] = true
	}
	return changed, rs.Err()
}

// rowAt returns the row as the newest logged change at or below the pinned
// sequence records it. nil when the row did not exist there, was deleted, or
// its history was pruned or compacted away.
func (t *DocumentTable) rowAt(ctx context.Context, db *sql.DB, partition, rowID string, asOf int64) (map[string]any, error) {
	var (
		op      string
		rowJSON []byte
		version sql.NullInt64
	)
	err := db.QueryRowContext(ctx, t.d.Rebind(
		`SELECT op, row_json, row_version FROM sync_changes
		 WHERE partition_id = ? AND tbl = ? AND row_id = ? AND commit_seq <= ?
		 ORDER BY commit_seq DESC, change_id DESC LIMIT 1`),
		partition, t.table, rowID, asOf,
	).Scan(&op, &rowJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage(err, "read %s/%s at seq %d", t.table, rowID, asOf)
	}
	if op == OpDelete || len(rowJSON) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(rowJSON, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s at seq %d: %w", t.table, rowID, asOf, err)
	}
	payload["id"] = rowID
	if version.Valid {
		payload["version"] = version.Int64
	}
	return payload, nil
}

func (t *DocumentTable) hasRowsAfter(ctx context.Context, db *sql.DB, partition, after string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, t.d.Rebind(
		`SELECT 1 FROM sync_documents WHERE partition_id = ? AND tbl = ? AND row_id > ? LIMIT 1`),
		partition, t.table, after,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, syncerr.Storage(err, "probe %s snapshot paging", t.table)
	}
	return true, nil
}

// ApplyOperation applies one upsert or delete inside the push transaction.
// Version matches apply directly; stale upserts merge field-by-field against
// the base row recovered from the commit log, and only genuinely competing
// field edits surface as conflicts.
func (t *DocumentTable) ApplyOperation(ctx context.Context, ac ApplyContext, op Operation, _ int) (ApplyResult, error) {
	var (
		currentJSON []byte
		version     int64
	)
	err := ac.Tx.QueryRowContext(ctx, t.d.Rebind(
		`SELECT payload, version FROM sync_documents WHERE partition_id = ? AND tbl = ? AND row_id = ?`),
		ac.Partition, t.table, op.RowID,
	).Scan(&currentJSON, &version)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return ApplyResult{}, syncerr.Storage(err, "read %s/%s", t.table, op.RowID)
	}

	if op.Op == OpDelete {
		return t.applyDelete(ctx, ac, op, exists, currentJSON)
	}
	if !exists {
		return t.insertRow(ctx, ac, op)
	}

	var current map[string]any
	if err := json.Unmarshal(currentJSON, &current); err != nil {
		return ApplyResult{}, fmt.Errorf("unmarshal current %s/%s: %w", t.table, op.RowID, err)
	}

	if op.BaseVersion != nil && *op.BaseVersion == version {
		merged := overlay(current, op.Payload)
		return t.updateRow(ctx, ac, op.RowID, merged, version+1)
	}

	// Stale write: recover the base row the client last saw and merge.
	base, err := t.baseRow(ctx, ac, op)
	if err != nil {
		return ApplyResult{}, err
	}
	if base == nil {
		return conflictResult("base version not available for merge", version, current), nil
	}
	res := merge.FieldLevelMerge(base, current, op.Payload)
	if !res.CanMerge {
		msg := "conflicting fields: " + strings.Join(res.ConflictingFields, ", ")
		return conflictResult(msg, version, current), nil
	}
	return t.updateRow(ctx, ac, op.RowID, res.MergedPayload, version+1)
}

func (t *DocumentTable) applyDelete(ctx context.Context, ac ApplyContext, op Operation, exists bool, currentJSON []byte) (ApplyResult, error) {
	if !exists {
		// Deleting an absent row is a no-op, not an error.
		return ApplyResult{Status: StatusApplied}, nil
	}
	var current map[string]any
	if err := json.Unmarshal(currentJSON, &current); err != nil {
		return ApplyResult{}, fmt.Errorf("unmarshal current %s/%s: %w", t.table, op.RowID, err)
	}
	_, err := ac.Tx.ExecContext(ctx, t.d.Rebind(
		`DELETE FROM sync_documents WHERE partition_id = ? AND tbl = ? AND row_id = ?`),
		ac.Partition, t.table, op.RowID,
	)
	if err != nil {
		return ApplyResult{}, syncerr.Storage(err, "delete %s/%s", t.table, op.RowID)
	}
	return ApplyResult{
		Status: StatusApplied,
		Changes: []EmittedChange{{
			Table:  t.table,
			RowID:  op.RowID,
			Op:     OpDelete,
			Scopes: t.ExtractScopes(current),
		}},
	}, nil
}

func (t *DocumentTable) insertRow(ctx context.Context, ac ApplyContext, op Operation) (ApplyResult, error) {
	payload := clonePayload(op.Payload)
	stored := t.ExtractScopes(payload)
	payloadJSON, scopesJSON, err := encodeRow(payload, stored)
	if err != nil {
		return ApplyResult{}, err
	}
	_, err = ac.Tx.ExecContext(ctx, t.d.Rebind(
		`INSERT INTO sync_documents (partition_id, tbl, row_id, payload, version, scopes, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`),
		ac.Partition, t.table, op.RowID, payloadJSON, scopesJSON, t.d.EncodeTime(time.Now().UTC()),
	)
	if err != nil {
		return ApplyResult{}, syncerr.Storage(err, "insert %s/%s", t.table, op.RowID)
	}
	v := int64(1)
	return appliedResult(t.table, op.RowID, payload, v, stored), nil
}

func (t *DocumentTable) updateRow(ctx context.Context, ac ApplyContext, rowID string, payload map[string]any, version int64) (ApplyResult, error) {
	payload = clonePayload(payload)
	stored := t.ExtractScopes(payload)
	payloadJSON, scopesJSON, err := encodeRow(payload, stored)
	if err != nil {
		return ApplyResult{}, err
	}
	_, err = ac.Tx.ExecContext(ctx, t.d.Rebind(
		`UPDATE sync_documents SET payload = ?, version = ?, scopes = ?, updated_at = ?
		 WHERE partition_id = ? AND tbl = ? AND row_id = ?`),
		payloadJSON, version, scopesJSON, t.d.EncodeTime(time.Now().UTC()),
		ac.Partition, t.table, rowID,
	)
	if err != nil {
		return ApplyResult{}, syncerr.Storage(err, "update %s/%s", t.table, rowID)
	}
	return appliedResult(t.table, rowID, payload, version, stored), nil
}

// baseRow recovers the row as it looked at the client's base version from the
// commit log. nil when that history has been pruned or compacted away.
func (t *DocumentTable) baseRow(ctx context.Context, ac ApplyContext, op Operation) (map[string]any, error) {
	if op.BaseVersion == nil {
		return nil, nil
	}
	var rowJSON []byte
	err := ac.Tx.QueryRowContext(ctx, t.d.Rebind(
		`SELECT row_json FROM sync_changes
		 WHERE partition_id = ? AND tbl = ? AND row_id = ? AND row_version = ?
		 ORDER BY change_id DESC LIMIT 1`),
		ac.Partition, t.table, op.RowID, *op.BaseVersion,
	).Scan(&rowJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage(err, "read base row %s/%s@%d", t.table, op.RowID, *op.BaseVersion)
	}
	if len(rowJSON) == 0 {
		return nil, nil
	}
	var base map[string]any
	if err := json.Unmarshal(rowJSON, &base); err != nil {
		return nil, fmt.Errorf("unmarshal base row %s/%s: %w", t.table, op.RowID, err)
	}
	// The logged row carries the synthetic id/version keys; they are not part
	// of the document fields.
	delete(base, "id")
	delete(base, "version")
	return base, nil
}

func appliedResult(table, rowID string, payload map[string]any, version int64, stored map[string]string) ApplyResult {
	rowJSON := clonePayload(payload)
	rowJSON["id"] = rowID
	rowJSON["version"] = version
	return ApplyResult{
		Status: StatusApplied,
		Changes: []EmittedChange{{
			Table:      table,
			RowID:      rowID,
			Op:         OpUpsert,
			RowJSON:    rowJSON,
			RowVersion: &version,
			Scopes:     stored,
		}},
	}
}

func conflictResult(msg string, version int64, current map[string]any) ApplyResult {
	v := version
	return ApplyResult{
		Status:        StatusConflict,
		Message:       msg,
		ServerVersion: &v,
		ServerRow:     current,
	}
}

// overlay writes client fields over the server row without consulting a base;
// used on the fast path where the client saw the current version.
func overlay(server, client map[string]any) map[string]any {
	out := make(map[string]any, len(server)+len(client))
	for k, v := range server {
		out[k] = v
	}
	for k, v := range client {
		out[k] = v
	}
	return out
}

func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	delete(out, "id")
	delete(out, "version")
	return out
}

func encodeRow(payload map[string]any, stored map[string]string) (string, string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	scopesJSON, err := json.Marshal(stored)
	if err != nil {
		return "", "", fmt.Errorf("marshal scopes: %w", err)
	}
	return string(payloadJSON), string(scopesJSON), nil
}
