// Package fake provides in-memory test doubles for the engine's ports.
package fake

import (
	"context"
	"sort"
	"sync"

	"rowsync/internal/handler"
	"rowsync/internal/scope"
)

var _ handler.TableHandler = (*TableHandler)(nil)

// Row is one stored fake row.
type Row struct {
	Payload map[string]any
	Version int64
}

// TableHandler is an in-memory table with versioned rows. Scopes are read
// straight from payload fields named after the pattern variables.
type TableHandler struct {
	// ResolveErr, when set, is consulted on every ResolveScopes call.
	ResolveErr func(actorID string) error
	// Resolved, when set, overrides the resolved subscription scopes. Nil
	// falls back to the wire scopes.
	Resolved scope.Values

	table    string
	patterns []string
	vars     []string

	mu   sync.Mutex
	rows map[string]*Row
}

func NewTableHandler(table string, patterns ...string) *TableHandler {
	var vars []string
	seen := map[string]bool{}
	for _, p := range patterns {
		for _, v := range scope.ExtractVars(p) {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	return &TableHandler{
		table:    table,
		patterns: patterns,
		vars:     vars,
		rows:     map[string]*Row{},
	}
}

// Seed stores a row at version 1 without going through ApplyOperation.
func (h *TableHandler) Seed(rowID string, payload map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[rowID] = &Row{Payload: clonePayload(payload), Version: 1}
}

// Get returns a copy of the stored row.
func (h *TableHandler) Get(rowID string) (Row, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rows[rowID]
	if !ok {
		return Row{}, false
	}
	return Row{Payload: clonePayload(r.Payload), Version: r.Version}, true
}

func (h *TableHandler) RowCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rows)
}

func (h *TableHandler) Table() string { return h.table }

func (h *TableHandler) ScopePatterns() []string { return h.patterns }

func (h *TableHandler) ResolveScopes(ctx context.Context, actorID, partition string, params map[string]any) (scope.Values, error) {
	if h.ResolveErr != nil {
		if err := h.ResolveErr(actorID); err != nil {
			return nil, err
		}
	}
	return h.Resolved, nil
}

func (h *TableHandler) ExtractScopes(row map[string]any) map[string]string {
	scopes := map[string]string{}
	for _, v := range h.vars {
		if s, ok := row[v].(string); ok {
			scopes[v] = s
		}
	}
	return scopes
}

func (h *TableHandler) ApplyOperation(ctx context.Context, ac handler.ApplyContext, op handler.Operation, opIndex int) (handler.ApplyResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, exists := h.rows[op.RowID]

	if op.Op == handler.OpDelete {
		if !exists {
			return handler.ApplyResult{Status: handler.StatusApplied}, nil
		}
		scopes := h.ExtractScopes(current.Payload)
		delete(h.rows, op.RowID)
		return handler.ApplyResult{
			Status: handler.StatusApplied,
			Changes: []handler.EmittedChange{{
				Table:  h.table,
				RowID:  op.RowID,
				Op:     handler.OpDelete,
				Scopes: scopes,
			}},
		}, nil
	}

	if exists && (op.BaseVersion == nil || *op.BaseVersion != current.Version) {
		serverVersion := current.Version
		return handler.ApplyResult{
			Status:        handler.StatusConflict,
			Message:       "row changed on the server",
			ServerVersion: &serverVersion,
			ServerRow:     h.rowJSON(op.RowID, current),
		}, nil
	}

	next := &Row{Payload: clonePayload(op.Payload), Version: 1}
	if exists {
		merged := clonePayload(current.Payload)
		for k, v := range op.Payload {
			merged[k] = v
		}
		next = &Row{Payload: merged, Version: current.Version + 1}
	}
	h.rows[op.RowID] = next

	version := next.Version
	return handler.ApplyResult{
		Status: handler.StatusApplied,
		Changes: []handler.EmittedChange{{
			Table:      h.table,
			RowID:      op.RowID,
			Op:         handler.OpUpsert,
			RowJSON:    h.rowJSON(op.RowID, next),
			RowVersion: &version,
			Scopes:     h.ExtractScopes(next.Payload),
		}},
	}, nil
}

func (h *TableHandler) Snapshot(ctx context.Context, req handler.SnapshotRequest) (handler.SnapshotPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.rows))
	for id, r := range h.rows {
		if req.Cursor != nil && id <= *req.Cursor {
			continue
		}
		if !scope.MatchesAny(h.ExtractScopes(r.Payload), req.ScopeValues) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page := handler.SnapshotPage{}
	for i, id := range ids {
		if req.Limit > 0 && i >= req.Limit {
			cursor := ids[i-1]
			page.NextCursor = &cursor
			break
		}
		page.Rows = append(page.Rows, h.rowJSON(id, h.rows[id]))
	}
	return page, nil
}

func (h *TableHandler) rowJSON(rowID string, r *Row) map[string]any {
	out := clonePayload(r.Payload)
	out["id"] = rowID
	out["version"] = r.Version
	return out
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
