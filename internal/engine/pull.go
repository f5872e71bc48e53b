package engine

import (
	"context"
	"fmt"
	"time"

	"rowsync/internal/commitlog"
	"rowsync/internal/handler"
	"rowsync/internal/scope"
	"rowsync/internal/snapshot"
	"rowsync/internal/syncerr"
)

// rowKey identifies a row across subscriptions for dedupe.
type rowKey struct {
	table string
	rowID string
}

// pullState carries per-pull context shared across subscriptions.
type pullState struct {
	partition string
	actorID   string
	clientID  string

	limitCommits int
	limitRows    int
	maxPages     int
	dedupe       bool

	latest int64
	oldest int64

	seenRows     map[rowKey]struct{}
	allScopeKeys []string
	mergedScopes map[string][]string
}

// Pull answers one pull request: per subscription, either incremental commits
// above the cursor or bootstrap snapshot pages, with forced re-bootstrap when
// an external change or pruning invalidated the cursor.
func (e *Engine) Pull(ctx context.Context, partition, actorID, clientID string, req PullRequest) (PullResponse, error) {
	if req.LimitCommits < 1 {
		return PullResponse{}, syncerr.New(syncerr.CodeInvalidRequest, "limitCommits must be at least 1")
	}
	if len(req.Subscriptions) == 0 {
		return PullResponse{}, syncerr.New(syncerr.CodeInvalidRequest, "pull needs at least one subscription")
	}

	st := &pullState{
		partition:    partition,
		actorID:      actorID,
		clientID:     clientID,
		limitCommits: min(req.LimitCommits, maxLimitCommits),
		limitRows:    req.LimitSnapshotRows,
		maxPages:     req.MaxSnapshotPages,
		dedupe:       req.DedupeRows,
		seenRows:     make(map[rowKey]struct{}),
		mergedScopes: make(map[string][]string),
	}
	if st.limitRows <= 0 {
		st.limitRows = defaultLimitSnapshotRows
	}
	if st.maxPages <= 0 {
		st.maxPages = defaultMaxSnapshotPages
	}

	var err error
	if st.latest, err = e.store.LatestCommitSeq(ctx, partition); err != nil {
		return PullResponse{}, err
	}
	if st.oldest, err = e.store.OldestRetainedCommitSeq(ctx, partition); err != nil {
		return PullResponse{}, err
	}

	resp := PullResponse{Subscriptions: make([]SubscriptionResponse, 0, len(req.Subscriptions))}
	maxCursor := int64(-1)
	for _, sub := range req.Subscriptions {
		subResp, err := e.pullSubscription(ctx, st, sub)
		if err != nil {
			return PullResponse{}, err
		}
		resp.Subscriptions = append(resp.Subscriptions, subResp)
		if subResp.Status == SubscriptionActive && subResp.BootstrapState == nil && subResp.NextCursor > maxCursor {
			maxCursor = subResp.NextCursor
		}
	}

	if e.notifier != nil {
		e.notifier.UpdateClientScopeKeys(clientID, st.allScopeKeys)
	}
	if maxCursor >= 0 {
		err := e.store.SaveCursor(ctx, commitlog.Cursor{
			PartitionID:     partition,
			ClientID:        clientID,
			ActorID:         actorID,
			Cursor:          maxCursor,
			EffectiveScopes: st.mergedScopes,
		})
		if err != nil {
			return PullResponse{}, err
		}
	}
	if e.kicker != nil {
		e.kicker.KickAll()
	}
	return resp, nil
}

func (e *Engine) pullSubscription(ctx context.Context, st *pullState, sub SubscriptionRequest) (SubscriptionResponse, error) {
	h, err := e.registry.Lookup(sub.Table)
	if err != nil {
		return SubscriptionResponse{ID: sub.ID, Status: SubscriptionRevoked, NextCursor: sub.Cursor}, nil
	}

	values, err := h.ResolveScopes(ctx, st.actorID, st.partition, sub.Params)
	if err != nil {
		code := syncerr.CodeOf(err)
		if code == syncerr.CodeForbidden || code == syncerr.CodeUnauthenticated {
			return SubscriptionResponse{ID: sub.ID, Status: SubscriptionRevoked, NextCursor: sub.Cursor}, nil
		}
		return SubscriptionResponse{}, fmt.Errorf("resolve scopes for %s: %w", sub.Table, err)
	}
	if values == nil {
		values = normalizeWireScopes(sub.Scopes)
	}

	scopeKeys := subscriptionScopeKeys(st.partition, h.ScopePatterns(), values)
	st.allScopeKeys = append(st.allScopeKeys, scopeKeys...)
	for v, vals := range values {
		st.mergedScopes[v] = dedupeStrings(append(st.mergedScopes[v], vals...))
	}

	bootstrap, state, err := e.decideBootstrap(ctx, st, sub)
	if err != nil {
		return SubscriptionResponse{}, err
	}
	if bootstrap {
		return e.pullBootstrap(ctx, st, sub, values, scopeKeys, state)
	}
	return e.pullIncremental(ctx, st, sub, values)
}

// decideBootstrap applies the promotion rules: explicit bootstrap request,
// cursor ahead of the log, cursor pruned out of the retained range, or an
// external commit touching the subscription's table above the cursor.
func (e *Engine) decideBootstrap(ctx context.Context, st *pullState, sub SubscriptionRequest) (bool, *BootstrapState, error) {
	if sub.Cursor < 0 || sub.BootstrapState != nil {
		return true, sub.BootstrapState, nil
	}
	if sub.Cursor > st.latest {
		return true, nil, nil
	}
	if st.oldest > 0 && sub.Cursor < st.oldest-1 {
		return true, nil, nil
	}
	external, err := e.store.ExternalCommitTables(ctx, st.partition, sub.Cursor)
	if err != nil {
		return false, nil, err
	}
	if _, hit := external[sub.Table]; hit {
		return true, nil, nil
	}
	return false, nil, nil
}

func (e *Engine) pullIncremental(ctx context.Context, st *pullState, sub SubscriptionRequest, values scope.Values) (SubscriptionResponse, error) {
	commits, err := e.store.ReadCommits(ctx, st.partition, sub.Cursor, []string{sub.Table}, st.limitCommits)
	if err != nil {
		return SubscriptionResponse{}, err
	}

	next := sub.Cursor
	deliveries := make([]CommitDelivery, 0, len(commits))
	var emitted []rowKey
	for _, c := range commits {
		if c.CommitSeq > next {
			next = c.CommitSeq
		}
		var changes []ChangeDelivery
		for _, ch := range c.Changes {
			if ch.Table != sub.Table {
				continue
			}
			if !scope.MatchesAny(ch.Scopes, values) {
				continue
			}
			if st.dedupe {
				// Dedupe suppresses rows already delivered by an earlier
				// subscription in this pull. Within one subscription every
				// change replays, so the cursor never advances past an
				// undelivered newer version.
				key := rowKey{table: ch.Table, rowID: ch.RowID}
				if _, dup := st.seenRows[key]; dup {
					continue
				}
				emitted = append(emitted, key)
			}
			changes = append(changes, ChangeDelivery{
				Table:      ch.Table,
				RowID:      ch.RowID,
				Op:         ch.Op,
				RowJSON:    ch.RowJSON,
				RowVersion: ch.RowVersion,
				Scopes:     ch.Scopes,
			})
		}
		if len(changes) > 0 {
			deliveries = append(deliveries, CommitDelivery{
				CommitSeq: c.CommitSeq,
				CreatedAt: c.CreatedAt,
				ActorID:   c.ActorID,
				Changes:   changes,
			})
		}
	}
	for _, key := range emitted {
		st.seenRows[key] = struct{}{}
	}

	return SubscriptionResponse{
		ID:         sub.ID,
		Status:     SubscriptionActive,
		Scopes:     values,
		NextCursor: next,
		Commits:    deliveries,
	}, nil
}

func (e *Engine) pullBootstrap(ctx context.Context, st *pullState, sub SubscriptionRequest, values scope.Values, scopeKeys []string, state *BootstrapState) (SubscriptionResponse, error) {
	if state == nil {
		state = &BootstrapState{
			AsOfCommitSeq: st.latest,
			Tables:        []string{sub.Table},
			TableIndex:    0,
		}
	}
	if len(state.Tables) == 0 || state.TableIndex < 0 {
		return SubscriptionResponse{}, syncerr.New(syncerr.CodeInvalidRequest, "malformed bootstrapState for subscription %q", sub.ID)
	}

	// One deterministic chunk-cache identity per subscription scope set.
	chunkScopeKey := joinScopeKeys(st.partition, scopeKeys)

	var snapshots []SnapshotDelivery
	for pages := 0; pages < st.maxPages && state.TableIndex < len(state.Tables); pages++ {
		table := state.Tables[state.TableIndex]
		th, err := e.registry.Lookup(table)
		if err != nil {
			// A table can vanish from the collection mid-bootstrap; skip it.
			state.TableIndex++
			state.RowCursor = nil
			continue
		}

		rowCursor := state.RowCursor
		page, err := th.Snapshot(ctx, handler.SnapshotRequest{
			DB:            e.store.DB(),
			Partition:     st.partition,
			ScopeValues:   values,
			AsOfCommitSeq: state.AsOfCommitSeq,
			Cursor:        rowCursor,
			Limit:         st.limitRows,
		})
		if err != nil {
			return SubscriptionResponse{}, fmt.Errorf("snapshot page for %s: %w", table, err)
		}

		delivery := SnapshotDelivery{Table: table, IsFirstPage: rowCursor == nil && state.TableIndex == 0}
		if e.chunks != nil {
			ref, err := e.storeSnapshotPage(ctx, st, chunkScopeKey, table, state.AsOfCommitSeq, rowCursor, page.Rows)
			if err != nil {
				return SubscriptionResponse{}, err
			}
			delivery.Chunks = []snapshot.Ref{ref}
		} else {
			delivery.Rows = page.Rows
		}

		state.RowCursor = page.NextCursor
		if page.NextCursor == nil {
			state.TableIndex++
			state.RowCursor = nil
		}
		delivery.IsLastPage = state.TableIndex >= len(state.Tables)
		snapshots = append(snapshots, delivery)
	}

	resp := SubscriptionResponse{
		ID:        sub.ID,
		Status:    SubscriptionActive,
		Scopes:    values,
		Bootstrap: true,
		Commits:   []CommitDelivery{},
		Snapshots: snapshots,
	}
	if state.TableIndex >= len(state.Tables) {
		// Bootstrap complete: the client resumes incrementally from the
		// frozen snapshot point.
		resp.BootstrapState = nil
		resp.NextCursor = state.AsOfCommitSeq
	} else {
		resp.BootstrapState = state
		resp.NextCursor = sub.Cursor
	}
	return resp, nil
}

func (e *Engine) storeSnapshotPage(ctx context.Context, st *pullState, scopeKey, table string, asOf int64, rowCursor *string, rows []map[string]any) (snapshot.Ref, error) {
	anyRows := make([]any, len(rows))
	for i, r := range rows {
		anyRows[i] = r
	}
	body, err := snapshot.EncodeRows(anyRows)
	if err != nil {
		return snapshot.Ref{}, err
	}
	return e.chunks.StoreChunk(ctx, snapshot.PageKey{
		Partition:     st.partition,
		ScopeKey:      scopeKey,
		Table:         table,
		AsOfCommitSeq: asOf,
		RowCursor:     rowCursor,
		RowLimit:      st.limitRows,
	}, body, time.Now().Add(e.snapshotTTL))
}

// normalizeWireScopes converts wire scope values (string or array of
// strings per variable) into scope.Values. Unknown value shapes are ignored.
func normalizeWireScopes(raw map[string]any) scope.Values {
	if len(raw) == 0 {
		return scope.Values{}
	}
	out := make(scope.Values, len(raw))
	for v, val := range raw {
		switch t := val.(type) {
		case string:
			out[v] = []string{t}
		case []string:
			out[v] = append([]string(nil), t...)
		case []any:
			var vals []string
			for _, item := range t {
				if s, ok := item.(string); ok {
					vals = append(vals, s)
				}
			}
			if len(vals) > 0 {
				out[v] = vals
			}
		}
	}
	return out
}

// subscriptionScopeKeys expands each pattern the handler serves against the
// subscription values. Patterns whose variables the subscription does not
// supply produce no keys.
func subscriptionScopeKeys(partition string, patterns []string, values scope.Values) []string {
	var keys []string
	for _, p := range patterns {
		expanded, err := scope.ExpandKeys(partition, p, values)
		if err != nil {
			continue
		}
		keys = append(keys, expanded...)
	}
	return dedupeStrings(keys)
}

// joinScopeKeys collapses a subscription's expanded keys into one chunk
// cache key. Single-valued subscriptions keep their canonical key unchanged.
func joinScopeKeys(partition string, keys []string) string {
	switch len(keys) {
	case 0:
		return partition + "::"
	case 1:
		return keys[0]
	}
	joined := keys[0]
	for _, k := range keys[1:] {
		joined += "|" + k
	}
	return joined
}
