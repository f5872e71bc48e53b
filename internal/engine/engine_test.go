package engine

import (
	"context"
	"path/filepath"
	"testing"

	"rowsync/internal/adapter/fake"
	"rowsync/internal/commitlog"
	"rowsync/internal/handler"
	"rowsync/internal/scope"
	"rowsync/internal/snapshot"
	"rowsync/internal/syncdb"
	"rowsync/internal/syncerr"
)

type testEnv struct {
	engine *Engine
	store  *commitlog.Store
	chunks *snapshot.Store
	tasks  *fake.TableHandler
	codes  *fake.TableHandler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	db, err := syncdb.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	d := syncdb.SQLite()
	store := commitlog.NewStore(db, d)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	tasks := fake.NewTableHandler("tasks", "user:{user_id}")
	codes := fake.NewTableHandler("codes", "user:{user_id}")
	registry := handler.NewRegistry()
	for _, h := range []*fake.TableHandler{tasks, codes} {
		if err := registry.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	chunks := snapshot.NewStore(db, d)
	env := &testEnv{
		store:  store,
		chunks: chunks,
		tasks:  tasks,
		codes:  codes,
	}
	env.engine = New(store, registry, opts...)
	return env
}

func intPtr(v int64) *int64 { return &v }

func pushOp(table, rowID string, payload map[string]any, baseVersion *int64) handler.Operation {
	return handler.Operation{
		Table:       table,
		RowID:       rowID,
		Op:          handler.OpUpsert,
		Payload:     payload,
		BaseVersion: baseVersion,
	}
}

func TestPushApplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if resp.Status != PushApplied {
		t.Errorf("status: got %q, want applied", resp.Status)
	}
	if resp.CommitSeq == nil || *resp.CommitSeq < 1 {
		t.Errorf("commitSeq: %v", resp.CommitSeq)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != handler.StatusApplied {
		t.Errorf("results: %+v", resp.Results)
	}
	row, ok := env.tasks.Get("t1")
	if !ok || row.Payload["title"] != "A" {
		t.Errorf("stored row: %+v ok=%v", row, ok)
	}
}

func TestPushIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
	}

	first, err := env.engine.Push(ctx, "default", "actor-1", "c1", req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.engine.Push(ctx, "default", "actor-1", "c1", req)
	if err != nil {
		t.Fatal(err)
	}

	if second.Status != PushCached {
		t.Errorf("replay status: got %q, want cached", second.Status)
	}
	if *second.CommitSeq != *first.CommitSeq {
		t.Errorf("replay commitSeq: got %d, want %d", *second.CommitSeq, *first.CommitSeq)
	}
	if len(second.Results) != 1 || second.Results[0].Status != handler.StatusApplied {
		t.Errorf("replay results: %+v", second.Results)
	}
	if n := env.tasks.RowCount(); n != 1 {
		t.Errorf("rows: got %d, want 1", n)
	}
}

func TestPushConflictStillCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tasks.Seed("t1", map[string]any{"title": "Server", "user_id": "u1"})

	resp, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations: []handler.Operation{
			pushOp("tasks", "t1", map[string]any{"title": "Stale", "user_id": "u1"}, intPtr(99)),
			pushOp("tasks", "t2", map[string]any{"title": "Fresh", "user_id": "u1"}, nil),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Status != PushApplied {
		t.Errorf("status: got %q, want applied", resp.Status)
	}
	if resp.Results[0].Status != handler.StatusConflict {
		t.Errorf("op 0: %+v", resp.Results[0])
	}
	if resp.Results[0].ServerRow == nil || resp.Results[0].ServerVersion == nil {
		t.Errorf("conflict carries no server state: %+v", resp.Results[0])
	}
	if resp.Results[1].Status != handler.StatusApplied {
		t.Errorf("op 1: %+v", resp.Results[1])
	}

	// The conflicted row kept the server value.
	row, _ := env.tasks.Get("t1")
	if row.Payload["title"] != "Server" {
		t.Errorf("conflicted row overwritten: %+v", row)
	}
}

func TestPushUnknownTableRejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("nope", "x1", map[string]any{}, nil)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != PushRejected {
		t.Errorf("status: got %q, want rejected", resp.Status)
	}
	if resp.Results[0].Code != string(syncerr.CodeUnknownTable) {
		t.Errorf("code: %+v", resp.Results[0])
	}
	if resp.CommitSeq != nil {
		t.Error("rejected push produced a commit")
	}
	if seq, _ := env.store.LatestCommitSeq(ctx, "default"); seq != 0 {
		t.Errorf("log not empty after rejection: %d", seq)
	}
}

func TestPushSchemaVersionGate(t *testing.T) {
	env := newTestEnv(t, WithSchemaVersions(2, 3))
	ctx := context.Background()

	_, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{}, nil)},
	})
	if !syncerr.IsCode(err, syncerr.CodeSchemaVersionUnsupported) {
		t.Errorf("expected SCHEMA_VERSION_UNSUPPORTED, got %v", err)
	}
}

func pullSub(id, table string, cursor int64) SubscriptionRequest {
	return SubscriptionRequest{
		ID:     id,
		Table:  table,
		Scopes: map[string]any{"user_id": "u1"},
		Cursor: cursor,
	}
}

func TestPullIncremental(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	push, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := env.engine.Pull(ctx, "default", "actor-2", "c2", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	sub := resp.Subscriptions[0]
	if sub.Bootstrap {
		t.Error("incremental pull flagged bootstrap")
	}
	if sub.NextCursor != *push.CommitSeq {
		t.Errorf("nextCursor: got %d, want %d", sub.NextCursor, *push.CommitSeq)
	}
	if len(sub.Commits) != 1 || len(sub.Commits[0].Changes) != 1 {
		t.Fatalf("commits: %+v", sub.Commits)
	}
	ch := sub.Commits[0].Changes[0]
	if ch.RowID != "t1" || ch.RowJSON["title"] != "A" {
		t.Errorf("change: %+v", ch)
	}
}

func TestPullScopeFiltering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, op := range []handler.Operation{
		pushOp("tasks", "t1", map[string]any{"title": "mine", "user_id": "u1"}, nil),
		pushOp("tasks", "t2", map[string]any{"title": "theirs", "user_id": "u2"}, nil),
	} {
		if _, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
			ClientCommitID: "cc-" + op.RowID,
			SchemaVersion:  1,
			Operations:     []handler.Operation{op},
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := env.engine.Pull(ctx, "default", "actor-2", "c2", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := resp.Subscriptions[0]
	var rowIDs []string
	for _, c := range sub.Commits {
		for _, ch := range c.Changes {
			rowIDs = append(rowIDs, ch.RowID)
		}
	}
	if len(rowIDs) != 1 || rowIDs[0] != "t1" {
		t.Errorf("delivered rows: %v, want [t1]", rowIDs)
	}
	// The cursor still advances past the filtered commit.
	latest, _ := env.store.LatestCommitSeq(ctx, "default")
	if sub.NextCursor != latest {
		t.Errorf("nextCursor: got %d, want %d", sub.NextCursor, latest)
	}
}

func TestPullBootstrapInlineRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tasks.Seed("t1", map[string]any{"title": "A", "user_id": "u1"})
	env.tasks.Seed("t2", map[string]any{"title": "B", "user_id": "u1"})
	env.tasks.Seed("t3", map[string]any{"title": "other", "user_id": "u2"})

	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", -1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := resp.Subscriptions[0]
	if !sub.Bootstrap {
		t.Fatal("expected bootstrap mode")
	}
	if sub.BootstrapState != nil {
		t.Errorf("bootstrap not complete: %+v", sub.BootstrapState)
	}
	latest, _ := env.store.LatestCommitSeq(ctx, "default")
	if sub.NextCursor != latest {
		t.Errorf("nextCursor: got %d, want asOf %d", sub.NextCursor, latest)
	}

	var rows []map[string]any
	for _, snap := range sub.Snapshots {
		rows = append(rows, snap.Rows...)
	}
	if len(rows) != 2 {
		t.Fatalf("bootstrap rows: %d, want 2 (scoped to u1)", len(rows))
	}
	if !sub.Snapshots[0].IsFirstPage || !sub.Snapshots[len(sub.Snapshots)-1].IsLastPage {
		t.Errorf("page flags: %+v", sub.Snapshots)
	}
}

func TestPullBootstrapPagesWithChunks(t *testing.T) {
	env := newTestEnv(t)
	env.engine = New(env.store, mustRegistry(t, env.tasks, env.codes), WithChunkStore(env.chunks))
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		env.tasks.Seed(id, map[string]any{"title": id, "user_id": "u1"})
	}

	// Two rows per page: the five rows need three pages across two pulls.
	first, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:      10,
		LimitSnapshotRows: 2,
		MaxSnapshotPages:  2,
		Subscriptions:     []SubscriptionRequest{pullSub("s1", "tasks", -1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := first.Subscriptions[0]
	if sub.BootstrapState == nil {
		t.Fatal("bootstrap finished too early")
	}
	if len(sub.Snapshots) != 2 {
		t.Fatalf("pages: %d, want 2", len(sub.Snapshots))
	}
	for _, snap := range sub.Snapshots {
		if len(snap.Chunks) != 1 || len(snap.Rows) != 0 {
			t.Errorf("chunked page: %+v", snap)
		}
	}

	// Resume with the returned state.
	second, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:      10,
		LimitSnapshotRows: 2,
		MaxSnapshotPages:  2,
		Subscriptions: []SubscriptionRequest{{
			ID:             "s1",
			Table:          "tasks",
			Scopes:         map[string]any{"user_id": "u1"},
			Cursor:         -1,
			BootstrapState: sub.BootstrapState,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	done := second.Subscriptions[0]
	if done.BootstrapState != nil {
		t.Errorf("bootstrap still incomplete: %+v", done.BootstrapState)
	}

	// Decode every chunk and count rows.
	total := 0
	for _, resp := range []PullResponse{first, second} {
		for _, snap := range resp.Subscriptions[0].Snapshots {
			for _, ref := range snap.Chunks {
				body, err := env.chunks.ReadChunk(ctx, ref.ID)
				if err != nil || body == nil {
					t.Fatalf("ReadChunk %s: body=%v err=%v", ref.ID, body, err)
				}
				rows, err := snapshot.DecodeRows(body)
				if err != nil {
					t.Fatal(err)
				}
				total += len(rows)
			}
		}
	}
	if total != 5 {
		t.Errorf("total bootstrap rows: %d, want 5", total)
	}
}

func mustRegistry(t *testing.T, handlers ...*fake.TableHandler) *handler.Registry {
	t.Helper()
	registry := handler.NewRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			t.Fatal(err)
		}
	}
	return registry
}

func TestForcedRebootstrapAfterExternalChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.codes.Seed("c1", map[string]any{"code": "X", "user_id": "u1"})
	env.tasks.Seed("t1", map[string]any{"title": "A", "user_id": "u1"})

	// Initial bootstrap pins a cursor.
	boot, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "codes", -1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	cursor := boot.Subscriptions[0].NextCursor

	// Caught up: plain incremental with nothing to deliver.
	quiet, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "codes", cursor)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if quiet.Subscriptions[0].Bootstrap || len(quiet.Subscriptions[0].Commits) != 0 {
		t.Errorf("expected quiet incremental pull: %+v", quiet.Subscriptions[0])
	}

	if _, err := env.engine.NotifyExternalDataChange(ctx, "default", []string{"codes"}); err != nil {
		t.Fatal(err)
	}

	// Same cursor now promotes codes to bootstrap; tasks stays incremental.
	after, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits: 10,
		Subscriptions: []SubscriptionRequest{
			pullSub("s1", "codes", cursor),
			pullSub("s2", "tasks", cursor),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	codesSub, tasksSub := after.Subscriptions[0], after.Subscriptions[1]
	if !codesSub.Bootstrap {
		t.Error("codes subscription not promoted to bootstrap")
	}
	if len(codesSub.Snapshots) < 1 {
		t.Error("re-bootstrap returned no snapshots")
	}
	if tasksSub.Bootstrap {
		t.Error("tasks subscription re-bootstrapped without cause")
	}
}

func TestPullPrunedCursorForcesBootstrap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if _, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
			ClientCommitID: "cc-" + id,
			SchemaVersion:  1,
			Operations:     []handler.Operation{pushOp("tasks", "t-"+id, map[string]any{"title": id, "user_id": "u1"}, nil)},
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.store.PruneBelow(ctx, "default", 4); err != nil {
		t.Fatal(err)
	}

	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c2", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Subscriptions[0].Bootstrap {
		t.Error("pruned cursor did not force bootstrap")
	}
}

func TestPullCursorBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	push, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
	})
	if err != nil {
		t.Fatal(err)
	}
	latest := *push.CommitSeq

	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c2", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := resp.Subscriptions[0]
	if sub.NextCursor < 0 || sub.NextCursor > latest {
		t.Errorf("nextCursor %d outside [0, %d]", sub.NextCursor, latest)
	}
}

func TestPullDedupeAcrossSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c2", PullRequest{
		LimitCommits: 10,
		DedupeRows:   true,
		Subscriptions: []SubscriptionRequest{
			pullSub("s1", "tasks", 0),
			pullSub("s2", "tasks", 0),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, sub := range resp.Subscriptions {
		for _, c := range sub.Commits {
			total += len(c.Changes)
		}
	}
	if total != 1 {
		t.Errorf("deduped changes: %d, want 1", total)
	}
}

func TestPullDedupeKeepsEveryCommitOfOneSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two commits touching the same row: the second must still be delivered,
	// or the advancing cursor would strand the client on the stale version.
	for i, title := range []string{"A", "B"} {
		var base *int64
		if i > 0 {
			base = intPtr(int64(i))
		}
		if _, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
			ClientCommitID: "cc-" + title,
			SchemaVersion:  1,
			Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": title, "user_id": "u1"}, base)},
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c2", PullRequest{
		LimitCommits:  10,
		DedupeRows:    true,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := resp.Subscriptions[0]
	var titles []string
	for _, c := range sub.Commits {
		for _, ch := range c.Changes {
			titles = append(titles, ch.RowJSON["title"].(string))
		}
	}
	if len(titles) != 2 || titles[1] != "B" {
		t.Errorf("delivered titles: %v, want [A B]", titles)
	}
	latest, _ := env.store.LatestCommitSeq(ctx, "default")
	if sub.NextCursor != latest {
		t.Errorf("nextCursor: got %d, want %d", sub.NextCursor, latest)
	}
}

func TestPullSavesClientCursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	push, err := env.engine.Push(ctx, "default", "actor-1", "c1", PushRequest{
		ClientCommitID: "cc-1",
		SchemaVersion:  1,
		Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.Pull(ctx, "default", "actor-2", "c2", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
	}); err != nil {
		t.Fatal(err)
	}

	cur, found, err := env.store.GetCursor(ctx, "default", "c2")
	if err != nil || !found {
		t.Fatalf("GetCursor: found=%v err=%v", found, err)
	}
	if cur.Cursor != *push.CommitSeq {
		t.Errorf("saved cursor: got %d, want %d", cur.Cursor, *push.CommitSeq)
	}
	if cur.ActorID != "actor-2" {
		t.Errorf("saved actor: %q", cur.ActorID)
	}
}

func TestSyncCombinedPushPull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.engine.Sync(ctx, Request{
		ClientID: "c1",
		ActorID:  "actor-1",
		Push: &PushRequest{
			ClientCommitID: "cc-1",
			SchemaVersion:  1,
			Operations:     []handler.Operation{pushOp("tasks", "t1", map[string]any{"title": "A", "user_id": "u1"}, nil)},
		},
		Pull: &PullRequest{
			LimitCommits:  10,
			Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
		},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !resp.OK || resp.Push == nil || resp.Pull == nil {
		t.Fatalf("response: %+v", resp)
	}
	// The pull half sees the push half's commit in the same round-trip.
	if len(resp.Pull.Subscriptions[0].Commits) != 1 {
		t.Errorf("combined pull missed own push: %+v", resp.Pull.Subscriptions[0])
	}
}

func TestSyncRejectsReservedClientID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Sync(context.Background(), Request{ClientID: commitlog.ExternalClientID})
	if !syncerr.IsCode(err, syncerr.CodeInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestRevokedSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tasks.ResolveErr = func(actorID string) error {
		return syncerr.New(syncerr.CodeForbidden, "actor %q has no access", actorID)
	}

	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Subscriptions[0].Status != SubscriptionRevoked {
		t.Errorf("status: %+v", resp.Subscriptions[0])
	}
}

func TestResolveScopesOverridesWireScopes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tasks.Seed("t1", map[string]any{"title": "mine", "user_id": "u1"})
	env.tasks.Seed("t2", map[string]any{"title": "theirs", "user_id": "u2"})
	env.tasks.Resolved = scope.Values{"user_id": {"u2"}}

	// The wire asks for u1 but the handler resolves to u2.
	resp, err := env.engine.Pull(ctx, "default", "actor-1", "c1", PullRequest{
		LimitCommits:  10,
		Subscriptions: []SubscriptionRequest{pullSub("s1", "tasks", -1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sub := resp.Subscriptions[0]
	if len(sub.Snapshots) == 0 {
		t.Fatal("no snapshots")
	}
	var titles []string
	for _, snap := range sub.Snapshots {
		for _, row := range snap.Rows {
			titles = append(titles, row["title"].(string))
		}
	}
	if len(titles) != 1 || titles[0] != "theirs" {
		t.Errorf("rows: %v, want [theirs]", titles)
	}
}
