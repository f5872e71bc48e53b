package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rowsync/internal/commitlog"
	"rowsync/internal/engine"
	"rowsync/internal/handler"
	"rowsync/internal/notify"
	"rowsync/internal/snapshot"
	"rowsync/internal/syncdb"
)

func newTestServer(t *testing.T) (*httptest.Server, *notify.Registry) {
	t.Helper()
	db, err := syncdb.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := commitlog.NewStore(db, syncdb.SQLite())
	if err := store.EnsureSchema(t.Context()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	chunks := snapshot.NewStore(db, syncdb.SQLite())

	registry := handler.NewRegistry()
	notes, err := handler.NewDocumentTable("notes", syncdb.SQLite(), []string{"user:{user_id}"})
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(notes); err != nil {
		t.Fatal(err)
	}

	connections := notify.NewRegistry()
	t.Cleanup(connections.CloseAll)
	notifier := notify.NewNotifier(connections, notify.NewLocalBus())

	eng := engine.New(store, registry,
		engine.WithChunkStore(chunks),
		engine.WithNotifier(notifier),
	)
	srv := httptest.NewServer(NewServer(eng, store, chunks, connections, registry.Tables()).Handler())
	t.Cleanup(srv.Close)
	return srv, connections
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) engine.Response {
	t.Helper()
	var out engine.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func pushBody(clientID, commitID, rowID, title string) map[string]any {
	return map[string]any{
		"clientId": clientID,
		"actorId":  "u1",
		"push": map[string]any{
			"clientCommitId": commitID,
			"schemaVersion":  1,
			"operations": []map[string]any{{
				"table":   "notes",
				"row_id":  rowID,
				"op":      "upsert",
				"payload": map[string]any{"user_id": "u1", "title": title},
			}},
		},
	}
}

func pullBody(clientID string, cursor int64) map[string]any {
	return map[string]any{
		"clientId": clientID,
		"actorId":  "u1",
		"pull": map[string]any{
			"limitCommits": 50,
			"subscriptions": []map[string]any{{
				"id":     "s1",
				"table":  "notes",
				"cursor": cursor,
			}},
		},
	}
}

func TestSyncPushThenPullOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/sync", pushBody("c1", "cc-1", "n1", "hello"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push status: %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Push == nil || out.Push.Status != engine.PushApplied {
		t.Fatalf("push response: %+v", out.Push)
	}

	resp = postJSON(t, srv.URL+"/v1/sync", pullBody("c2", -1))
	out = decodeResponse(t, resp)
	if out.Pull == nil || len(out.Pull.Subscriptions) != 1 {
		t.Fatalf("pull response: %+v", out.Pull)
	}
	sub := out.Pull.Subscriptions[0]
	if sub.Status != engine.SubscriptionActive || !sub.Bootstrap {
		t.Fatalf("subscription: %+v", sub)
	}
	foundRow := false
	for _, snap := range sub.Snapshots {
		for _, row := range snap.Rows {
			if row["id"] == "n1" {
				foundRow = true
			}
		}
	}
	if !foundRow && len(sub.Snapshots) > 0 && len(sub.Snapshots[0].Chunks) == 0 {
		t.Errorf("pushed row missing from bootstrap: %+v", sub.Snapshots)
	}
}

func TestSyncRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/sync", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "INVALID_REQUEST" {
		t.Errorf("code: got %q", body.Code)
	}
}

func TestExternalChangeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/external-change", map[string]any{"tables": []string{"notes"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out engine.ExternalChangeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.CommitSeq == 0 || len(out.Tables) != 1 {
		t.Errorf("result: %+v", out)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/v1/sync", pushBody("c1", "cc-1", "n1", "hello"))

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if len(report.Tables) != 1 || report.Tables[0] != "notes" {
		t.Errorf("tables: %v", report.Tables)
	}
	if len(report.Partitions) != 1 || report.Partitions[0].Commits != 1 {
		t.Errorf("partitions: %+v", report.Partitions)
	}
}

func TestEventsRequireClientID(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestEventsStreamDeliversSyncNudge(t *testing.T) {
	srv, _ := newTestServer(t)

	// Subscribing through pull records the client's scope keys for fan-out.
	postJSON(t, srv.URL+"/v1/sync", pullBody("c2", -1))

	resp, err := http.Get(srv.URL + "/v1/events?clientId=c2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	events := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: sync") {
				events <- line
				return
			}
		}
	}()

	// Another client commits into the same scope.
	postJSON(t, srv.URL+"/v1/sync", pushBody("c1", "cc-1", "n1", "hello"))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("sync event never arrived on the stream")
	}
}
