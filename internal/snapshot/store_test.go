package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"path/filepath"
	"testing"
	"time"

	"rowsync/internal/blob"
	"rowsync/internal/syncdb"
)

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := syncdb.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	d := syncdb.SQLite()
	if err := d.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return NewStore(db, d, opts...)
}

func testPageKey(table string, seq int64) PageKey {
	return PageKey{
		Partition:     "default",
		ScopeKey:      "default::user:u1",
		Table:         table,
		AsOfCommitSeq: seq,
		RowCursor:     nil,
		RowLimit:      100,
	}
}

func TestStoreChunkContentAddressed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	body, err := EncodeRows([]any{map[string]any{"id": "t1"}})
	if err != nil {
		t.Fatal(err)
	}
	key := testPageKey("tasks", 5)
	expires := time.Now().Add(time.Hour)

	first, err := store.StoreChunk(ctx, key, body, expires)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	second, err := store.StoreChunk(ctx, key, body, expires)
	if err != nil {
		t.Fatalf("StoreChunk again: %v", err)
	}

	if first.ID != second.ID || first.SHA256 != second.SHA256 {
		t.Errorf("refs differ: %+v vs %+v", first, second)
	}
	if first.Encoding != Encoding || first.Compression != Compression {
		t.Errorf("ref metadata: %+v", first)
	}

	n, err := store.CountChunks(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("chunk rows: got %d, want 1", n)
	}
}

func TestStoreChunkDistinctKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	body, _ := EncodeRows([]any{map[string]any{"id": "t1"}})
	expires := time.Now().Add(time.Hour)

	a, err := store.StoreChunk(ctx, testPageKey("tasks", 5), body, expires)
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.StoreChunk(ctx, testPageKey("tasks", 6), body, expires)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("different page keys produced the same chunk id")
	}

	cursor := "row-50"
	keyWithCursor := testPageKey("tasks", 5)
	keyWithCursor.RowCursor = &cursor
	c, err := store.StoreChunk(ctx, keyWithCursor, body, expires)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Error("cursor-bearing key collided with nil-cursor key")
	}
}

func TestReadChunkInline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rows := []any{map[string]any{"id": "t1", "title": "A"}}
	body, _ := EncodeRows(rows)
	ref, err := store.StoreChunk(ctx, testPageKey("tasks", 1), body, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.ReadChunk(ctx, ref.ID)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	decoded, err := DecodeRows(got)
	if err != nil {
		t.Fatalf("DecodeRows: %v", err)
	}
	if len(decoded) != 1 {
		t.Errorf("decoded rows: got %d, want 1", len(decoded))
	}

	missing, err := store.ReadChunk(ctx, "ck_nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing chunk")
	}
}

func TestBlobOffload(t *testing.T) {
	fs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Inline limit 0: everything offloads.
	store := openTestStore(t, WithBlobStore(fs, 0))
	ctx := context.Background()

	body, _ := EncodeRows([]any{map[string]any{"id": "t1", "payload": "big enough"}})
	ref, err := store.StoreChunk(ctx, testPageKey("tasks", 1), body, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}

	got, err := store.ReadChunk(ctx, ref.ID)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("offloaded body does not round-trip")
	}

	rc, err := store.ReadChunkStream(ctx, ref.ID)
	if err != nil || rc == nil {
		t.Fatalf("ReadChunkStream: rc=%v err=%v", rc, err)
	}
	rc.Close()
}

func TestStoreChunkStream(t *testing.T) {
	fs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := openTestStore(t, WithBlobStore(fs, 0))
	ctx := context.Background()

	body, _ := EncodeRows([]any{map[string]any{"id": "t1"}})
	ref, err := store.StoreChunkStream(ctx, testPageKey("tasks", 1), bytes.NewReader(body), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StoreChunkStream: %v", err)
	}

	direct, err := store.StoreChunk(ctx, testPageKey("tasks", 1), body, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if direct.ID != ref.ID || direct.SHA256 != ref.SHA256 {
		t.Errorf("stream and direct refs differ: %+v vs %+v", ref, direct)
	}
}

func TestCleanupExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	body, _ := EncodeRows([]any{map[string]any{"id": "t1"}})
	if _, err := store.StoreChunk(ctx, testPageKey("tasks", 1), body, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StoreChunk(ctx, testPageKey("tasks", 2), body, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	removed, err := store.CleanupExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}

	n, _ := store.CountChunks(ctx, "default")
	if n != 1 {
		t.Errorf("surviving chunks: got %d, want 1", n)
	}
}

func TestDeleteForTables(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	body, _ := EncodeRows([]any{map[string]any{"id": "x"}})
	expires := time.Now().Add(time.Hour)
	if _, err := store.StoreChunk(ctx, testPageKey("codes", 1), body, expires); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StoreChunk(ctx, testPageKey("tasks", 1), body, expires); err != nil {
		t.Fatal(err)
	}

	removed, err := store.DeleteForTables(ctx, "default", []string{"codes"})
	if err != nil {
		t.Fatalf("DeleteForTables: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}

	// The tasks chunk survives; its key still resolves.
	_, found, err := store.FindChunk(ctx, testPageKey("tasks", 1))
	if err != nil || !found {
		t.Errorf("tasks chunk: found=%v err=%v", found, err)
	}
	_, found, err = store.FindChunk(ctx, testPageKey("codes", 1))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("codes chunk should be gone")
	}
}
