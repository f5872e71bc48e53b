package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"rowsync/internal/blob"
	"rowsync/internal/syncdb"
	"rowsync/internal/syncerr"
)

// PageKey identifies one snapshot page. Identical keys are served by the
// same chunk.
type PageKey struct {
	Partition     string
	ScopeKey      string
	Table         string
	AsOfCommitSeq int64
	RowCursor     *string
	RowLimit      int
}

func (k PageKey) cacheKey() string {
	cursor := "\x00"
	if k.RowCursor != nil {
		cursor = *k.RowCursor
	}
	return strings.Join([]string{
		k.Partition, k.ScopeKey, k.Table,
		strconv.FormatInt(k.AsOfCommitSeq, 10),
		cursor,
		strconv.Itoa(k.RowLimit),
		Encoding, Compression,
	}, "\x1f")
}

// chunkID derives the deterministic chunk id for a page key.
func (k PageKey) chunkID() string {
	sum := sha256.Sum256([]byte(k.cacheKey()))
	return "ck_" + hex.EncodeToString(sum[:16])
}

// Ref is the wire reference to a stored chunk.
type Ref struct {
	ID          string `json:"id"`
	ByteLength  int64  `json:"byteLength"`
	SHA256      string `json:"sha256"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression"`
}

// Store caches snapshot chunk bodies in the sync schema, optionally
// offloading large bodies to a blob backend.
type Store struct {
	db          *sql.DB
	d           *syncdb.Dialect
	blobs       blob.Store
	inlineLimit int64
	refs        *lru.Cache[string, Ref]
}

// Option configures a Store.
type Option func(*Store)

// WithBlobStore offloads bodies larger than inlineLimit bytes to bs. Bodies
// at or under the limit stay inline in the chunk row.
func WithBlobStore(bs blob.Store, inlineLimit int64) Option {
	return func(s *Store) {
		s.blobs = bs
		s.inlineLimit = inlineLimit
	}
}

// refCacheSize is 1024: a pull bundles a handful of pages, so a modest
// cache absorbs the repeated same-page lookups across clients bootstrapping
// the same scope.
const refCacheSize = 1024

func NewStore(db *sql.DB, d *syncdb.Dialect, opts ...Option) *Store {
	refs, _ := lru.New[string, Ref](refCacheSize)
	s := &Store{db: db, d: d, refs: refs}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreChunk stores body under the page key. If a chunk with the same key
// already exists its ref is returned and nothing is written; the ref is only
// recorded after the body is durable.
func (s *Store) StoreChunk(ctx context.Context, key PageKey, body []byte, expiresAt time.Time) (Ref, error) {
	if ref, ok, err := s.FindChunk(ctx, key); err != nil {
		return Ref{}, err
	} else if ok {
		return ref, nil
	}

	sum := sha256.Sum256(body)
	shaHex := hex.EncodeToString(sum[:])

	var (
		blobHash   any
		inlineBody any
	)
	if s.blobs != nil && int64(len(body)) > s.inlineLimit {
		hash := blob.HashPrefix + shaHex
		if err := s.blobs.Put(ctx, hash, bytes.NewReader(body), int64(len(body))); err != nil {
			return Ref{}, syncerr.Storage(err, "offload chunk body to blob store")
		}
		blobHash = hash
	} else {
		inlineBody = body
	}

	return s.insertChunk(ctx, key, shaHex, int64(len(body)), blobHash, inlineBody, expiresAt)
}

// StoreChunkStream stores a chunk body without holding it in memory: the
// stream spools through a temp file while hashing, then lands in the blob
// store (or inline when small enough or no blob store is configured).
func (s *Store) StoreChunkStream(ctx context.Context, key PageKey, bodyStream io.Reader, expiresAt time.Time) (Ref, error) {
	if ref, ok, err := s.FindChunk(ctx, key); err != nil {
		return Ref{}, err
	} else if ok {
		return ref, nil
	}

	tmp, err := os.CreateTemp("", "rowsync-chunk-*")
	if err != nil {
		return Ref{}, syncerr.Storage(err, "spool chunk body")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), bodyStream)
	if err != nil {
		return Ref{}, syncerr.Storage(err, "spool chunk body")
	}
	shaHex := hex.EncodeToString(hasher.Sum(nil))

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Ref{}, syncerr.Storage(err, "rewind chunk spool")
	}

	var (
		blobHash   any
		inlineBody any
	)
	if s.blobs != nil && size > s.inlineLimit {
		hash := blob.HashPrefix + shaHex
		if err := s.blobs.Put(ctx, hash, tmp, size); err != nil {
			return Ref{}, syncerr.Storage(err, "offload chunk body to blob store")
		}
		blobHash = hash
	} else {
		body, err := io.ReadAll(tmp)
		if err != nil {
			return Ref{}, syncerr.Storage(err, "read back chunk spool")
		}
		inlineBody = body
	}

	return s.insertChunk(ctx, key, shaHex, size, blobHash, inlineBody, expiresAt)
}

func (s *Store) insertChunk(ctx context.Context, key PageKey, shaHex string, size int64, blobHash, inlineBody any, expiresAt time.Time) (Ref, error) {
	id := key.chunkID()

	var rowCursor any
	if key.RowCursor != nil {
		rowCursor = *key.RowCursor
	}
	_, err := s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_snapshot_chunks
		 (chunk_id, partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit,
		  encoding, compression, sha256, byte_length, blob_hash, body, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chunk_id) DO NOTHING`),
		id, key.Partition, key.ScopeKey, key.Table, key.AsOfCommitSeq, rowCursor, key.RowLimit,
		Encoding, Compression, shaHex, size, blobHash, inlineBody, s.d.EncodeTime(expiresAt),
	)
	if err != nil {
		return Ref{}, syncerr.Storage(err, "insert snapshot chunk %s", id)
	}

	// A concurrent writer may have won the insert; either way the stored
	// row matches this page key and body hash.
	ref := Ref{ID: id, ByteLength: size, SHA256: shaHex, Encoding: Encoding, Compression: Compression}
	s.refs.Add(key.cacheKey(), ref)
	return ref, nil
}

// FindChunk looks up the ref for a page key without touching the body.
func (s *Store) FindChunk(ctx context.Context, key PageKey) (Ref, bool, error) {
	if ref, ok := s.refs.Get(key.cacheKey()); ok {
		return ref, true, nil
	}

	var ref Ref
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT chunk_id, byte_length, sha256, encoding, compression
		 FROM sync_snapshot_chunks WHERE chunk_id = ?`),
		key.chunkID(),
	).Scan(&ref.ID, &ref.ByteLength, &ref.SHA256, &ref.Encoding, &ref.Compression)
	if errors.Is(err, sql.ErrNoRows) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, syncerr.Storage(err, "find snapshot chunk")
	}
	s.refs.Add(key.cacheKey(), ref)
	return ref, true, nil
}

// ReadChunk returns the chunk body, or nil when the chunk does not exist.
func (s *Store) ReadChunk(ctx context.Context, chunkID string) ([]byte, error) {
	var (
		body     []byte
		blobHash sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT body, blob_hash FROM sync_snapshot_chunks WHERE chunk_id = ?`),
		chunkID,
	).Scan(&body, &blobHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage(err, "read snapshot chunk %s", chunkID)
	}
	if body != nil {
		return body, nil
	}
	if !blobHash.Valid {
		return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "chunk %s has neither body nor blob", chunkID)
	}

	rc, err := s.blobs.Get(ctx, blobHash.String)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage(err, "read chunk blob %s", blobHash.String)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, syncerr.Storage(err, "read chunk blob %s", blobHash.String)
	}
	return out, nil
}

// ReadChunkStream opens the chunk body as a stream, or returns nil when the
// chunk does not exist.
func (s *Store) ReadChunkStream(ctx context.Context, chunkID string) (io.ReadCloser, error) {
	var (
		body     []byte
		blobHash sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT body, blob_hash FROM sync_snapshot_chunks WHERE chunk_id = ?`),
		chunkID,
	).Scan(&body, &blobHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage(err, "read snapshot chunk %s", chunkID)
	}
	if body != nil {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if !blobHash.Valid {
		return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "chunk %s has neither body nor blob", chunkID)
	}
	rc, err := s.blobs.Get(ctx, blobHash.String)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage(err, "read chunk blob %s", blobHash.String)
	}
	return rc, nil
}

// CleanupExpired removes chunks expired before the given time and any blob
// bodies no longer referenced by a surviving chunk. Returns the number of
// chunks removed.
func (s *Store) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteChunks(ctx,
		`SELECT chunk_id, blob_hash FROM sync_snapshot_chunks WHERE expires_at <= ?`,
		s.d.EncodeTime(before))
}

// DeleteForTables removes all chunks for the given tables within a
// partition, invalidating bootstrap caches after out-of-band data changes.
func (s *Store) DeleteForTables(ctx context.Context, partition string, tables []string) (int64, error) {
	if len(tables) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tables)), ",")
	args := make([]any, 0, len(tables)+1)
	args = append(args, partition)
	for _, t := range tables {
		args = append(args, t)
	}
	return s.deleteChunks(ctx,
		`SELECT chunk_id, blob_hash FROM sync_snapshot_chunks WHERE partition_id = ? AND scope IN (`+placeholders+`)`,
		args...)
}

func (s *Store) deleteChunks(ctx context.Context, selectQuery string, args ...any) (int64, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(selectQuery), args...)
	if err != nil {
		return 0, syncerr.Storage(err, "select chunks to delete")
	}

	var ids []string
	var hashes []string
	for rows.Next() {
		var id string
		var hash sql.NullString
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return 0, syncerr.Storage(err, "scan chunk to delete")
		}
		ids = append(ids, id)
		if hash.Valid {
			hashes = append(hashes, hash.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, syncerr.Storage(err, "iterate chunks to delete")
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	delArgs := make([]any, len(ids))
	for i, id := range ids {
		delArgs[i] = id
	}
	if _, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_snapshot_chunks WHERE chunk_id IN (`+placeholders+`)`), delArgs...); err != nil {
		return 0, syncerr.Storage(err, "delete chunks")
	}

	// Deleted chunks may share a body with surviving ones; only orphaned
	// blobs go.
	if s.blobs != nil {
		for _, hash := range hashes {
			var still int
			err := s.db.QueryRowContext(ctx, s.d.Rebind(
				`SELECT COUNT(*) FROM sync_snapshot_chunks WHERE blob_hash = ?`), hash).Scan(&still)
			if err != nil {
				return int64(len(ids)), syncerr.Storage(err, "check blob references")
			}
			if still == 0 {
				if err := s.blobs.Delete(ctx, hash); err != nil {
					return int64(len(ids)), syncerr.Storage(err, "delete orphaned blob %s", hash)
				}
			}
		}
	}

	// Simplest correct cache invalidation for a rare operation.
	s.refs.Purge()
	return int64(len(ids)), nil
}

// CountChunks reports how many chunks a partition currently retains.
func (s *Store) CountChunks(ctx context.Context, partition string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT COUNT(*) FROM sync_snapshot_chunks WHERE partition_id = ?`), partition).Scan(&n)
	if err != nil {
		return 0, syncerr.Storage(err, "count snapshot chunks")
	}
	return n, nil
}
