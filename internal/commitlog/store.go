// Package commitlog is the authoritative ordered append log: commits, their
// change rows, the per-commit affected-table index, and client catch-up
// cursors. Sequence assignment is globally monotonic; per-partition order is
// what pull relies on.
package commitlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"rowsync/internal/syncdb"
	"rowsync/internal/syncerr"
)

// Store reads and writes the sync log tables through a caller-owned pool.
type Store struct {
	db *sql.DB
	d  *syncdb.Dialect
}

func NewStore(db *sql.DB, d *syncdb.Dialect) *Store {
	return &Store{db: db, d: d}
}

// EnsureSchema creates the sync tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.d.EnsureSchema(ctx, s.db)
}

// DB exposes the underlying pool for handlers and sibling stores sharing the
// same schema.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect exposes the database-family descriptor.
func (s *Store) Dialect() *syncdb.Dialect { return s.d }

// AppendCommit appends one commit with its changes and table index rows in a
// single transaction. If (partition, clientID, clientCommitID) already
// exists, the existing sequence is returned with Deduped set and nothing is
// written. Serialization conflicts retry bounded with jitter.
func (s *Store) AppendCommit(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if req.Partition == "" {
		req.Partition = DefaultPartition
	}

	var res AppendResult
	err := syncdb.WithRetry(ctx, s.d, "commitlog.append", func() error {
		r, err := s.appendOnce(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return AppendResult{}, ctx.Err()
		}
		return AppendResult{}, syncerr.Storage(err, "append commit for client %q", req.ClientID)
	}
	return res, nil
}

func (s *Store) appendOnce(ctx context.Context, req AppendRequest) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	res, err := s.AppendInTx(ctx, tx, req)
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append tx: %w", err)
	}
	return res, nil
}

// AppendInTx appends a commit inside a caller-owned transaction so handler
// writes and the log append commit or roll back together. The caller owns
// commit/rollback and any retry on serialization conflict.
func (s *Store) AppendInTx(ctx context.Context, tx *sql.Tx, req AppendRequest) (AppendResult, error) {
	if req.Partition == "" {
		req.Partition = DefaultPartition
	}

	var existing int64
	err := tx.QueryRowContext(ctx, s.d.Rebind(
		`SELECT commit_seq FROM sync_commits WHERE partition_id = ? AND client_id = ? AND client_commit_id = ?`),
		req.Partition, req.ClientID, req.ClientCommitID,
	).Scan(&existing)
	switch {
	case err == nil:
		return AppendResult{CommitSeq: existing, Deduped: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return AppendResult{}, fmt.Errorf("check commit idempotency: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(commit_seq) FROM sync_commits`).Scan(&maxSeq); err != nil {
		return AppendResult{}, fmt.Errorf("read latest commit seq: %w", err)
	}
	seq := maxSeq.Int64 + 1

	affected := distinctTables(req.Changes)
	affectedJSON, err := json.Marshal(affected)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshal affected tables: %w", err)
	}
	metaJSON, err := marshalOrNil(req.Meta)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshal commit meta: %w", err)
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_commits
		 (commit_seq, partition_id, actor_id, client_id, client_commit_id, created_at, meta, result_json, change_count, affected_tables)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		seq, req.Partition, req.ActorID, req.ClientID, req.ClientCommitID,
		s.d.EncodeTime(now), metaJSON, rawOrNil(req.ResultJSON), len(req.Changes), string(affectedJSON),
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert commit: %w", err)
	}

	for i := range req.Changes {
		ch := &req.Changes[i]
		rowJSON, err := marshalOrNil(ch.RowJSON)
		if err != nil {
			return AppendResult{}, fmt.Errorf("marshal row json: %w", err)
		}
		scopesJSON, err := json.Marshal(nonNilScopes(ch.Scopes))
		if err != nil {
			return AppendResult{}, fmt.Errorf("marshal change scopes: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_changes (commit_seq, partition_id, tbl, row_id, op, row_json, row_version, scopes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			seq, req.Partition, ch.Table, ch.RowID, ch.Op, rowJSON, ch.RowVersion, string(scopesJSON),
		)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert change for %s/%s: %w", ch.Table, ch.RowID, err)
		}
	}

	for _, table := range affected {
		_, err = tx.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_table_commits (commit_seq, partition_id, tbl) VALUES (?, ?, ?)`),
			seq, req.Partition, table,
		)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert table commit for %s: %w", table, err)
		}
	}
	return AppendResult{CommitSeq: seq}, nil
}

// AppendExternal appends a synthetic zero-change commit marking out-of-band
// data changes to the given tables.
func (s *Store) AppendExternal(ctx context.Context, partition, clientCommitID string, tables []string) (AppendResult, error) {
	changes := make([]Change, 0)
	req := AppendRequest{
		Partition:      partition,
		ActorID:        ExternalClientID,
		ClientID:       ExternalClientID,
		ClientCommitID: clientCommitID,
		Changes:        changes,
	}

	// A zero-change commit carries its affected tables explicitly.
	var res AppendResult
	err := syncdb.WithRetry(ctx, s.d, "commitlog.append_external", func() error {
		r, err := s.appendExternalOnce(ctx, req, tables)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return AppendResult{}, ctx.Err()
		}
		return AppendResult{}, syncerr.Storage(err, "append external commit")
	}
	return res, nil
}

func (s *Store) appendExternalOnce(ctx context.Context, req AppendRequest, tables []string) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(commit_seq) FROM sync_commits`).Scan(&maxSeq); err != nil {
		return AppendResult{}, fmt.Errorf("read latest commit seq: %w", err)
	}
	seq := maxSeq.Int64 + 1

	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)
	affectedJSON, err := json.Marshal(sorted)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshal affected tables: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_commits
		 (commit_seq, partition_id, actor_id, client_id, client_commit_id, created_at, meta, result_json, change_count, affected_tables)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?)`),
		seq, req.Partition, req.ActorID, req.ClientID, req.ClientCommitID,
		s.d.EncodeTime(time.Now().UTC()), string(affectedJSON),
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert external commit: %w", err)
	}

	for _, table := range sorted {
		_, err = tx.ExecContext(ctx, s.d.Rebind(
			`INSERT INTO sync_table_commits (commit_seq, partition_id, tbl) VALUES (?, ?, ?)`),
			seq, req.Partition, table,
		)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert table commit for %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append tx: %w", err)
	}
	return AppendResult{CommitSeq: seq}, nil
}

// ReadCommits returns commits in ascending sequence with their changes,
// starting strictly above cursorExclusive. A non-empty tableFilter restricts
// to commits touching at least one of those tables via the table index.
func (s *Store) ReadCommits(ctx context.Context, partition string, cursorExclusive int64, tableFilter []string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		query string
		args  []any
	)
	if len(tableFilter) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tableFilter)), ",")
		query = `SELECT DISTINCT c.commit_seq, c.partition_id, c.actor_id, c.client_id, c.client_commit_id,
			c.created_at, c.meta, c.result_json, c.change_count, c.affected_tables
			FROM sync_commits c
			JOIN sync_table_commits tc ON tc.commit_seq = c.commit_seq AND tc.partition_id = c.partition_id
			WHERE c.partition_id = ? AND c.commit_seq > ? AND tc.tbl IN (` + placeholders + `)
			ORDER BY c.commit_seq ASC LIMIT ?`
		args = append(args, partition, cursorExclusive)
		for _, t := range tableFilter {
			args = append(args, t)
		}
		args = append(args, limit)
	} else {
		query = `SELECT commit_seq, partition_id, actor_id, client_id, client_commit_id,
			created_at, meta, result_json, change_count, affected_tables
			FROM sync_commits
			WHERE partition_id = ? AND commit_seq > ?
			ORDER BY commit_seq ASC LIMIT ?`
		args = append(args, partition, cursorExclusive, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, syncerr.Storage(err, "read commits above %d", cursorExclusive)
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(err, "iterate commit rows")
	}

	if err := s.attachChanges(ctx, partition, commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// GetCommit fetches a single commit with its changes.
func (s *Store) GetCommit(ctx context.Context, partition string, seq int64) (Commit, bool, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT commit_seq, partition_id, actor_id, client_id, client_commit_id,
		 created_at, meta, result_json, change_count, affected_tables
		 FROM sync_commits WHERE partition_id = ? AND commit_seq = ?`),
		partition, seq)
	c, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, false, nil
	}
	if err != nil {
		return Commit{}, false, err
	}
	commits := []Commit{c}
	if err := s.attachChanges(ctx, partition, commits); err != nil {
		return Commit{}, false, err
	}
	return commits[0], true, nil
}

// FindByIdempotencyKey returns the commit previously appended under the
// client's commit id, if any.
func (s *Store) FindByIdempotencyKey(ctx context.Context, partition, clientID, clientCommitID string) (Commit, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT commit_seq FROM sync_commits WHERE partition_id = ? AND client_id = ? AND client_commit_id = ?`),
		partition, clientID, clientCommitID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, false, nil
	}
	if err != nil {
		return Commit{}, false, syncerr.Storage(err, "look up commit by idempotency key")
	}
	return s.GetCommit(ctx, partition, seq)
}

// LatestCommitSeq returns the newest sequence in the partition, 0 when the
// log is empty.
func (s *Store) LatestCommitSeq(ctx context.Context, partition string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT MAX(commit_seq) FROM sync_commits WHERE partition_id = ?`), partition).Scan(&seq)
	if err != nil {
		return 0, syncerr.Storage(err, "read latest commit seq")
	}
	return seq.Int64, nil
}

// OldestRetainedCommitSeq returns the oldest sequence still present in the
// partition, 0 when the log is empty.
func (s *Store) OldestRetainedCommitSeq(ctx context.Context, partition string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT MIN(commit_seq) FROM sync_commits WHERE partition_id = ?`), partition).Scan(&seq)
	if err != nil {
		return 0, syncerr.Storage(err, "read oldest retained commit seq")
	}
	return seq.Int64, nil
}

// ExternalCommitTables returns the union of tables affected by external
// (synthetic) commits with sequence strictly above cursor, along with the
// highest such sequence.
func (s *Store) ExternalCommitTables(ctx context.Context, partition string, cursor int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT tc.tbl, MAX(tc.commit_seq)
		 FROM sync_table_commits tc
		 JOIN sync_commits c ON c.commit_seq = tc.commit_seq AND c.partition_id = tc.partition_id
		 WHERE tc.partition_id = ? AND tc.commit_seq > ? AND c.client_id = ?
		 GROUP BY tc.tbl`),
		partition, cursor, ExternalClientID)
	if err != nil {
		return nil, syncerr.Storage(err, "read external commit tables")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var table string
		var seq int64
		if err := rows.Scan(&table, &seq); err != nil {
			return nil, syncerr.Storage(err, "scan external commit table")
		}
		out[table] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(err, "iterate external commit tables")
	}
	return out, nil
}

func (s *Store) attachChanges(ctx context.Context, partition string, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}

	bySeq := make(map[int64]*Commit, len(commits))
	args := make([]any, 0, len(commits)+1)
	args = append(args, partition)
	placeholders := make([]string, 0, len(commits))
	for i := range commits {
		bySeq[commits[i].CommitSeq] = &commits[i]
		placeholders = append(placeholders, "?")
		args = append(args, commits[i].CommitSeq)
	}

	rows, err := s.db.QueryContext(ctx, s.d.Rebind(
		`SELECT change_id, commit_seq, partition_id, tbl, row_id, op, row_json, row_version, scopes
		 FROM sync_changes
		 WHERE partition_id = ? AND commit_seq IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY commit_seq ASC, change_id ASC`), args...)
	if err != nil {
		return syncerr.Storage(err, "read changes for commits")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ch         Change
			rowJSON    []byte
			rowVersion sql.NullInt64
			scopesJSON []byte
		)
		if err := rows.Scan(&ch.ChangeID, &ch.CommitSeq, &ch.PartitionID, &ch.Table, &ch.RowID, &ch.Op, &rowJSON, &rowVersion, &scopesJSON); err != nil {
			return syncerr.Storage(err, "scan change row")
		}
		if len(rowJSON) > 0 {
			if err := json.Unmarshal(rowJSON, &ch.RowJSON); err != nil {
				return fmt.Errorf("unmarshal row json for change %d: %w", ch.ChangeID, err)
			}
		}
		if rowVersion.Valid {
			v := rowVersion.Int64
			ch.RowVersion = &v
		}
		if len(scopesJSON) > 0 {
			if err := json.Unmarshal(scopesJSON, &ch.Scopes); err != nil {
				return fmt.Errorf("unmarshal scopes for change %d: %w", ch.ChangeID, err)
			}
		}
		if c, ok := bySeq[ch.CommitSeq]; ok {
			c.Changes = append(c.Changes, ch)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(row rowScanner) (Commit, error) {
	var (
		c            Commit
		createdAt    syncdb.TimeScanner
		metaJSON     []byte
		resultJSON   []byte
		affectedJSON []byte
	)
	err := row.Scan(&c.CommitSeq, &c.PartitionID, &c.ActorID, &c.ClientID, &c.ClientCommitID,
		&createdAt, &metaJSON, &resultJSON, &c.ChangeCount, &affectedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, err
	}
	if err != nil {
		return Commit{}, syncerr.Storage(err, "scan commit row")
	}
	c.CreatedAt = createdAt.Time
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &c.Meta); err != nil {
			return Commit{}, fmt.Errorf("unmarshal commit meta: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		c.ResultJSON = json.RawMessage(append([]byte(nil), resultJSON...))
	}
	if len(affectedJSON) > 0 {
		if err := json.Unmarshal(affectedJSON, &c.AffectedTables); err != nil {
			return Commit{}, fmt.Errorf("unmarshal affected tables: %w", err)
		}
	}
	return c, nil
}

func distinctTables(changes []Change) []string {
	seen := make(map[string]struct{}, len(changes))
	var tables []string
	for _, ch := range changes {
		if _, ok := seen[ch.Table]; ok {
			continue
		}
		seen[ch.Table] = struct{}{}
		tables = append(tables, ch.Table)
	}
	sort.Strings(tables)
	return tables
}

func marshalOrNil(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nonNilScopes(scopes map[string]string) map[string]string {
	if scopes == nil {
		return map[string]string{}
	}
	return scopes
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
