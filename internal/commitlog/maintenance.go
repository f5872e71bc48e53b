package commitlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rowsync/internal/syncerr"
)

// SeqAtOrBefore returns the newest sequence created at or before t, reporting
// found=false when no commit is that old.
func (s *Store) SeqAtOrBefore(ctx context.Context, partition string, t time.Time) (int64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT MAX(commit_seq) FROM sync_commits WHERE partition_id = ? AND created_at <= ?`),
		partition, s.d.EncodeTime(t),
	).Scan(&seq)
	if err != nil {
		return 0, false, syncerr.Storage(err, "read seq at or before %s", t.Format(time.RFC3339))
	}
	return seq.Int64, seq.Valid, nil
}

// NthNewestSeq returns the sequence of the n-th newest commit in the
// partition (1 = newest). found is false when fewer than n commits exist.
func (s *Store) NthNewestSeq(ctx context.Context, partition string, n int) (int64, bool, error) {
	if n < 1 {
		n = 1
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT commit_seq FROM sync_commits WHERE partition_id = ?
		 ORDER BY commit_seq DESC LIMIT 1 OFFSET ?`),
		partition, n-1,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, syncerr.Storage(err, "read nth newest seq")
	}
	return seq, true, nil
}

// PruneBelow deletes commits with sequence strictly below the watermark.
// Changes and table-commit rows cascade. Returns the number of commits
// deleted.
func (s *Store) PruneBelow(ctx context.Context, partition string, watermark int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_commits WHERE partition_id = ? AND commit_seq < ?`),
		partition, watermark,
	)
	if err != nil {
		return 0, syncerr.Storage(err, "prune commits below %d", watermark)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CompactBefore collapses per-(table, rowId) change history at or below
// cutoffSeq to the latest entry per row, keeping commit rows intact and
// refreshing their change counts. Returns the number of change rows removed.
func (s *Store) CompactBefore(ctx context.Context, partition string, cutoffSeq int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, syncerr.Storage(err, "begin compact tx")
	}
	defer tx.Rollback()

	// A change at or below the cutoff is superseded when any later change
	// exists for the same row (later commit, or later change in the same
	// commit).
	res, err := tx.ExecContext(ctx, s.d.Rebind(
		`DELETE FROM sync_changes
		 WHERE partition_id = ? AND commit_seq <= ?
		 AND EXISTS (
			SELECT 1 FROM sync_changes later
			WHERE later.partition_id = sync_changes.partition_id
			AND later.tbl = sync_changes.tbl
			AND later.row_id = sync_changes.row_id
			AND (later.commit_seq > sync_changes.commit_seq
				OR (later.commit_seq = sync_changes.commit_seq AND later.change_id > sync_changes.change_id))
		 )`),
		partition, cutoffSeq,
	)
	if err != nil {
		return 0, syncerr.Storage(err, "compact changes before %d", cutoffSeq)
	}
	removed, _ := res.RowsAffected()

	if removed > 0 {
		// Commit rows survive to keep sequences dense; their counts must
		// track the surviving change rows.
		_, err = tx.ExecContext(ctx, s.d.Rebind(
			`UPDATE sync_commits SET change_count = (
				SELECT COUNT(*) FROM sync_changes
				WHERE sync_changes.commit_seq = sync_commits.commit_seq
			 )
			 WHERE partition_id = ? AND commit_seq <= ?`),
			partition, cutoffSeq,
		)
		if err != nil {
			return 0, syncerr.Storage(err, "refresh change counts after compact")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, syncerr.Storage(err, "commit compact tx")
	}
	return removed, nil
}

// Partitions lists the distinct partition ids present in the log.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT partition_id FROM sync_commits ORDER BY partition_id`)
	if err != nil {
		return nil, syncerr.Storage(err, "list partitions")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, syncerr.Storage(err, "scan partition id")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountCommits returns the number of commits retained for a partition.
func (s *Store) CountCommits(ctx context.Context, partition string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT COUNT(*) FROM sync_commits WHERE partition_id = ?`), partition).Scan(&n)
	if err != nil {
		return 0, syncerr.Storage(err, "count commits")
	}
	return n, nil
}
