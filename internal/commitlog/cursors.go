package commitlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rowsync/internal/syncdb"
	"rowsync/internal/syncerr"
)

// SaveCursor upserts a client's catch-up cursor for a partition.
func (s *Store) SaveCursor(ctx context.Context, c Cursor) error {
	if c.PartitionID == "" {
		c.PartitionID = DefaultPartition
	}
	scopesJSON, err := json.Marshal(c.EffectiveScopes)
	if err != nil {
		return fmt.Errorf("marshal effective scopes: %w", err)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, s.d.Rebind(
		`INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, cursor, effective_scopes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (partition_id, client_id) DO UPDATE SET
		 actor_id = excluded.actor_id,
		 cursor = excluded.cursor,
		 effective_scopes = excluded.effective_scopes,
		 updated_at = excluded.updated_at`),
		c.PartitionID, c.ClientID, c.ActorID, c.Cursor, string(scopesJSON), s.d.EncodeTime(c.UpdatedAt),
	)
	if err != nil {
		return syncerr.Storage(err, "save cursor for client %q", c.ClientID)
	}
	return nil
}

// GetCursor reads a client's cursor, reporting found=false when the client
// has never pulled.
func (s *Store) GetCursor(ctx context.Context, partition, clientID string) (Cursor, bool, error) {
	if partition == "" {
		partition = DefaultPartition
	}

	var (
		c          Cursor
		scopesJSON []byte
		updatedAt  syncdb.TimeScanner
	)
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		 FROM sync_client_cursors WHERE partition_id = ? AND client_id = ?`),
		partition, clientID,
	).Scan(&c.PartitionID, &c.ClientID, &c.ActorID, &c.Cursor, &scopesJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, syncerr.Storage(err, "read cursor for client %q", clientID)
	}
	c.UpdatedAt = updatedAt.Time
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &c.EffectiveScopes); err != nil {
			return Cursor{}, false, fmt.Errorf("unmarshal effective scopes: %w", err)
		}
	}
	return c, true, nil
}

// OldestActiveCursor returns the minimum cursor among clients seen since the
// given time. found is false when no client qualifies.
func (s *Store) OldestActiveCursor(ctx context.Context, partition string, activeSince time.Time) (int64, bool, error) {
	var cursor sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(
		`SELECT MIN(cursor) FROM sync_client_cursors WHERE partition_id = ? AND updated_at >= ?`),
		partition, s.d.EncodeTime(activeSince),
	).Scan(&cursor)
	if err != nil {
		return 0, false, syncerr.Storage(err, "read oldest active cursor")
	}
	return cursor.Int64, cursor.Valid, nil
}
