package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync history directions.
const (
	DirectionPush     = "push"
	DirectionPull     = "pull"
	DirectionRealtime = "realtime"
)

// SyncHistoryEntry represents a row from the sync_history table.
type SyncHistoryEntry struct {
	ID         int64
	Direction  string
	ActionType string
	Table      string
	EntityID   string
	ServerSeq  int64
	DeviceID   string
	Timestamp  time.Time
}

// RecordSyncHistoryTx batch-inserts sync history entries through q.
// Returns nil if entries is empty.
func RecordSyncHistoryTx(ctx context.Context, q Querier, entries []SyncHistoryEntry) error {
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO sync_history (direction, action_type, table_name, entity_id, server_seq, device_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.Direction, e.ActionType, e.Table, e.EntityID, e.ServerSeq, e.DeviceID, formatStamp(ts))
		if err != nil {
			return fmt.Errorf("record sync history: %w", err)
		}
	}
	return nil
}

// RecordSyncHistory inserts entries and prunes the table to maxHistoryRows.
func (db *DB) RecordSyncHistory(ctx context.Context, entries []SyncHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.withWriteLock(func() error {
		if err := RecordSyncHistoryTx(ctx, db.conn, entries); err != nil {
			return err
		}
		return PruneSyncHistory(ctx, db.conn, maxHistoryRows)
	})
}

const maxHistoryRows = 10000

func scanHistory(rows *sql.Rows) ([]SyncHistoryEntry, error) {
	defer rows.Close()
	var entries []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.ActionType, &e.Table, &e.EntityID, &e.ServerSeq, &e.DeviceID, &ts); err != nil {
			return nil, err
		}
		at, err := parseStamp(sql.NullString{String: ts, Valid: true})
		if err != nil {
			return nil, err
		}
		e.Timestamp = *at
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSyncHistoryTail returns the last N entries in chronological order (oldest first).
func (db *DB) GetSyncHistoryTail(ctx context.Context, limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, direction, action_type, table_name, entity_id,
		       COALESCE(server_seq, 0), COALESCE(device_id, ''), timestamp
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	entries, err := scanHistory(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GetSyncHistory returns entries with id > afterID, ordered by id ASC, limited to limit.
// Used for follow-mode polling.
func (db *DB) GetSyncHistory(ctx context.Context, afterID int64, limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, direction, action_type, table_name, entity_id,
		       COALESCE(server_seq, 0), COALESCE(device_id, ''), timestamp
		FROM sync_history
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

// PruneSyncHistory deletes rows not in the newest maxRows entries.
func PruneSyncHistory(ctx context.Context, q Querier, maxRows int) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	return err
}
