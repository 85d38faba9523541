package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/models"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseStamp(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := models.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SyncState is the replica's pull checkpoint and last sync times.
type SyncState struct {
	LastPulledSeq int64
	LastSyncAt    *time.Time
	LastPushedAt  *time.Time
}

// GetSyncState returns the sync state; a fresh replica has a zero checkpoint.
func (db *DB) GetSyncState(ctx context.Context) (*SyncState, error) {
	var s SyncState
	var lastSync, lastPush sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT last_pulled_seq, last_sync_at, last_pushed_at FROM sync_state WHERE id = 1
	`).Scan(&s.LastPulledSeq, &lastSync, &lastPush)
	if err == sql.ErrNoRows {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	if s.LastSyncAt, err = parseStamp(lastSync); err != nil {
		return nil, err
	}
	if s.LastPushedAt, err = parseStamp(lastPush); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetCheckpoint returns the server sequence the last fully applied pull reached.
func (db *DB) GetCheckpoint(ctx context.Context) (int64, error) {
	s, err := db.GetSyncState(ctx)
	if err != nil {
		return 0, err
	}
	return s.LastPulledSeq, nil
}

// SetCheckpointTx stores seq as the pull checkpoint through q.
func SetCheckpointTx(ctx context.Context, q Querier, seq int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_pulled_seq, last_sync_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_pulled_seq = excluded.last_pulled_seq, last_sync_at = excluded.last_sync_at
	`, seq, formatStamp(at))
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// SetCheckpoint stores seq as the pull checkpoint.
func (db *DB) SetCheckpoint(ctx context.Context, seq int64) error {
	return db.withWriteLock(func() error {
		return SetCheckpointTx(ctx, db.conn, seq, time.Now())
	})
}

// MarkPushed records the time of the last successful push.
func (db *DB) MarkPushed(ctx context.Context, at time.Time) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO sync_state (id, last_pushed_at, last_sync_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET last_pushed_at = excluded.last_pushed_at, last_sync_at = excluded.last_sync_at
		`, formatStamp(at), formatStamp(at))
		return err
	})
}

// ClearSyncState resets the checkpoint so the next pull starts from the beginning.
func (db *DB) ClearSyncState(ctx context.Context) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM sync_state`)
		return err
	})
}
