package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ConflictRecord is one resolved conflict kept for auditing.
type ConflictRecord struct {
	ID         int64
	Table      string
	EntityID   string
	Source     string // "pull" or "realtime"
	Fields     []string
	LocalData  string
	RemoteData string
	MergedData string
	ResolvedAt time.Time
}

// RecordConflictTx inserts rec through q. A zero ResolvedAt means now.
func RecordConflictTx(ctx context.Context, q Querier, rec ConflictRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	at := rec.ResolvedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sync_conflicts (table_name, entity_id, source, fields, local_data, remote_data, merged_data, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Table, rec.EntityID, rec.Source, string(fields),
		nullIfEmpty(rec.LocalData), nullIfEmpty(rec.RemoteData), nullIfEmpty(rec.MergedData), formatStamp(at))
	if err != nil {
		return fmt.Errorf("record conflict %s/%s: %w", rec.Table, rec.EntityID, err)
	}
	return nil
}

// RecordConflict inserts rec.
func (db *DB) RecordConflict(ctx context.Context, rec ConflictRecord) error {
	return db.withWriteLock(func() error {
		return RecordConflictTx(ctx, db.conn, rec)
	})
}

// GetRecentConflicts returns recent conflicts, most recent first.
// If since is non-nil, only conflicts at or after that time are returned.
func (db *DB) GetRecentConflicts(ctx context.Context, limit int, since *time.Time) ([]ConflictRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id, table_name, entity_id, source, fields,
		COALESCE(local_data, 'null'), COALESCE(remote_data, 'null'), COALESCE(merged_data, 'null'), resolved_at
		FROM sync_conflicts`
	if since != nil {
		rows, err = db.conn.QueryContext(ctx, cols+` WHERE resolved_at >= ? ORDER BY resolved_at DESC, id DESC LIMIT ?`,
			formatStamp(*since), limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, cols+` ORDER BY resolved_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var fields, ts string
		if err := rows.Scan(&c.ID, &c.Table, &c.EntityID, &c.Source, &fields, &c.LocalData, &c.RemoteData, &c.MergedData, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return nil, fmt.Errorf("decode conflict fields: %w", err)
		}
		at, err := parseStamp(sql.NullString{String: ts, Valid: true})
		if err != nil {
			return nil, err
		}
		c.ResolvedAt = *at
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
