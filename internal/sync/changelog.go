package sync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/conflict"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

// InitServerChangeLog creates the server-side tables if they don't exist.
// rows holds the canonical state per user; changes is the ordered log clients
// pull from; push_keys remembers every decided push so retries are idempotent.
func InitServerChangeLog(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS changes (
			server_seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id           TEXT NOT NULL,
			device_id         TEXT NOT NULL,
			table_name        TEXT NOT NULL,
			entity_id         TEXT NOT NULL,
			event_type        TEXT NOT NULL,
			record            JSON,
			old               JSON,
			server_timestamp  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_changes_user_seq ON changes(user_id, server_seq);

		CREATE TABLE IF NOT EXISTS rows (
			user_id     TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			id          TEXT NOT NULL,
			data        JSON NOT NULL,
			updated_at  TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			deleted     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, table_name, id)
		);

		CREATE TABLE IF NOT EXISTS push_keys (
			user_id     TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			change_key  TEXT NOT NULL,
			server_seq  INTEGER NOT NULL,
			applied     INTEGER NOT NULL,
			PRIMARY KEY (user_id, device_id, change_key)
		);
	`)
	if err != nil {
		return fmt.Errorf("init change log: %w", err)
	}
	return nil
}

// storedRow is a canonical row as the server keeps it.
type storedRow struct {
	data      map[string]any
	updatedAt time.Time
	deviceID  string
	deleted   bool
}

func getStoredRow(tx *sql.Tx, userID, table, id string) (*storedRow, error) {
	var data, updatedAt string
	var row storedRow
	err := tx.QueryRow(
		`SELECT data, updated_at, device_id, deleted FROM rows WHERE user_id = ? AND table_name = ? AND id = ?`,
		userID, table, id,
	).Scan(&data, &updatedAt, &row.deviceID, &row.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get row %s/%s: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(data), &row.data); err != nil {
		return nil, fmt.Errorf("decode row %s/%s: %w", table, id, err)
	}
	row.updatedAt, err = models.ParseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("row %s/%s: %w", table, id, err)
	}
	return &row, nil
}

func putStoredRow(tx *sql.Tx, userID, table, id string, row *storedRow) error {
	data, err := json.Marshal(row.data)
	if err != nil {
		return fmt.Errorf("encode row %s/%s: %w", table, id, err)
	}
	_, err = tx.Exec(`
		INSERT INTO rows (user_id, table_name, id, data, updated_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, table_name, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted
	`, userID, table, id, string(data), models.FormatTime(row.updatedAt), row.deviceID, row.deleted)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", table, id, err)
	}
	return nil
}

// canonical returns the client-visible record of a row, nil when deleted.
func (r *storedRow) canonical() map[string]any {
	if r == nil || r.deleted {
		return nil
	}
	return copyRecord(r.data)
}

func copyRecord(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// InsertServerChanges decides every change of a push batch within tx.
// Each entity is resolved against the stored row: deletes and plain fields
// by last-writer-wins on (updated_at, device_id), additive fields by adding
// the client's delta. Writes that lose are acked with Applied=false and the
// current row so the client can converge. Replayed keys are acked as
// duplicates.
func InsertServerChanges(tx *sql.Tx, userID string, batch PushBatch, registry *conflict.Registry, now time.Time) (PushResult, error) {
	var result PushResult

	for _, ch := range batch.Changes {
		key := ch.Key()
		device := ch.DeviceID
		if device == "" {
			device = batch.DeviceID
		}
		table, ok := events.NormalizeTable(ch.Table)
		switch {
		case device == "":
			result.Rejected = append(result.Rejected, rejection(ch, "empty device_id"))
			continue
		case ch.EntityID == "":
			result.Rejected = append(result.Rejected, rejection(ch, "empty entity_id"))
			continue
		case key == "":
			result.Rejected = append(result.Rejected, rejection(ch, "empty change key"))
			continue
		case !ok:
			result.Rejected = append(result.Rejected, rejection(ch, fmt.Sprintf("unknown table %q", ch.Table)))
			continue
		}
		ch.Table = string(table)

		var seenSeq int64
		var seenApplied bool
		err := tx.QueryRow(
			`SELECT server_seq, applied FROM push_keys WHERE user_id = ? AND device_id = ? AND change_key = ?`,
			userID, device, key,
		).Scan(&seenSeq, &seenApplied)
		if err == nil {
			row, err := getStoredRow(tx, userID, ch.Table, ch.EntityID)
			if err != nil {
				return result, err
			}
			slog.Debug("duplicate push", "key", key, "seq", seenSeq)
			result.Acks = append(result.Acks, Ack{
				Table: ch.Table, EntityID: ch.EntityID, Key: key,
				ServerSeq: seenSeq, Applied: seenApplied, Duplicate: true,
				Deleted: row == nil || row.deleted, Record: row.canonical(),
			})
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return result, fmt.Errorf("lookup key %s: %w", key, err)
		}

		stored, err := getStoredRow(tx, userID, ch.Table, ch.EntityID)
		if err != nil {
			return result, err
		}
		next, event := decide(ch, device, stored, registry.Fields(ch.Table))

		ack := Ack{Table: ch.Table, EntityID: ch.EntityID, Key: key}
		if next != nil {
			if err := putStoredRow(tx, userID, ch.Table, ch.EntityID, next); err != nil {
				return result, err
			}
			change := models.Change{Table: ch.Table, EventType: event, EntityID: ch.EntityID}
			if event == events.ActionDelete {
				change.Old = copyRecord(next.data)
				change.Old[models.FieldUpdatedAt] = models.FormatTime(next.updatedAt)
				change.Old[models.FieldDeviceID] = next.deviceID
			} else {
				change.New = copyRecord(next.data)
				if stored != nil && !stored.deleted {
					change.Old = copyRecord(stored.data)
				}
			}
			seq, err := appendChange(tx, userID, next.deviceID, change, now)
			if err != nil {
				return result, err
			}
			change.Seq = seq
			result.Changes = append(result.Changes, change)
			ack.ServerSeq = seq
			ack.Applied = true
			stored = next
		}
		ack.Deleted = stored == nil || stored.deleted
		ack.Record = stored.canonical()

		if _, err := tx.Exec(
			`INSERT INTO push_keys (user_id, device_id, change_key, server_seq, applied) VALUES (?, ?, ?, ?, ?)`,
			userID, device, key, ack.ServerSeq, ack.Applied,
		); err != nil {
			return result, fmt.Errorf("record key %s: %w", key, err)
		}

		slog.Debug("change decided", "table", ch.Table, "entity_id", ch.EntityID, "applied", ack.Applied, "seq", ack.ServerSeq)
		result.Acks = append(result.Acks, ack)
	}

	return result, nil
}

func rejection(ch PushChange, reason string) Rejection {
	return Rejection{Table: ch.Table, EntityID: ch.EntityID, Key: ch.Key(), Reason: reason}
}

// decide computes the row after applying ch, or nil when nothing changes.
func decide(ch PushChange, device string, stored *storedRow, additive conflict.FieldSet) (*storedRow, events.ActionType) {
	incomingAt := ch.UpdatedAt
	wins := stored == nil ||
		conflict.Beats(incomingAt, device, stored.updatedAt, stored.deviceID)

	if ch.Action == events.ActionDelete {
		if stored == nil || stored.deleted || !wins {
			return nil, ""
		}
		return &storedRow{data: copyRecord(stored.data), updatedAt: incomingAt, deviceID: device, deleted: true}, events.ActionDelete
	}

	if stored == nil || stored.deleted {
		if !wins {
			return nil, ""
		}
		data := map[string]any{}
		for k, v := range ch.Record {
			data[k] = models.NormalizeValue(v)
		}
		stamp(data, ch.EntityID, incomingAt, device)
		return &storedRow{data: data, updatedAt: incomingAt, deviceID: device}, events.ActionCreate
	}

	data := copyRecord(stored.data)
	changed := false
	for k, v := range ch.Record {
		if models.IsMetadataField(k) {
			continue
		}
		if additive[k] {
			if base, ok := ch.Base[k]; ok {
				if sum, ok := addDelta(data[k], v, base); ok {
					if !models.ValuesEqual(data[k], sum) {
						data[k] = sum
						changed = true
					}
					continue
				}
			}
		}
		if wins && !models.ValuesEqual(data[k], v) {
			data[k] = models.NormalizeValue(v)
			changed = true
		}
	}
	if !changed {
		return nil, ""
	}

	// The row changed, so the pushing device is its last writer. The claim
	// never moves backwards.
	at := stored.updatedAt
	if incomingAt.After(at) {
		at = incomingAt
	}
	stamp(data, ch.EntityID, at, device)
	return &storedRow{data: data, updatedAt: at, deviceID: device}, events.ActionUpdate
}

func stamp(data map[string]any, id string, at time.Time, device string) {
	data[models.FieldID] = id
	data[models.FieldUpdatedAt] = models.FormatTime(at)
	data[models.FieldDeviceID] = device
}

// addDelta returns stored + (incoming - base) when all three are numbers.
func addDelta(stored, incoming, base any) (float64, bool) {
	s, ok1 := models.NormalizeValue(stored).(float64)
	in, ok2 := models.NormalizeValue(incoming).(float64)
	b, ok3 := models.NormalizeValue(base).(float64)
	if !ok2 || !ok3 {
		return 0, false
	}
	if !ok1 {
		if stored != nil {
			return 0, false
		}
		s = 0
	}
	return s + (in - b), true
}

func appendChange(tx *sql.Tx, userID, deviceID string, ch models.Change, now time.Time) (int64, error) {
	var record, old any
	if ch.New != nil {
		data, err := json.Marshal(ch.New)
		if err != nil {
			return 0, fmt.Errorf("encode change: %w", err)
		}
		record = string(data)
	}
	if ch.Old != nil {
		data, err := json.Marshal(ch.Old)
		if err != nil {
			return 0, fmt.Errorf("encode change: %w", err)
		}
		old = string(data)
	}
	res, err := tx.Exec(
		`INSERT INTO changes (user_id, device_id, table_name, entity_id, event_type, record, old, server_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, deviceID, ch.Table, ch.EntityID, string(ch.EventType), record, old, models.FormatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert change %s/%s: %w", ch.Table, ch.EntityID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return seq, nil
}

// GetChangesSince retrieves a user's changes after the given sequence number.
// If excludeDevice is non-empty, changes written by that device are filtered out.
func GetChangesSince(tx *sql.Tx, userID string, afterSeq int64, limit int, excludeDevice string) (PullResult, error) {
	var result PullResult
	result.LastServerSeq = afterSeq

	var rows *sql.Rows
	var err error

	if excludeDevice != "" {
		rows, err = tx.Query(
			`SELECT server_seq, table_name, entity_id, event_type, record, old
			 FROM changes WHERE user_id = ? AND server_seq > ? AND device_id != ? ORDER BY server_seq ASC LIMIT ?`,
			userID, afterSeq, excludeDevice, limit,
		)
	} else {
		rows, err = tx.Query(
			`SELECT server_seq, table_name, entity_id, event_type, record, old
			 FROM changes WHERE user_id = ? AND server_seq > ? ORDER BY server_seq ASC LIMIT ?`,
			userID, afterSeq, limit,
		)
	}
	if err != nil {
		return result, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch models.Change
		var event string
		var record, old sql.NullString
		if err := rows.Scan(&ch.Seq, &ch.Table, &ch.EntityID, &event, &record, &old); err != nil {
			return result, fmt.Errorf("scan change: %w", err)
		}
		ch.EventType = events.ActionType(event)
		if record.Valid {
			if err := json.Unmarshal([]byte(record.String), &ch.New); err != nil {
				return result, fmt.Errorf("decode change seq=%d: %w", ch.Seq, err)
			}
		}
		if old.Valid {
			if err := json.Unmarshal([]byte(old.String), &ch.Old); err != nil {
				return result, fmt.Errorf("decode change seq=%d: %w", ch.Seq, err)
			}
		}
		result.Changes = append(result.Changes, ch)
		result.LastServerSeq = ch.Seq
	}
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("rows iteration: %w", err)
	}

	result.HasMore = len(result.Changes) == limit
	return result, nil
}

// GetServerStatus summarizes a user's change log.
func GetServerStatus(tx *sql.Tx, userID string) (ServerStatus, error) {
	var st ServerStatus
	var last sql.NullString
	err := tx.QueryRow(
		`SELECT COUNT(*), COALESCE(MAX(server_seq), 0), MAX(server_timestamp) FROM changes WHERE user_id = ?`,
		userID,
	).Scan(&st.ChangeCount, &st.LastServerSeq, &last)
	if err != nil {
		return st, fmt.Errorf("server status: %w", err)
	}
	if last.Valid {
		t, err := models.ParseTime(last.String)
		if err != nil {
			return st, fmt.Errorf("server status: %w", err)
		}
		st.LastChangeTime = &t
	}
	return st, nil
}
