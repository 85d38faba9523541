package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prabhask5/stellar-sub000/internal/models"
)

// GetEntityTx reads one entity through q. A missing row returns (nil, nil).
func GetEntityTx(ctx context.Context, q Querier, table, id string) (*models.Entity, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE table_name = ? AND id = ?`, table, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return decodeEntity(table, data)
}

// PutEntityTx upserts e through q and clears any pending-delete flag.
func PutEntityTx(ctx context.Context, q Querier, e *models.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", e.Table, e.ID, err)
	}
	updatedAt := ""
	if !e.UpdatedAt.IsZero() {
		updatedAt = models.FormatTime(e.UpdatedAt)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (table_name, id, data, updated_at, device_id, pending_delete)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(table_name, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			device_id = excluded.device_id,
			pending_delete = 0
	`, e.Table, e.ID, string(data), updatedAt, e.DeviceID)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Table, e.ID, err)
	}
	return nil
}

// DeleteEntityTx removes an entity through q. Deleting a missing row is not an error.
func DeleteEntityTx(ctx context.Context, q Querier, table, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM entities WHERE table_name = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

func decodeEntity(table, data string) (*models.Entity, error) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", table, err)
	}
	return models.FromRecord(table, rec)
}

// Get returns the entity or nil when it does not exist.
func (db *DB) Get(ctx context.Context, table, id string) (*models.Entity, error) {
	return GetEntityTx(ctx, db.conn, table, id)
}

// Put upserts an entity.
func (db *DB) Put(ctx context.Context, e *models.Entity) error {
	return db.withWriteLock(func() error {
		return PutEntityTx(ctx, db.conn, e)
	})
}

// Delete removes an entity.
func (db *DB) Delete(ctx context.Context, table, id string) error {
	return db.withWriteLock(func() error {
		return DeleteEntityTx(ctx, db.conn, table, id)
	})
}

// MarkPendingDelete flags (or unflags) an entity as about to be removed, so
// readers can animate it out before the row disappears. Missing rows are ignored.
func (db *DB) MarkPendingDelete(ctx context.Context, table, id string, pending bool) error {
	flag := 0
	if pending {
		flag = 1
	}
	return db.withWriteLock(func() error {
		_, err := db.conn.ExecContext(ctx,
			`UPDATE entities SET pending_delete = ? WHERE table_name = ? AND id = ?`, flag, table, id)
		if err != nil {
			return fmt.Errorf("mark pending delete %s/%s: %w", table, id, err)
		}
		return nil
	})
}

// IsPendingDelete reports whether the entity carries the pending-delete flag.
func (db *DB) IsPendingDelete(ctx context.Context, table, id string) (bool, error) {
	var flag int
	err := db.conn.QueryRowContext(ctx,
		`SELECT pending_delete FROM entities WHERE table_name = ? AND id = ?`, table, id,
	).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// List returns the entities of table ordered by id, or every entity when
// table is empty (ordered by table, then id).
func (db *DB) List(ctx context.Context, table string) ([]*models.Entity, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if table == "" {
		rows, err = db.conn.QueryContext(ctx, `SELECT table_name, data FROM entities ORDER BY table_name, id`)
	} else {
		rows, err = db.conn.QueryContext(ctx, `SELECT table_name, data FROM entities WHERE table_name = ? ORDER BY id`, table)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		var tbl, data string
		if err := rows.Scan(&tbl, &data); err != nil {
			return nil, err
		}
		e, err := decodeEntity(tbl, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEntities returns the number of rows per table.
func (db *DB) CountEntities(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT table_name, COUNT(*) FROM entities GROUP BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var tbl string
		var n int
		if err := rows.Scan(&tbl, &n); err != nil {
			return nil, err
		}
		counts[tbl] = n
	}
	return counts, rows.Err()
}
