// Package queue is the local mutation queue: every write a device makes is
// applied to the replica and recorded here until the remote store confirms it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	"github.com/prabhask5/stellar-sub000/internal/recent"
)

// EntityRef names an entity with queued operations.
type EntityRef struct {
	Table string
	ID    string
}

// Config configures a Queue. DB is required.
type Config struct {
	DB       *db.DB
	DeviceID func() string
	Recent   *recent.Cache
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Queue persists pending operations next to the replica rows they describe.
// Membership is answered from an in-memory index kept in step with the table.
type Queue struct {
	db       *db.DB
	deviceID func() string
	recent   *recent.Cache
	now      func() time.Time
	log      *slog.Logger

	mu      sync.RWMutex
	pending map[string]int // entity id -> queued op count
}

// Open loads the pending index from the replica.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("queue: nil db")
	}
	q := &Queue{
		db:       cfg.DB,
		deviceID: cfg.DeviceID,
		recent:   cfg.Recent,
		now:      cfg.Clock,
		log:      cfg.Logger,
		pending:  map[string]int{},
	}
	if q.deviceID == nil {
		q.deviceID = func() string { return "" }
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	if err := q.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) rebuildIndex(ctx context.Context) error {
	rows, err := q.db.Conn().QueryContext(ctx, `SELECT entity_id, COUNT(*) FROM pending_ops GROUP BY entity_id`)
	if err != nil {
		return fmt.Errorf("load pending index: %w", err)
	}
	defer rows.Close()

	idx := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return err
		}
		idx[id] = n
	}
	if err := rows.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.pending = idx
	q.mu.Unlock()
	return nil
}

// EnqueueTx inserts a pending op through tx. The caller must call Track with
// the returned op after the transaction commits.
func (q *Queue) EnqueueTx(ctx context.Context, tx db.Querier, table, entityID string, op events.ActionType, payload, base map[string]any) (models.PendingOp, error) {
	if entityID == "" {
		return models.PendingOp{}, fmt.Errorf("enqueue %s: empty entity id", table)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if base == nil {
		base = map[string]any{}
	}
	pending := models.PendingOp{
		ID:         ulid.Make().String(),
		Table:      table,
		EntityID:   entityID,
		Op:         op,
		Payload:    payload,
		Base:       base,
		EnqueuedAt: q.now().UTC(),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.PendingOp{}, fmt.Errorf("encode payload: %w", err)
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return models.PendingOp{}, fmt.Errorf("encode base: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_ops (op_id, table_name, entity_id, op, payload, base, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, pending.ID, table, entityID, string(op), string(payloadJSON), string(baseJSON), models.FormatTime(pending.EnqueuedAt))
	if err != nil {
		return models.PendingOp{}, fmt.Errorf("enqueue %s/%s: %w", table, entityID, err)
	}
	return pending, nil
}

// Track adds a committed op to the pending index.
func (q *Queue) Track(op models.PendingOp) {
	q.mu.Lock()
	q.pending[op.EntityID]++
	q.mu.Unlock()
}

// Enqueue records one operation. It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, table, entityID string, op events.ActionType, payload, base map[string]any) (models.PendingOp, error) {
	var pending models.PendingOp
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pending, err = q.EnqueueTx(ctx, tx, table, entityID, op, payload, base)
		return err
	})
	if err != nil {
		return models.PendingOp{}, err
	}
	q.Track(pending)
	q.log.Debug("enqueue", "table", table, "id", entityID, "op", op, "op_id", pending.ID)
	return pending, nil
}

// HasPending reports whether id has queued operations.
func (q *Queue) HasPending(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pending[id] > 0
}

// PendingEntityIDs returns a snapshot of the ids with queued operations.
func (q *Queue) PendingEntityIDs() map[string]struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := make(map[string]struct{}, len(q.pending))
	for id, n := range q.pending {
		if n > 0 {
			ids[id] = struct{}{}
		}
	}
	return ids
}

const opColumns = `op_id, table_name, entity_id, op, payload, base, enqueued_at, attempts, last_error`

func scanOps(rows *sql.Rows) ([]models.PendingOp, error) {
	defer rows.Close()
	var ops []models.PendingOp
	for rows.Next() {
		var op models.PendingOp
		var kind, payload, base, at string
		if err := rows.Scan(&op.ID, &op.Table, &op.EntityID, &kind, &payload, &base, &at, &op.Attempts, &op.LastError); err != nil {
			return nil, err
		}
		op.Op = events.ActionType(kind)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", op.ID, err)
		}
		if err := json.Unmarshal([]byte(base), &op.Base); err != nil {
			return nil, fmt.Errorf("decode base of %s: %w", op.ID, err)
		}
		ts, err := models.ParseTime(at)
		if err != nil {
			return nil, err
		}
		op.EnqueuedAt = ts
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// PendingOpsForEntity returns the queued ops for id, oldest first.
func (q *Queue) PendingOpsForEntity(ctx context.Context, id string) ([]models.PendingOp, error) {
	return q.PendingOpsForEntityTx(ctx, q.db.Conn(), id)
}

// PendingOpsForEntityTx is PendingOpsForEntity through tx.
func (q *Queue) PendingOpsForEntityTx(ctx context.Context, tx db.Querier, id string) ([]models.PendingOp, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+opColumns+` FROM pending_ops WHERE entity_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("pending ops for %s: %w", id, err)
	}
	return scanOps(rows)
}

// All returns every queued op, oldest first.
func (q *Queue) All(ctx context.Context) ([]models.PendingOp, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `SELECT `+opColumns+` FROM pending_ops ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return scanOps(rows)
}

// Entities returns the entities with queued ops in first-enqueue order.
func (q *Queue) Entities(ctx context.Context) ([]EntityRef, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `
		SELECT table_name, entity_id FROM pending_ops
		GROUP BY table_name, entity_id
		ORDER BY MIN(seq)
	`)
	if err != nil {
		return nil, fmt.Errorf("pending entities: %w", err)
	}
	defer rows.Close()

	var refs []EntityRef
	for rows.Next() {
		var r EntityRef
		if err := rows.Scan(&r.Table, &r.ID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// Count returns the number of queued ops.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&n)
	return n, err
}

// RemoveConfirmed drops ops the remote store has made durable.
// Ops enqueued for id after the push began are left in place.
func (q *Queue) RemoveConfirmed(ctx context.Context, id string, opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	var remaining int
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		remaining, err = q.RemoveConfirmedTx(ctx, tx, id, opIDs)
		return err
	})
	if err != nil {
		return err
	}
	q.SetPending(id, remaining)
	return nil
}

// RemoveConfirmedTx deletes ops through tx and returns how many remain for id.
// The caller must pass the count to SetPending after commit.
func (q *Queue) RemoveConfirmedTx(ctx context.Context, tx db.Querier, id string, opIDs []string) (int, error) {
	if len(opIDs) > 0 {
		query, args := inClause(`DELETE FROM pending_ops WHERE entity_id = ? AND op_id IN`, id, opIDs)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("remove confirmed ops for %s: %w", id, err)
		}
	}
	var remaining int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops WHERE entity_id = ?`, id).Scan(&remaining)
	return remaining, err
}

// SetPending records the committed op count for id in the index.
func (q *Queue) SetPending(id string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > 0 {
		q.pending[id] = n
	} else {
		delete(q.pending, id)
	}
}

// RebaseTx moves the additive base of fields to new values. Only the earliest
// op that wrote each field carries the base that merges read.
func (q *Queue) RebaseTx(ctx context.Context, tx db.Querier, id string, bases map[string]any) error {
	if len(bases) == 0 {
		return nil
	}
	ops, err := q.PendingOpsForEntityTx(ctx, tx, id)
	if err != nil {
		return err
	}
	changed := map[string]map[string]any{}
	for field, v := range bases {
		for _, op := range ops {
			if _, ok := op.Payload[field]; !ok {
				continue
			}
			base := changed[op.ID]
			if base == nil {
				base = op.Base
				if base == nil {
					base = map[string]any{}
				}
				changed[op.ID] = base
			}
			base[field] = v
			break
		}
	}
	for opID, base := range changed {
		data, err := json.Marshal(base)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pending_ops SET base = ? WHERE op_id = ?`, string(data), opID); err != nil {
			return fmt.Errorf("rebase %s: %w", opID, err)
		}
	}
	return nil
}

// RecordFailure bumps the attempt counter of ops whose push failed. The ops stay queued.
func (q *Queue) RecordFailure(ctx context.Context, opIDs []string, cause error) error {
	if len(opIDs) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		query, args := inClause(`UPDATE pending_ops SET attempts = attempts + 1, last_error = ? WHERE op_id IN`, msg, opIDs)
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func inClause(prefix string, first any, ids []string) (string, []any) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, first)
	for _, id := range ids {
		args = append(args, id)
	}
	return prefix + ` (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`, args
}
