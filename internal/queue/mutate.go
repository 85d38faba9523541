package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	"github.com/prabhask5/stellar-sub000/internal/recent"
)

// Mutate applies a user write to the replica and queues it in one transaction.
// Fields are the content fields written; metadata keys in fields are ignored.
// The entity's updated_at and device_id are stamped from the queue's clock and
// device. For deletes the row is removed and the returned entity is nil.
func (q *Queue) Mutate(ctx context.Context, table, id string, op events.ActionType, fields map[string]any) (*models.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("mutate %s: empty id", table)
	}
	now := q.now().UTC()
	device := q.deviceID()

	var (
		result  *models.Entity
		pending models.PendingOp
	)
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := db.GetEntityTx(ctx, tx, table, id)
		if err != nil {
			return err
		}

		payload := map[string]any{
			models.FieldUpdatedAt: models.FormatTime(now),
			models.FieldDeviceID:  device,
		}
		base := map[string]any{}

		if op == events.ActionDelete {
			if current == nil {
				return fmt.Errorf("delete %s/%s: not found", table, id)
			}
			if err := db.DeleteEntityTx(ctx, tx, table, id); err != nil {
				return err
			}
		} else {
			next := current.Clone()
			if next == nil {
				if op == events.ActionUpdate {
					return fmt.Errorf("update %s/%s: not found", table, id)
				}
				next = models.NewEntity(table, id)
			}
			for k, v := range fields {
				if models.IsMetadataField(k) {
					continue
				}
				prev, _ := current.Get(k)
				base[k] = prev
				next.Set(k, v)
				payload[k] = models.NormalizeValue(v)
			}
			next.UpdatedAt = now
			next.DeviceID = device
			if err := db.PutEntityTx(ctx, tx, next); err != nil {
				return err
			}
			result = next
		}

		pending, err = q.EnqueueTx(ctx, tx, table, id, op, payload, base)
		return err
	})
	if err != nil {
		return nil, err
	}

	q.Track(pending)
	if q.recent != nil {
		q.recent.Mark(recent.SourceLocalWrite, id)
	}
	q.log.Debug("mutate", "table", table, "id", id, "op", op, "op_id", pending.ID)
	return result, nil
}
