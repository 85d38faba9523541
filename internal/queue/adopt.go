package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

// AdoptRemote replaces the replica row with a snapshot held back during an
// edit and withdraws the local writes it overrides, in one transaction.
// A remote delete withdraws every queued op for the entity. Otherwise every
// field the snapshot carries is taken from it and stripped from queued ops;
// ops left with no content fields are dropped. Queued writes to fields the
// snapshot lacks stay queued and keep their local values.
func (q *Queue) AdoptRemote(ctx context.Context, d *editguard.Deferred) error {
	if d == nil {
		return fmt.Errorf("adopt: nil snapshot")
	}
	id := d.EntityID
	remaining := 0
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		ops, err := q.PendingOpsForEntityTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if d.Deleted || d.Remote == nil {
			if err := db.DeleteEntityTx(ctx, tx, d.Table, id); err != nil {
				return err
			}
			remaining, err = q.RemoveConfirmedTx(ctx, tx, id, models.OpIDs(ops))
			return err
		}

		adopted := map[string]bool{}
		for _, f := range d.Remote.FieldNames() {
			adopted[f] = true
		}
		for _, f := range d.ChangedFields {
			adopted[f] = true
		}

		var drop []string
		var kept []models.PendingOp
		for _, op := range ops {
			stripped := false
			for f := range op.Payload {
				if adopted[f] {
					delete(op.Payload, f)
					delete(op.Base, f)
					stripped = true
				}
			}
			if !hasContent(op.Payload) {
				drop = append(drop, op.ID)
				continue
			}
			kept = append(kept, op)
			if stripped {
				if err := rewriteOpTx(ctx, tx, op); err != nil {
					return err
				}
			}
		}

		row := d.Remote.Clone()
		if len(kept) > 0 {
			local, err := db.GetEntityTx(ctx, tx, d.Table, id)
			if err != nil {
				return err
			}
			for _, f := range models.TouchedFields(kept) {
				if v, ok := local.Get(f); ok {
					row.Set(f, v)
				}
			}
		}
		if err := db.PutEntityTx(ctx, tx, row); err != nil {
			return err
		}
		remaining, err = q.RemoveConfirmedTx(ctx, tx, id, drop)
		return err
	})
	if err != nil {
		return fmt.Errorf("adopt %s/%s: %w", d.Table, id, err)
	}
	q.SetPending(id, remaining)
	q.log.Debug("adopt remote", "table", d.Table, "id", id, "remaining", remaining)
	return nil
}

func hasContent(payload map[string]any) bool {
	for k := range payload {
		if !models.IsMetadataField(k) {
			return true
		}
	}
	return false
}

func rewriteOpTx(ctx context.Context, tx db.Querier, op models.PendingOp) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return err
	}
	base, err := json.Marshal(op.Base)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE pending_ops SET payload = ?, base = ? WHERE op_id = ?`,
		string(payload), string(base), op.ID)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", op.ID, err)
	}
	return nil
}
