package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/conflict"
	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	"github.com/prabhask5/stellar-sub000/internal/queue"
	"github.com/prabhask5/stellar-sub000/internal/recent"
)

// EditGuard is the part of the edit-protection coordinator the apply path uses.
type EditGuard interface {
	IsEditing(id, table string) bool
	RecordRemoteChange(editguard.RemoteChange)
}

// Skip says why a remote change was not applied.
type Skip string

const (
	SkipNone      Skip = ""
	SkipEcho      Skip = "echo"
	SkipRecent    Skip = "recent"
	SkipStale     Skip = "stale"
	SkipMalformed Skip = "malformed"
)

// Outcome describes what applying one remote change did.
type Outcome struct {
	Table         string
	EntityID      string
	Event         events.ActionType
	Skipped       Skip
	Deferred      bool
	Applied       bool
	Deleted       bool
	ChangedFields []string
	Conflicts     []conflict.FieldConflict
}

// ApplyOptions tune one Apply call. Source is db.DirectionPull or
// db.DirectionRealtime. OnPendingDelete, when set, turns deletes into two
// phases: the row is flagged, the callback runs, then the row is removed.
type ApplyOptions struct {
	Source          string
	OnPendingDelete func(table, id string)
}

// ApplierConfig configures an Applier. DB and Queue are required.
type ApplierConfig struct {
	DB       *db.DB
	Queue    *queue.Queue
	Additive *conflict.Registry
	Recent   *recent.Cache
	Editing  EditGuard
	DeviceID func() string
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Applier writes remote changes into the replica. The pull loop and the
// realtime listener share one instance, so both check pending ops, echoes
// and editing sessions the same way.
type Applier struct {
	db       *db.DB
	queue    *queue.Queue
	additive *conflict.Registry
	recent   *recent.Cache
	editing  EditGuard
	deviceID func() string
	now      func() time.Time
	log      *slog.Logger
}

// NewApplier builds an Applier.
func NewApplier(cfg ApplierConfig) *Applier {
	a := &Applier{
		db:       cfg.DB,
		queue:    cfg.Queue,
		additive: cfg.Additive,
		recent:   cfg.Recent,
		editing:  cfg.Editing,
		deviceID: cfg.DeviceID,
		now:      cfg.Clock,
		log:      cfg.Logger,
	}
	if a.additive == nil {
		a.additive = conflict.DefaultRegistry()
	}
	if a.deviceID == nil {
		a.deviceID = func() string { return "" }
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// plan is the decision for one change, computed against a consistent read.
type plan struct {
	local   *models.Entity
	ops     []models.PendingOp
	put     *models.Entity
	delete  bool
	stale   bool
	result  *conflict.Result
	changed []string
}

// Apply runs one remote change through echo and duplicate suppression, edit
// deferral and, when the entity has pending ops, conflict resolution.
// Changes for an entity the realtime path applied within the recent window
// are skipped on both paths.
// Errors are storage failures; bad payloads are skipped, not returned.
func (a *Applier) Apply(ctx context.Context, ch models.Change, opts ApplyOptions) (Outcome, error) {
	out := Outcome{Table: ch.Table, EntityID: ch.ID(), Event: ch.EventType}

	table, ok := events.NormalizeTable(ch.Table)
	if !ok || out.EntityID == "" {
		a.log.Warn("skip malformed change", "table", ch.Table, "entity_id", out.EntityID, "seq", ch.Seq)
		out.Skipped = SkipMalformed
		return out, nil
	}
	out.Table = string(table)
	id := out.EntityID

	if dev := ch.DeviceID(); dev != "" && dev == a.deviceID() {
		out.Skipped = SkipEcho
		return out, nil
	}
	if a.recent != nil && a.recent.Seen(recent.SourceRealtime, id) {
		out.Skipped = SkipRecent
		return out, nil
	}

	var remote *models.Entity
	var deletedAt time.Time
	if ch.EventType == events.ActionDelete {
		deletedAt, _ = models.ParseTime(ch.Old[models.FieldUpdatedAt])
	} else {
		rec := ch.New
		if _, hasID := rec[models.FieldID]; !hasID {
			rec = withID(rec, id)
		}
		var err error
		remote, err = models.FromRecord(out.Table, rec)
		if err != nil {
			a.log.Warn("skip malformed change", "table", out.Table, "entity_id", id, "err", err)
			out.Skipped = SkipMalformed
			return out, nil
		}
	}

	first, err := a.plan(ctx, a.db.Conn(), out.Table, id, remote, ch, deletedAt)
	if err != nil {
		return out, &Error{Op: "apply", Table: out.Table, EntityID: id, Err: err}
	}
	out.ChangedFields = first.changed

	if a.recent != nil && remote != nil && first.local != nil && len(first.changed) == 0 &&
		a.recent.Seen(recent.SourceLocalWrite, id) {
		out.Skipped = SkipEcho
		return out, nil
	}

	if a.editing != nil && a.editing.IsEditing(id, out.Table) {
		out.Deferred = true
		a.editing.RecordRemoteChange(editguard.RemoteChange{
			Table:         out.Table,
			EntityID:      id,
			ChangedFields: first.changed,
			EventType:     ch.EventType,
			ValueDeltas:   valueDeltas(first.local, remote, first.changed),
			Remote:        remote,
		})
		a.log.Debug("deferred while editing", "table", out.Table, "entity_id", id)
		return out, nil
	}

	flagged := false
	if first.delete && first.local != nil && opts.OnPendingDelete != nil {
		if err := a.db.MarkPendingDelete(ctx, out.Table, id, true); err != nil {
			return out, &Error{Op: "apply", Table: out.Table, EntityID: id, Err: err}
		}
		flagged = true
		opts.OnPendingDelete(out.Table, id)
	}

	var final plan
	var remaining = -1
	err = a.db.WithTx(ctx, func(tx *sql.Tx) error {
		p, err := a.plan(ctx, tx, out.Table, id, remote, ch, deletedAt)
		if err != nil {
			return err
		}
		final = p
		if p.stale {
			return nil
		}
		switch {
		case p.delete:
			if p.local != nil {
				if err := db.DeleteEntityTx(ctx, tx, out.Table, id); err != nil {
					return err
				}
			}
		case p.put != nil:
			if err := db.PutEntityTx(ctx, tx, p.put); err != nil {
				return err
			}
		}
		if r := p.result; r != nil {
			if r.DropPending {
				n, err := a.queue.RemoveConfirmedTx(ctx, tx, id, models.OpIDs(p.ops))
				if err != nil {
					return err
				}
				remaining = n
			}
			if err := a.queue.RebaseTx(ctx, tx, id, r.Rebase); err != nil {
				return err
			}
			if r.HasConflicts {
				if err := db.RecordConflictTx(ctx, tx, conflictRecord(out.Table, id, opts.Source, p, remote)); err != nil {
					return err
				}
			}
		}
		return db.RecordSyncHistoryTx(ctx, tx, []db.SyncHistoryEntry{{
			Direction:  opts.Source,
			ActionType: string(ch.EventType),
			Table:      out.Table,
			EntityID:   id,
			ServerSeq:  ch.Seq,
			DeviceID:   ch.DeviceID(),
			Timestamp:  a.now(),
		}})
	})
	if flagged && (err != nil || !final.delete || final.stale) {
		a.unflag(ctx, out.Table, id)
	}
	if err != nil {
		return out, &Error{Op: "apply", Table: out.Table, EntityID: id, Err: err}
	}
	if remaining >= 0 {
		a.queue.SetPending(id, remaining)
	}

	out.ChangedFields = final.changed
	if final.stale {
		out.Skipped = SkipStale
		return out, nil
	}
	out.Applied = final.put != nil || (final.delete && final.local != nil)
	out.Deleted = final.delete && final.local != nil
	if final.result != nil {
		out.Conflicts = final.result.ConflictingFields
	}

	if opts.Source == db.DirectionRealtime && a.recent != nil {
		a.recent.Mark(recent.SourceRealtime, id)
	}
	if a.editing != nil && out.Applied {
		a.editing.RecordRemoteChange(editguard.RemoteChange{
			Table:         out.Table,
			EntityID:      id,
			ChangedFields: final.changed,
			Applied:       true,
			EventType:     ch.EventType,
			ValueDeltas:   valueDeltas(final.local, remote, final.changed),
			Remote:        remote,
		})
	}
	if len(out.Conflicts) > 0 {
		a.log.Info("resolved conflict", "table", out.Table, "entity_id", id, "fields", len(out.Conflicts))
	}
	return out, nil
}

// unflag clears a pending-delete flag whose delete did not happen. It runs
// even when ctx is already cancelled.
func (a *Applier) unflag(ctx context.Context, table, id string) {
	if err := a.db.MarkPendingDelete(context.WithoutCancel(ctx), table, id, false); err != nil {
		a.log.Warn("clear pending delete", "table", table, "entity_id", id, "err", err)
	}
}

// plan decides what to do with a change against the rows visible through q.
func (a *Applier) plan(ctx context.Context, q db.Querier, table, id string, remote *models.Entity, ch models.Change, deletedAt time.Time) (plan, error) {
	var p plan
	local, err := db.GetEntityTx(ctx, q, table, id)
	if err != nil {
		return p, err
	}
	ops, err := a.queue.PendingOpsForEntityTx(ctx, q, id)
	if err != nil {
		return p, err
	}
	p.local, p.ops = local, ops

	if remote == nil {
		p.changed = local.FieldNames()
	} else {
		p.changed = conflict.Diff(local, remote)
	}

	if len(ops) == 0 {
		switch {
		case remote == nil:
			p.delete = true
		case local == nil:
			p.put = remote
		case local.UpdatedAt.After(remote.UpdatedAt):
			p.stale = true
		case len(p.changed) == 0 && models.Equal(local, remote):
			p.stale = true
		default:
			p.put = remote
		}
		return p, nil
	}

	res := conflict.Resolve(conflict.Input{
		Table:           table,
		EntityID:        id,
		Local:           local,
		Remote:          remote,
		Pending:         ops,
		Additive:        a.additive.Fields(table),
		RemoteDeletedAt: deletedAt,
		RemoteDeviceID:  ch.DeviceID(),
	})
	p.result = &res
	if res.Deleted {
		p.delete = true
	} else {
		p.put = res.Merged
	}
	return p, nil
}

func conflictRecord(table, id, source string, p plan, remote *models.Entity) db.ConflictRecord {
	rec := db.ConflictRecord{
		Table:      table,
		EntityID:   id,
		Source:     source,
		LocalData:  encodeEntity(p.local),
		RemoteData: encodeEntity(remote),
		MergedData: encodeEntity(p.put),
	}
	for _, fc := range p.result.ConflictingFields {
		rec.Fields = append(rec.Fields, fc.Field)
	}
	return rec
}

func encodeEntity(e *models.Entity) string {
	if e == nil {
		return ""
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(data)
}

func valueDeltas(local, remote *models.Entity, fields []string) map[string]float64 {
	if local == nil || remote == nil {
		return nil
	}
	var out map[string]float64
	for _, f := range fields {
		lv, _ := local.Get(f)
		rv, _ := remote.Get(f)
		if d, ok := conflict.ValueDelta(lv, rv); ok {
			if out == nil {
				out = map[string]float64{}
			}
			out[f] = d
		}
	}
	return out
}

func withID(rec map[string]any, id string) map[string]any {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out[models.FieldID] = id
	return out
}
