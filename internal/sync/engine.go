package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/prabhask5/stellar-sub000/internal/conflict"
	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	"github.com/prabhask5/stellar-sub000/internal/queue"
	"github.com/prabhask5/stellar-sub000/internal/recent"
)

const defaultPullLimit = 500

// Remote is the remote store a device syncs against.
type Remote interface {
	Push(ctx context.Context, batch PushBatch) (*PushResult, error)
	Pull(ctx context.Context, afterSeq int64, limit int) (*PullResult, error)
}

// Status is the engine's user-facing sync state.
type Status string

const (
	StatusOffline Status = "offline"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

// Config configures an Engine. DB, Queue and Remote are required.
type Config struct {
	DB        *db.DB
	Queue     *queue.Queue
	Remote    Remote
	Additive  *conflict.Registry
	Recent    *recent.Cache
	Editing   EditGuard
	DeviceID  func() string
	Clock     func() time.Time
	Logger    *slog.Logger
	PullLimit int
}

// Result reports what one sync cycle did.
type Result struct {
	Pushed    int
	Pulled    int
	Applied   int
	Conflicts int
	Errors    []error
}

// Engine pushes queued writes and pulls remote changes for one device.
type Engine struct {
	db        *db.DB
	queue     *queue.Queue
	remote    Remote
	applier   *Applier
	recent    *recent.Cache
	deviceID  func() string
	now       func() time.Time
	log       *slog.Logger
	pullLimit int

	flight singleflight.Group

	mu       stdsync.Mutex
	online   bool
	syncing  bool
	status   Status
	errs     []error
	lastSync time.Time

	statusObs events.Observers[Status]
	onlineObs events.Observers[bool]
}

// NewEngine builds an Engine. It starts online.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil || cfg.Queue == nil || cfg.Remote == nil {
		return nil, fmt.Errorf("sync engine: db, queue and remote are required")
	}
	e := &Engine{
		db:        cfg.DB,
		queue:     cfg.Queue,
		remote:    cfg.Remote,
		recent:    cfg.Recent,
		deviceID:  cfg.DeviceID,
		now:       cfg.Clock,
		log:       cfg.Logger,
		pullLimit: cfg.PullLimit,
		online:    true,
		status:    StatusSynced,
	}
	if e.deviceID == nil {
		e.deviceID = func() string { return "" }
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.pullLimit <= 0 {
		e.pullLimit = defaultPullLimit
	}
	e.applier = NewApplier(ApplierConfig{
		DB:       cfg.DB,
		Queue:    cfg.Queue,
		Additive: cfg.Additive,
		Recent:   cfg.Recent,
		Editing:  cfg.Editing,
		DeviceID: e.deviceID,
		Clock:    e.now,
		Logger:   e.log,
	})
	return e, nil
}

// Applier returns the apply pipeline shared with the realtime listener.
func (e *Engine) Applier() *Applier {
	return e.applier
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Errors returns the per-entity errors of the last cycle.
func (e *Engine) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

// LastSync returns when the last cycle finished without errors.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// Online reports whether the engine believes the remote is reachable.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records connectivity. Going offline never touches the queue.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if !changed {
		return
	}
	e.log.Info("connectivity changed", "online", online)
	if online {
		e.refreshStatus(context.Background())
	} else {
		e.setStatus(StatusOffline)
	}
	e.onlineObs.Notify(online)
}

// OnStatusChange registers fn for status transitions.
func (e *Engine) OnStatusChange(fn func(Status)) func() {
	return e.statusObs.Add(fn)
}

// OnOnlineChange registers fn for connectivity transitions.
func (e *Engine) OnOnlineChange(fn func(bool)) func() {
	return e.onlineObs.Add(fn)
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.mu.Unlock()
	if changed {
		e.statusObs.Notify(s)
	}
}

// refreshStatus derives the idle status from connectivity, errors and the queue.
func (e *Engine) refreshStatus(ctx context.Context) {
	e.mu.Lock()
	online, syncing, failed := e.online, e.syncing, len(e.errs) > 0
	e.mu.Unlock()

	switch {
	case !online:
		e.setStatus(StatusOffline)
	case syncing:
		e.setStatus(StatusSyncing)
	case failed:
		e.setStatus(StatusError)
	default:
		n, err := e.queue.Count(ctx)
		if err == nil && n > 0 {
			e.setStatus(StatusPending)
		} else {
			e.setStatus(StatusSynced)
		}
	}
}

// NotifyLocalWrite updates the status after a local mutation.
func (e *Engine) NotifyLocalWrite(ctx context.Context) {
	e.refreshStatus(ctx)
}

// PerformSync pushes then pulls. Concurrent callers share one cycle.
func (e *Engine) PerformSync(ctx context.Context) (*Result, error) {
	if !e.Online() {
		return nil, ErrOffline
	}
	v, err, _ := e.flight.Do("sync", func() (any, error) {
		return e.cycle(ctx)
	})
	if v == nil {
		return nil, err
	}
	return v.(*Result), err
}

func (e *Engine) cycle(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	e.syncing = true
	e.errs = nil
	e.mu.Unlock()
	e.setStatus(StatusSyncing)

	res := &Result{}
	err := e.push(ctx, res)
	if err == nil {
		err = e.pull(ctx, res)
	}

	e.mu.Lock()
	e.syncing = false
	e.errs = res.Errors
	if err != nil {
		e.errs = append(e.errs, err)
	}
	if len(e.errs) == 0 {
		e.lastSync = e.now()
	}
	e.mu.Unlock()

	if errors.Is(err, ErrOffline) {
		e.SetOnline(false)
	}
	e.refreshStatus(ctx)
	e.log.Info("sync cycle", "pushed", res.Pushed, "pulled", res.Pulled, "applied", res.Applied,
		"conflicts", res.Conflicts, "errors", len(res.Errors))
	return res, err
}

// Push sends every queued entity without pulling.
func (e *Engine) Push(ctx context.Context) (*Result, error) {
	if !e.Online() {
		return nil, ErrOffline
	}
	res := &Result{}
	err := e.push(ctx, res)
	e.refreshStatus(ctx)
	return res, err
}

// Pull fetches remote changes without pushing.
func (e *Engine) Pull(ctx context.Context) (*Result, error) {
	if !e.Online() {
		return nil, ErrOffline
	}
	res := &Result{}
	err := e.pull(ctx, res)
	e.refreshStatus(ctx)
	return res, err
}

// push sends one request per entity, oldest entity first. A failed entity
// keeps its ops queued and does not stop the others; only loss of
// connectivity aborts the pass.
func (e *Engine) push(ctx context.Context, res *Result) error {
	refs, err := e.queue.Entities(ctx)
	if err != nil {
		return &Error{Op: "push", Err: err}
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		change, ok, err := e.buildPush(ctx, ref)
		if err != nil {
			res.Errors = append(res.Errors, &Error{Op: "push", Table: ref.Table, EntityID: ref.ID, Err: err})
			continue
		}
		if !ok {
			continue
		}

		out, err := e.remote.Push(ctx, PushBatch{DeviceID: e.deviceID(), Changes: []PushChange{change}})
		if err != nil {
			if ferr := e.queue.RecordFailure(ctx, change.OpIDs, err); ferr != nil {
				e.log.Warn("record push failure", "entity_id", ref.ID, "err", ferr)
			}
			if errors.Is(err, ErrOffline) {
				return err
			}
			res.Errors = append(res.Errors, &Error{Op: "push", Table: ref.Table, EntityID: ref.ID, Err: err})
			continue
		}

		for _, rej := range out.Rejected {
			rerr := fmt.Errorf("rejected: %s", rej.Reason)
			if ferr := e.queue.RecordFailure(ctx, change.OpIDs, rerr); ferr != nil {
				e.log.Warn("record push failure", "entity_id", ref.ID, "err", ferr)
			}
			res.Errors = append(res.Errors, &Error{Op: "push", Table: ref.Table, EntityID: ref.ID, Err: rerr})
		}
		for _, ack := range out.Acks {
			if err := e.confirm(ctx, change, ack); err != nil {
				res.Errors = append(res.Errors, &Error{Op: "push", Table: ref.Table, EntityID: ref.ID, Err: err})
				continue
			}
			res.Pushed++
		}
	}
	if res.Pushed > 0 {
		if err := e.db.MarkPushed(ctx, e.now()); err != nil {
			e.log.Warn("mark pushed", "err", err)
		}
	}
	return nil
}

// buildPush folds an entity's queued ops into one change. Updates carry the
// replica's current value of each written field and the base from the first
// op that wrote it.
func (e *Engine) buildPush(ctx context.Context, ref queue.EntityRef) (PushChange, bool, error) {
	ops, err := e.queue.PendingOpsForEntity(ctx, ref.ID)
	if err != nil || len(ops) == 0 {
		return PushChange{}, false, err
	}
	kind, _ := models.AccumulatePayload(ops)
	change := PushChange{
		OpIDs:    models.OpIDs(ops),
		Table:    ref.Table,
		EntityID: ref.ID,
		Action:   kind,
		DeviceID: e.deviceID(),
	}
	for _, op := range ops {
		if t := op.ClaimTime(); t.After(change.UpdatedAt) {
			change.UpdatedAt = t
		}
	}
	if kind == events.ActionDelete {
		return change, true, nil
	}

	local, err := e.db.Get(ctx, ref.Table, ref.ID)
	if err != nil {
		return PushChange{}, false, err
	}
	if local == nil {
		return PushChange{}, false, fmt.Errorf("queued %s has no replica row", kind)
	}
	if kind == events.ActionCreate {
		change.Record = local.Record()
	} else {
		change.Record = map[string]any{models.FieldID: ref.ID}
		for _, f := range models.TouchedFields(ops) {
			if v, ok := local.Get(f); ok {
				change.Record[f] = v
			}
		}
	}
	change.Base = map[string]any{}
	for _, f := range models.TouchedFields(ops) {
		for _, op := range ops {
			if _, ok := op.Payload[f]; !ok {
				continue
			}
			if b, ok := op.Base[f]; ok && b != nil {
				change.Base[f] = b
			}
			break
		}
	}
	return change, true, nil
}

// confirm removes acknowledged ops and, when none remain, adopts the
// server's row so both sides agree.
func (e *Engine) confirm(ctx context.Context, change PushChange, ack Ack) error {
	var remaining int
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		remaining, err = e.queue.RemoveConfirmedTx(ctx, tx, change.EntityID, change.OpIDs)
		if err != nil {
			return err
		}
		if remaining == 0 {
			switch {
			case ack.Deleted:
				if err := db.DeleteEntityTx(ctx, tx, change.Table, change.EntityID); err != nil {
					return err
				}
			case ack.Record != nil:
				canonical, err := models.FromRecord(change.Table, ack.Record)
				if err != nil {
					return err
				}
				if err := db.PutEntityTx(ctx, tx, canonical); err != nil {
					return err
				}
			}
		}
		return db.RecordSyncHistoryTx(ctx, tx, []db.SyncHistoryEntry{{
			Direction:  db.DirectionPush,
			ActionType: string(change.Action),
			Table:      change.Table,
			EntityID:   change.EntityID,
			ServerSeq:  ack.ServerSeq,
			DeviceID:   change.DeviceID,
			Timestamp:  e.now(),
		}})
	})
	if err != nil {
		return err
	}
	e.queue.SetPending(change.EntityID, remaining)
	if e.recent != nil {
		e.recent.Mark(recent.SourceLocalWrite, change.EntityID)
	}
	if !ack.Applied {
		e.log.Info("push superseded by newer write", "table", change.Table, "entity_id", change.EntityID)
	}
	return nil
}

// pull applies remote changes batch by batch. The checkpoint advances only
// after a whole batch is stored, so a failure re-delivers the batch.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	after, err := e.db.GetCheckpoint(ctx)
	if err != nil {
		return &Error{Op: "checkpoint", Err: err}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.remote.Pull(ctx, after, e.pullLimit)
		if err != nil {
			if errors.Is(err, ErrOffline) {
				return err
			}
			return &Error{Op: "pull", Err: err}
		}
		for _, ch := range batch.Changes {
			out, err := e.applier.Apply(ctx, ch, ApplyOptions{Source: db.DirectionPull})
			if err != nil {
				return err
			}
			res.Pulled++
			if out.Applied {
				res.Applied++
			}
			res.Conflicts += len(out.Conflicts)
		}
		if batch.LastServerSeq > after {
			if err := e.db.SetCheckpoint(ctx, batch.LastServerSeq); err != nil {
				return &Error{Op: "checkpoint", Err: err}
			}
			after = batch.LastServerSeq
		}
		if !batch.HasMore || len(batch.Changes) == 0 {
			return nil
		}
	}
}
