// Package realtime keeps a device subscribed to the remote changefeed and
// applies incoming changes as they arrive. Lost connections are retried with
// exponential backoff up to a fixed number of attempts, after which the
// device falls back to the sync engine's periodic pull.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

// State is the connection state of the listener.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
)

// Subscription is an open changefeed. Next blocks until a change arrives or
// the feed fails; a failure ends the subscription.
type Subscription interface {
	Next(ctx context.Context) (models.Change, error)
	Close() error
}

// SubscribeFunc opens a changefeed for a user. It returns once the remote
// side has acknowledged the subscription.
type SubscribeFunc func(ctx context.Context, userID string) (Subscription, error)

// Applier applies one remote change to the replica.
type Applier interface {
	Apply(ctx context.Context, ch models.Change, opts tdsync.ApplyOptions) (tdsync.Outcome, error)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// DataUpdate tells subscribers an entity changed in the replica.
type DataUpdate struct {
	Table    string
	EntityID string
	Event    events.ActionType
	Deleted  bool
}

// EntityRef names an entity.
type EntityRef struct {
	Table    string
	EntityID string
}

// Config configures a Listener. Subscribe and Applier are required.
type Config struct {
	Subscribe   SubscribeFunc
	Applier     Applier
	BaseDelay   time.Duration
	MaxAttempts int
	// OnGiveUp runs once reconnection is abandoned.
	OnGiveUp func()
	// AfterFunc schedules reconnects; defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	Logger    *slog.Logger
}

// Listener owns the changefeed subscription of one device.
type Listener struct {
	subscribe   SubscribeFunc
	applier     Applier
	baseDelay   time.Duration
	maxAttempts int
	onGiveUp    func()
	afterFunc   func(d time.Duration, f func()) Timer
	log         *slog.Logger

	// opMu serializes Start, Stop, SetOnline and timer-driven reconnects.
	opMu sync.Mutex

	mu       sync.Mutex
	root     context.Context
	userID   string
	online   bool
	state    State
	gen      uint64
	cancel   context.CancelFunc
	timer    Timer
	attempts int
	gaveUp   bool
	lastErr  error
	delays   []time.Duration

	stateObs         events.Observers[State]
	dataObs          events.Observers[DataUpdate]
	pendingDeleteObs events.Observers[EntityRef]
}

// New builds a Listener in the disconnected state. It assumes the device
// is online until told otherwise.
func New(cfg Config) (*Listener, error) {
	if cfg.Subscribe == nil || cfg.Applier == nil {
		return nil, fmt.Errorf("realtime: subscribe and applier are required")
	}
	l := &Listener{
		subscribe:   cfg.Subscribe,
		applier:     cfg.Applier,
		baseDelay:   cfg.BaseDelay,
		maxAttempts: cfg.MaxAttempts,
		onGiveUp:    cfg.OnGiveUp,
		afterFunc:   cfg.AfterFunc,
		log:         cfg.Logger,
		online:      true,
		state:       StateDisconnected,
	}
	if l.baseDelay <= 0 {
		l.baseDelay = defaultBaseDelay
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = defaultMaxAttempts
	}
	if l.afterFunc == nil {
		l.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l, nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// GaveUp reports whether reconnection was abandoned.
func (l *Listener) GaveUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gaveUp
}

// LastError returns the error behind the most recent error state.
func (l *Listener) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Delays returns the reconnect delays scheduled since the last successful
// connection, oldest first.
func (l *Listener) Delays() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

// OnConnectionStateChange registers fn for state transitions.
func (l *Listener) OnConnectionStateChange(fn func(State)) func() {
	return l.stateObs.Add(fn)
}

// OnRealtimeDataUpdate registers fn for entities written by the listener.
func (l *Listener) OnRealtimeDataUpdate(fn func(DataUpdate)) func() {
	return l.dataObs.Add(fn)
}

// OnPendingDelete registers fn for entities about to be removed. It runs
// after the row is flagged and before it is deleted.
func (l *Listener) OnPendingDelete(fn func(EntityRef)) func() {
	return l.pendingDeleteObs.Add(fn)
}

// Start subscribes for userID. ctx bounds the listener's whole lifetime.
// While offline, Start only records the identity; the subscription opens on
// the next online transition.
func (l *Listener) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("realtime: empty user id")
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	l.suspendLocked()
	l.root = ctx
	l.userID = userID
	l.attempts = 0
	l.gaveUp = false
	l.delays = nil
	online := l.online
	l.mu.Unlock()

	if !online {
		l.setState(StateDisconnected)
		return nil
	}
	l.connect()
	return nil
}

// Stop ends the subscription and cancels any pending reconnect.
func (l *Listener) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	l.suspendLocked()
	l.userID = ""
	l.attempts = 0
	l.mu.Unlock()
	l.setState(StateDisconnected)
}

// SetOnline records connectivity. Going offline closes the subscription and
// cancels reconnects; coming back online resubscribes with the stored identity.
func (l *Listener) SetOnline(online bool) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if l.online == online {
		l.mu.Unlock()
		return
	}
	l.online = online
	if !online {
		l.suspendLocked()
		l.mu.Unlock()
		l.setState(StateDisconnected)
		return
	}
	resume := l.userID != ""
	l.attempts = 0
	l.gaveUp = false
	l.delays = nil
	l.mu.Unlock()

	if resume {
		l.connect()
	}
}

// suspendLocked invalidates the running subscription and any timer.
// The caller holds mu.
func (l *Listener) suspendLocked() {
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// connect starts a subscription attempt. The caller holds opMu.
func (l *Listener) connect() {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	root := l.root
	if root == nil {
		root = context.Background()
	}
	ctx, cancel := context.WithCancel(root)
	l.cancel = cancel
	userID := l.userID
	l.mu.Unlock()

	l.setState(StateConnecting)
	go l.run(ctx, gen, userID)
}

func (l *Listener) run(ctx context.Context, gen uint64, userID string) {
	sub, err := l.subscribe(ctx, userID)
	if err != nil {
		l.fail(ctx, gen, err)
		return
	}
	defer sub.Close()

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.attempts = 0
	l.delays = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	l.setState(StateConnected)
	l.log.Info("realtime subscribed", "user_id", userID)

	for {
		ch, err := sub.Next(ctx)
		if err != nil {
			l.fail(ctx, gen, err)
			return
		}
		l.handle(ctx, ch)
	}
}

// fail moves a live attempt to the error state and schedules a reconnect.
func (l *Listener) fail(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	if gen != l.gen || !l.online {
		l.mu.Unlock()
		return
	}
	l.lastErr = err
	giveUp := l.scheduleLocked(gen)
	l.mu.Unlock()

	l.log.Warn("realtime channel error", "err", err)
	l.setState(StateError)
	if giveUp {
		l.log.Warn("realtime reconnect abandoned, falling back to polling", "attempts", l.maxAttempts)
		if l.onGiveUp != nil {
			l.onGiveUp()
		}
	}
}

// scheduleLocked arms the reconnect timer unless one is pending or the
// attempts are exhausted, in which case it reports true once.
func (l *Listener) scheduleLocked(gen uint64) bool {
	if l.timer != nil || l.gaveUp {
		return false
	}
	if l.attempts >= l.maxAttempts {
		l.gaveUp = true
		return true
	}
	l.attempts++
	delay := l.baseDelay << (l.attempts - 1)
	l.delays = append(l.delays, delay)
	l.timer = l.afterFunc(delay, func() { l.reconnect(gen) })
	l.log.Debug("realtime reconnect scheduled", "attempt", l.attempts, "delay", delay)
	return false
}

func (l *Listener) reconnect(gen uint64) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if gen != l.gen || !l.online || l.userID == "" {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.mu.Unlock()
	l.connect()
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed {
		l.stateObs.Notify(s)
	}
}

// handle runs one change through the apply pipeline. Failures are logged
// and never end the subscription.
func (l *Listener) handle(ctx context.Context, ch models.Change) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("realtime event panic", "table", ch.Table, "entity_id", ch.ID(), "event", ch.EventType, "panic", r)
		}
	}()

	out, err := l.applier.Apply(ctx, ch, tdsync.ApplyOptions{
		Source: db.DirectionRealtime,
		OnPendingDelete: func(table, id string) {
			l.pendingDeleteObs.Notify(EntityRef{Table: table, EntityID: id})
		},
	})
	if err != nil {
		l.log.Error("realtime apply", "table", ch.Table, "entity_id", ch.ID(), "event", ch.EventType, "err", err)
		return
	}
	if out.Skipped != tdsync.SkipNone {
		l.log.Debug("realtime skip", "table", out.Table, "entity_id", out.EntityID, "reason", out.Skipped)
		return
	}
	if out.Applied {
		l.dataObs.Notify(DataUpdate{Table: out.Table, EntityID: out.EntityID, Event: out.Event, Deleted: out.Deleted})
	}
}
