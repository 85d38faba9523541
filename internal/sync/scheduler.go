package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"
)

// Reason says why a sync cycle was started.
type Reason string

const (
	ReasonStartup    Reason = "startup"
	ReasonInterval   Reason = "interval"
	ReasonManual     Reason = "manual"
	ReasonLocalWrite Reason = "local_write"
	ReasonReconnect  Reason = "reconnect"
	ReasonForeground Reason = "foreground"
	ReasonFallback   Reason = "realtime_fallback"
)

// Syncer is what the scheduler drives.
type Syncer interface {
	PerformSync(ctx context.Context) (*Result, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Engine   Syncer
	Interval time.Duration // 0 disables periodic sync
	Debounce time.Duration // delay between a local write and its push
	OnStart  bool
	Logger   *slog.Logger
}

// Scheduler starts sync cycles on a timer, after local writes, and on demand.
// Only one cycle runs at a time; triggers that arrive meanwhile collapse into
// one follow-up cycle.
type Scheduler struct {
	engine   Syncer
	interval time.Duration
	debounce time.Duration
	onStart  bool
	log      *slog.Logger

	kick chan Reason

	mu    stdsync.Mutex
	timer *time.Timer
}

// NewScheduler builds a Scheduler. Call Run to start it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		engine:   cfg.Engine,
		interval: cfg.Interval,
		debounce: cfg.Debounce,
		onStart:  cfg.OnStart,
		log:      cfg.Logger,
		kick:     make(chan Reason, 1),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Trigger requests a cycle as soon as possible.
func (s *Scheduler) Trigger(reason Reason) {
	select {
	case s.kick <- reason:
	default:
	}
}

// NotifyLocalWrite schedules a cycle after the debounce delay. Writes
// within the delay push together.
func (s *Scheduler) NotifyLocalWrite() {
	if s.debounce <= 0 {
		s.Trigger(ReasonLocalWrite)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() { s.Trigger(ReasonLocalWrite) })
}

// Run drives cycles until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	}()

	if s.onStart {
		s.run(ctx, ReasonStartup)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.run(ctx, ReasonInterval)
		case reason := <-s.kick:
			s.run(ctx, reason)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, reason Reason) {
	res, err := s.engine.PerformSync(ctx)
	switch {
	case errors.Is(err, ErrOffline):
		s.log.Debug("sync skipped, offline", "reason", reason)
	case err != nil:
		s.log.Warn("sync failed", "reason", reason, "err", err)
	case res != nil && len(res.Errors) > 0:
		s.log.Warn("sync finished with errors", "reason", reason, "errors", len(res.Errors))
	default:
		s.log.Debug("sync finished", "reason", reason)
	}
}

// TriggerOnReconnect starts a cycle whenever e comes back online.
func (s *Scheduler) TriggerOnReconnect(e *Engine) func() {
	return e.OnOnlineChange(func(online bool) {
		if online {
			s.Trigger(ReasonReconnect)
		}
	})
}
