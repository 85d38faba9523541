package sync

import (
	"context"
	"testing"
	"time"
)

type countingSyncer struct {
	calls chan struct{}
}

func (s *countingSyncer) PerformSync(ctx context.Context) (*Result, error) {
	s.calls <- struct{}{}
	return &Result{}, nil
}

func waitCalls(t *testing.T, s *countingSyncer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("waited for call %d of %d", i+1, n)
		}
	}
}

func expectNoCall(t *testing.T, s *countingSyncer, d time.Duration) {
	t.Helper()
	select {
	case <-s.calls:
		t.Fatal("unexpected sync")
	case <-time.After(d):
	}
}

func TestScheduler_StartupAndTrigger(t *testing.T) {
	syncer := &countingSyncer{calls: make(chan struct{}, 10)}
	s := NewScheduler(SchedulerConfig{Engine: syncer, OnStart: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitCalls(t, syncer, 1)
	s.Trigger(ReasonManual)
	waitCalls(t, syncer, 1)
}

func TestScheduler_DebouncesLocalWrites(t *testing.T) {
	syncer := &countingSyncer{calls: make(chan struct{}, 10)}
	s := NewScheduler(SchedulerConfig{Engine: syncer, Debounce: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 5; i++ {
		s.NotifyLocalWrite()
		time.Sleep(5 * time.Millisecond)
	}
	waitCalls(t, syncer, 1)
	expectNoCall(t, syncer, 150*time.Millisecond)
}

func TestScheduler_Interval(t *testing.T) {
	syncer := &countingSyncer{calls: make(chan struct{}, 10)}
	s := NewScheduler(SchedulerConfig{Engine: syncer, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitCalls(t, syncer, 2)
}

func TestScheduler_TriggerOnReconnect(t *testing.T) {
	remote := newLogRemote(t)
	a := newDevice(t, "dev-a", remote, &fakeClock{t: t0}, 0)
	syncer := &countingSyncer{calls: make(chan struct{}, 10)}
	s := NewScheduler(SchedulerConfig{Engine: syncer})
	stop := s.TriggerOnReconnect(a.engine)
	defer stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	a.engine.SetOnline(false)
	expectNoCall(t, syncer, 50*time.Millisecond)
	a.engine.SetOnline(true)
	waitCalls(t, syncer, 1)
}
