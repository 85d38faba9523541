package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	"github.com/prabhask5/stellar-sub000/internal/queue"
	"github.com/prabhask5/stellar-sub000/internal/recent"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

const wait = 2 * time.Second

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	changes chan models.Change
	closed  chan struct{}
	once    sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{changes: make(chan models.Change, 8), closed: make(chan struct{})}
}

func (s *fakeSub) Next(ctx context.Context) (models.Change, error) {
	select {
	case ch, ok := <-s.changes:
		if !ok {
			return models.Change{}, errors.New("feed closed")
		}
		return ch, nil
	case <-ctx.Done():
		return models.Change{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeFeed struct {
	mu    sync.Mutex
	calls int
	fail  error
	subs  chan *fakeSub
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(chan *fakeSub, 8)}
}

func (f *fakeFeed) subscribe(ctx context.Context, userID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	s := newFakeSub()
	f.subs <- s
	return s, nil
}

func (f *fakeFeed) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFeed) next(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case s := <-f.subs:
		return s
	case <-time.After(wait):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

type fakeTimer struct {
	d    time.Duration
	fire func()
}

func (t *fakeTimer) Stop() bool { return true }

type fakeTimers struct {
	scheduled chan *fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) Timer {
	tm := &fakeTimer{d: d, fire: f}
	ft.scheduled <- tm
	return tm
}

func (ft *fakeTimers) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-ft.scheduled:
		return tm
	case <-time.After(wait):
		t.Fatal("timed out waiting for reconnect to be scheduled")
		return nil
	}
}

type nopApplier struct{}

func (nopApplier) Apply(ctx context.Context, ch models.Change, opts tdsync.ApplyOptions) (tdsync.Outcome, error) {
	return tdsync.Outcome{Table: ch.Table, EntityID: ch.ID(), Applied: true}, nil
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func watchStates(l *Listener) <-chan State {
	states := make(chan State, 64)
	l.OnConnectionStateChange(func(s State) { states <- s })
	return states
}

func TestListener_BackoffThenGiveUp(t *testing.T) {
	feed := newFakeFeed()
	feed.fail = errors.New("channel error")
	timers := &fakeTimers{scheduled: make(chan *fakeTimer, 16)}
	gaveUp := make(chan struct{})
	base := 100 * time.Millisecond

	l, err := New(Config{
		Subscribe:   feed.subscribe,
		Applier:     nopApplier{},
		BaseDelay:   base,
		MaxAttempts: 5,
		AfterFunc:   timers.afterFunc,
		OnGiveUp:    func() { close(gaveUp) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)

	if err := l.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		tm := timers.next(t)
		if want := base << i; tm.d != want {
			t.Fatalf("attempt %d delay: got %v, want %v", i+1, tm.d, want)
		}
		tm.fire()
	}

	select {
	case <-gaveUp:
	case <-time.After(wait):
		t.Fatal("listener did not give up")
	}
	select {
	case tm := <-timers.scheduled:
		t.Fatalf("unexpected reconnect after giving up: %v", tm.d)
	case <-time.After(50 * time.Millisecond):
	}

	if got := feed.callCount(); got != 6 {
		t.Errorf("subscribe calls: got %d, want 6", got)
	}
	if !l.GaveUp() {
		t.Error("GaveUp: got false, want true")
	}
	if got := l.State(); got != StateError {
		t.Errorf("State: got %q, want %q", got, StateError)
	}
	if l.LastError() == nil {
		t.Error("LastError: got nil")
	}
}

func TestListener_SingleTimerAndResetOnConnect(t *testing.T) {
	feed := newFakeFeed()
	feed.fail = errors.New("channel error")
	timers := &fakeTimers{scheduled: make(chan *fakeTimer, 16)}

	l, err := New(Config{
		Subscribe: feed.subscribe,
		Applier:   nopApplier{},
		BaseDelay: time.Second,
		AfterFunc: timers.afterFunc,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)
	states := watchStates(l)

	if err := l.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tm := timers.next(t)
	tm.fire()
	tm = timers.next(t)
	if tm.d != 2*time.Second {
		t.Fatalf("second delay: got %v, want 2s", tm.d)
	}

	// A second error while a reconnect is pending must not arm another timer.
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	l.fail(context.Background(), gen, errors.New("late"))
	select {
	case extra := <-timers.scheduled:
		t.Fatalf("second pending timer scheduled: %v", extra.d)
	case <-time.After(50 * time.Millisecond):
	}

	feed.mu.Lock()
	feed.fail = nil
	feed.mu.Unlock()
	tm.fire()
	waitState(t, states, StateConnected)
	if got := l.Delays(); len(got) != 0 {
		t.Errorf("Delays after connect: got %v, want none", got)
	}

	// The next failure starts again from the base delay.
	sub := feed.next(t)
	close(sub.changes)
	if tm := timers.next(t); tm.d != time.Second {
		t.Errorf("delay after reconnect: got %v, want 1s", tm.d)
	}
}

func TestListener_OfflineSuspendsAndResumes(t *testing.T) {
	feed := newFakeFeed()
	timers := &fakeTimers{scheduled: make(chan *fakeTimer, 16)}
	l, err := New(Config{Subscribe: feed.subscribe, Applier: nopApplier{}, AfterFunc: timers.afterFunc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)
	states := watchStates(l)

	if err := l.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, states, StateConnected)
	first := feed.next(t)

	l.SetOnline(false)
	select {
	case <-first.closed:
	case <-time.After(wait):
		t.Fatal("subscription not closed when going offline")
	}
	if got := l.State(); got != StateDisconnected {
		t.Errorf("State offline: got %q, want %q", got, StateDisconnected)
	}
	select {
	case tm := <-timers.scheduled:
		t.Fatalf("reconnect scheduled while offline: %v", tm.d)
	case <-time.After(50 * time.Millisecond):
	}

	l.SetOnline(true)
	waitState(t, states, StateConnected)
	feed.next(t)
	if got := feed.callCount(); got != 2 {
		t.Errorf("subscribe calls: got %d, want 2", got)
	}

	l.Stop()
	if got := l.State(); got != StateDisconnected {
		t.Errorf("State after Stop: got %q, want %q", got, StateDisconnected)
	}
	l.SetOnline(false)
	l.SetOnline(true)
	select {
	case <-feed.subs:
		t.Fatal("stopped listener resubscribed on reconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListener_StartWhileOfflineWaitsForOnline(t *testing.T) {
	feed := newFakeFeed()
	l, err := New(Config{Subscribe: feed.subscribe, Applier: nopApplier{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)
	states := watchStates(l)

	l.SetOnline(false)
	if err := l.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := feed.callCount(); got != 0 {
		t.Fatalf("subscribe calls while offline: got %d, want 0", got)
	}
	l.SetOnline(true)
	waitState(t, states, StateConnected)
}

type panicApplier struct {
	mu    sync.Mutex
	calls int
}

func (p *panicApplier) Apply(ctx context.Context, ch models.Change, opts tdsync.ApplyOptions) (tdsync.Outcome, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n == 1 {
		panic("bad event")
	}
	return tdsync.Outcome{Table: ch.Table, EntityID: ch.ID(), Applied: true}, nil
}

func TestListener_EventPanicDoesNotEndSubscription(t *testing.T) {
	feed := newFakeFeed()
	l, err := New(Config{Subscribe: feed.subscribe, Applier: &panicApplier{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)
	updates := make(chan DataUpdate, 4)
	l.OnRealtimeDataUpdate(func(u DataUpdate) { updates <- u })

	if err := l.Start(context.Background(), "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := feed.next(t)
	sub.changes <- models.Change{Table: "goals", EntityID: "g1"}
	sub.changes <- models.Change{Table: "goals", EntityID: "g2"}

	select {
	case u := <-updates:
		if u.EntityID != "g2" {
			t.Errorf("update: got %q, want g2", u.EntityID)
		}
	case <-time.After(wait):
		t.Fatal("no update after panicking event")
	}
	if got := l.State(); got != StateConnected {
		t.Errorf("State: got %q, want %q", got, StateConnected)
	}
}

func remoteChange(event events.ActionType, id, device string, at time.Time, fields map[string]any) models.Change {
	rec := map[string]any{
		models.FieldID:        id,
		models.FieldDeviceID:  device,
		models.FieldUpdatedAt: models.FormatTime(at),
	}
	for k, v := range fields {
		rec[k] = v
	}
	ch := models.Change{Table: "goals", EventType: event, EntityID: id}
	if event == events.ActionDelete {
		ch.Old = rec
	} else {
		ch.New = rec
	}
	return ch
}

func TestListener_AppliesEventsThroughPipeline(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	deviceID := func() string { return "dev-a" }
	rc := recent.New(time.Minute)
	q, err := queue.Open(ctx, queue.Config{DB: database, DeviceID: deviceID, Recent: rc})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	applier := tdsync.NewApplier(tdsync.ApplierConfig{DB: database, Queue: q, Recent: rc, DeviceID: deviceID})

	feed := newFakeFeed()
	l, err := New(Config{Subscribe: feed.subscribe, Applier: applier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)

	var mu sync.Mutex
	var seen []string
	flagged := map[string]bool{}
	done := make(chan struct{}, 8)
	l.OnPendingDelete(func(ref EntityRef) {
		pending, err := database.IsPendingDelete(ctx, ref.Table, ref.EntityID)
		mu.Lock()
		seen = append(seen, "pending:"+ref.EntityID)
		flagged[ref.EntityID] = err == nil && pending
		mu.Unlock()
	})
	l.OnRealtimeDataUpdate(func(u DataUpdate) {
		mu.Lock()
		tag := "data:" + u.EntityID
		if u.Deleted {
			tag = "deleted:" + u.EntityID
		}
		seen = append(seen, tag)
		mu.Unlock()
		done <- struct{}{}
	})

	g3 := models.NewEntity("goals", "g3")
	g3.UpdatedAt = t0
	g3.Set("name", "Old")
	if err := database.Put(ctx, g3); err != nil {
		t.Fatalf("Put g3: %v", err)
	}

	if err := l.Start(ctx, "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := feed.next(t)
	sub.changes <- remoteChange(events.ActionCreate, "g1", "dev-b", t0, map[string]any{"name": "Read"})
	sub.changes <- remoteChange(events.ActionUpdate, "g1", "dev-a", t0.Add(time.Minute), map[string]any{"name": "Echo"})
	sub.changes <- remoteChange(events.ActionCreate, "g2", "dev-b", t0, map[string]any{"name": "Run"})
	sub.changes <- remoteChange(events.ActionDelete, "g3", "dev-b", t0.Add(2*time.Minute), nil)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(wait):
			t.Fatalf("timed out after %d updates", i)
		}
	}

	mu.Lock()
	got := append([]string(nil), seen...)
	wasFlagged := flagged["g3"]
	mu.Unlock()
	want := []string{"data:g1", "data:g2", "pending:g3", "deleted:g3"}
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events: got %v, want %v", got, want)
		}
	}
	if !wasFlagged {
		t.Error("row not flagged pending-delete when observers ran")
	}

	gone, err := database.Get(ctx, "goals", "g3")
	if err != nil {
		t.Fatalf("Get g3: %v", err)
	}
	if gone != nil {
		t.Errorf("g3 still present: %+v", gone)
	}
	g2, err := database.Get(ctx, "goals", "g2")
	if err != nil || g2 == nil {
		t.Fatalf("Get g2: got %v, %v", g2, err)
	}
	if v, _ := g2.Get("name"); v != "Run" {
		t.Errorf("g2 name: got %v, want Run", v)
	}
	if !rc.Seen(recent.SourceRealtime, "g2") {
		t.Error("g2 not marked as recently processed")
	}
}

func TestListener_SkipsRepeatsInsideRecentWindow(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	deviceID := func() string { return "dev-a" }
	ttl := 100 * time.Millisecond
	rc := recent.New(ttl)
	q, err := queue.Open(ctx, queue.Config{DB: database, DeviceID: deviceID, Recent: rc})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	applier := tdsync.NewApplier(tdsync.ApplierConfig{DB: database, Queue: q, Recent: rc, DeviceID: deviceID})

	feed := newFakeFeed()
	l, err := New(Config{Subscribe: feed.subscribe, Applier: applier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Stop)

	updates := make(chan string, 8)
	l.OnRealtimeDataUpdate(func(u DataUpdate) { updates <- u.EntityID })
	next := func() string {
		t.Helper()
		select {
		case id := <-updates:
			return id
		case <-time.After(wait):
			t.Fatal("timed out waiting for a data update")
			return ""
		}
	}
	name := func(id string) any {
		t.Helper()
		e, err := database.Get(ctx, "goals", id)
		if err != nil || e == nil {
			t.Fatalf("Get %s: got %v, %v", id, e, err)
		}
		v, _ := e.Get("name")
		return v
	}

	if err := l.Start(ctx, "user-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := feed.next(t)

	sub.changes <- remoteChange(events.ActionCreate, "g1", "dev-b", t0, map[string]any{"name": "one"})
	if got := next(); got != "g1" {
		t.Fatalf("first update: got %s, want g1", got)
	}

	// The repeat is skipped; g2 shows the feed moved past it.
	sub.changes <- remoteChange(events.ActionUpdate, "g1", "dev-b", t0.Add(time.Minute), map[string]any{"name": "two"})
	sub.changes <- remoteChange(events.ActionCreate, "g2", "dev-b", t0, map[string]any{"name": "other"})
	if got := next(); got != "g2" {
		t.Fatalf("second update: got %s, want g2", got)
	}
	if got := name("g1"); got != "one" {
		t.Fatalf("g1 inside window: got %v, want one", got)
	}

	time.Sleep(2 * ttl)
	sub.changes <- remoteChange(events.ActionUpdate, "g1", "dev-b", t0.Add(2*time.Minute), map[string]any{"name": "three"})
	if got := next(); got != "g1" {
		t.Fatalf("update after window: got %s, want g1", got)
	}
	if got := name("g1"); got != "three" {
		t.Errorf("g1 after window: got %v, want three", got)
	}
}
