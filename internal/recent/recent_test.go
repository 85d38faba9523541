package recent

import (
	"context"
	"testing"
	"time"
)

func TestMarkAndSeen(t *testing.T) {
	c := New(time.Minute)
	c.Mark(SourceRealtime, "g1")

	if !c.Seen(SourceRealtime, "g1") {
		t.Fatal("expected g1 seen by realtime")
	}
	if c.Seen(SourceLocalWrite, "g1") {
		t.Fatal("sources must not share markers")
	}
	if c.Seen(SourceRealtime, "g2") {
		t.Fatal("unmarked entity reported seen")
	}
}

func TestMarkerExpires(t *testing.T) {
	c := New(40 * time.Millisecond)
	c.Mark(SourceLocalWrite, "t1")

	if !c.Seen(SourceLocalWrite, "t1") {
		t.Fatal("expected marker inside window")
	}

	time.Sleep(60 * time.Millisecond)
	if c.Seen(SourceLocalWrite, "t1") {
		t.Fatal("expected marker to expire after window")
	}
}

func TestSeenDoesNotExtendWindow(t *testing.T) {
	c := New(50 * time.Millisecond)
	c.Mark(SourceRealtime, "t1")

	deadline := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.Seen(SourceRealtime, "t1")
		time.Sleep(10 * time.Millisecond)
	}
	if c.Seen(SourceRealtime, "t1") {
		t.Fatal("reads extended the marker lifetime")
	}
}

func TestRemarkRestartsWindow(t *testing.T) {
	c := New(50 * time.Millisecond)
	c.Mark(SourceRealtime, "t1")
	time.Sleep(30 * time.Millisecond)
	c.Mark(SourceRealtime, "t1")
	time.Sleep(30 * time.Millisecond)
	if !c.Seen(SourceRealtime, "t1") {
		t.Fatal("re-marking should restart the window")
	}
}

func TestForgetAndLen(t *testing.T) {
	c := New(time.Minute)
	c.Mark(SourceRealtime, "a")
	c.Mark(SourceLocalWrite, "a")
	c.Mark(SourceRealtime, "b")

	if got := c.Len(); got != 3 {
		t.Fatalf("len: got %d, want 3", got)
	}
	c.Forget(SourceRealtime, "a")
	if c.Seen(SourceRealtime, "a") {
		t.Fatal("forgotten marker still seen")
	}
	if got := c.Len(); got != 2 {
		t.Fatalf("len after forget: got %d, want 2", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(10 * time.Millisecond)
	c.Run(ctx)
	c.Mark(SourceRealtime, "x")
	time.Sleep(30 * time.Millisecond)
	if c.Len() != 0 {
		t.Fatalf("expected expired marker to be evicted, len=%d", c.Len())
	}
	cancel()
}

func TestDefaultTTL(t *testing.T) {
	if got := New(0).TTL(); got != DefaultTTL {
		t.Fatalf("ttl: got %v, want %v", got, DefaultTTL)
	}
}
