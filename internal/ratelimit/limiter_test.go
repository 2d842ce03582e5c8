package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFixedWindowQuotaAndReset(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewFixedWindow(3, time.Minute, clk.Now)

	for i := 0; i < 3; i++ {
		if !l.Allow("u1", ActionCreate) {
			t.Fatalf("call %d denied", i+1)
		}
	}
	if l.Allow("u1", ActionCreate) {
		t.Fatal("4th call allowed")
	}
	// Denials do not consume: still denied but other keys unaffected.
	if !l.Allow("u1", ActionDelete) {
		t.Fatal("different action should have its own window")
	}
	if !l.Allow("u2", ActionCreate) {
		t.Fatal("different user should have its own window")
	}

	clk.Advance(time.Minute)
	if !l.Allow("u1", ActionCreate) {
		t.Fatal("expected allow after window expiry")
	}
}

func TestFixedWindowConcurrent(t *testing.T) {
	t.Parallel()
	l := NewFixedWindow(10, time.Hour, nil)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1", ActionUpdate) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 10 {
		t.Fatalf("allowed = %d, want 10", got)
	}
}

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	l := NewTokenBucket(5, time.Hour)
	for i := 0; i < 5; i++ {
		if !l.Allow("u1", ActionCreate) {
			t.Fatalf("call %d denied", i+1)
		}
	}
	if l.Allow("u1", ActionCreate) {
		t.Fatal("expected denial after burst")
	}
	if !l.Allow("u2", ActionCreate) {
		t.Fatal("other user denied")
	}
}

func TestNewAndFailOpen(t *testing.T) {
	t.Parallel()
	if !Allow(nil, "u1", ActionCreate) {
		t.Fatal("nil limiter must fail open")
	}
	l, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := l.(Nop); !ok {
		t.Fatalf("disabled config = %T, want Nop", l)
	}
	if _, err := New(Config{Enabled: true, Strategy: "leaky", Quota: 1, Window: time.Second}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if _, err := New(Config{Enabled: true, Quota: 0, Window: time.Second}); err == nil {
		t.Fatal("expected error for zero quota")
	}
	l, err = New(Config{Enabled: true, Strategy: "token", Quota: 2, Window: time.Second})
	if err != nil {
		t.Fatalf("New token: %v", err)
	}
	if _, ok := l.(*TokenBucket); !ok {
		t.Fatalf("token strategy = %T", l)
	}
}
