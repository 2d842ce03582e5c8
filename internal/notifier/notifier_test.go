package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/transport"
	logx "alarmd/pkg/logx"
)

type recSender struct {
	mu    sync.Mutex
	fails int
	msgs  []transport.Message
	calls int
}

func (r *recSender) Name() string { return "rec" }

func (r *recSender) Send(_ context.Context, m transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fails {
		return errors.New("telegram 502")
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recSender) sent() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.msgs...)
}

type recEnqueuer struct {
	ch chan Notification
}

func (r *recEnqueuer) Enqueue(_ context.Context, n Notification) error {
	r.ch <- n
	return nil
}

func anyTarget(string) (transport.Target, bool) { return transport.Target{ChatID: 42}, true }

func waitEvent(t *testing.T, ch <-chan eventbus.Event, topic string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == topic {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", topic)
		}
	}
}

func TestServiceDeliversWithRetry(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	sender := &recSender{fails: 2}
	svc := New(Config{Enabled: true, Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, RatePerSec: 100}, sender, anyTarget, bus, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	err := svc.Enqueue(context.Background(), Notification{AlarmID: "a1", UserID: "u1", Label: "Wake", At: time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, events, TopicSent)
	if d, _ := e.Data.(DeliveryEvent); d.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", d.Attempts)
	}
	msgs := sender.sent()
	if len(msgs) != 1 || msgs[0].Target.ChatID != 42 || !strings.Contains(msgs[0].Text, "07:00") {
		t.Fatalf("sent = %+v", msgs)
	}
	if len(msgs[0].Actions) != 2 {
		t.Fatalf("actions = %+v", msgs[0].Actions)
	}
	if h := svc.History(); len(h) != 1 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestServiceFailsWithoutTarget(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	noTarget := func(string) (transport.Target, bool) { return transport.Target{}, false }
	svc := New(Config{Enabled: true, Workers: 1}, &recSender{}, noTarget, bus, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	_ = svc.Enqueue(context.Background(), Notification{AlarmID: "a1", UserID: "ghost"})
	e := waitEvent(t, events, TopicFailed)
	if d, _ := e.Data.(DeliveryEvent); !strings.Contains(d.Error, "no delivery target") {
		t.Fatalf("event = %+v", d)
	}
}

func TestServiceRejectsWhenStoppedOrDisabled(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &recSender{}, anyTarget, nil, logx.Nop())
	if err := off.Enqueue(context.Background(), Notification{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want disabled", err)
	}
	svc := New(Config{Enabled: true}, &recSender{}, anyTarget, nil, logx.Nop())
	if err := svc.Enqueue(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want stopped before start", err)
	}
	svc.Start(context.Background())
	svc.Stop(context.Background())
	if err := svc.Enqueue(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want stopped after stop", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %s outside jitter window", d)
	}
}

func TestSchedulerReplacesAndCancels(t *testing.T) {
	t.Parallel()
	out := &recEnqueuer{ch: make(chan Notification, 4)}
	s := NewScheduler(out, logx.Nop())
	defer s.Close()
	ctx := context.Background()

	far := time.Now().Add(time.Hour)
	p := alarm.Payload{AlarmID: "a1", UserID: "u1", Label: "Wake"}
	if err := s.Schedule(ctx, "a1", far, p); err != nil {
		t.Fatal(err)
	}
	soon := time.Now().Add(10 * time.Millisecond)
	if err := s.Schedule(ctx, "a1", soon, p); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	select {
	case n := <-out.ch:
		if n.AlarmID != "a1" || !n.At.Equal(soon) {
			t.Fatalf("fired %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reminder never fired")
	}

	_ = s.Schedule(ctx, "a2", time.Now().Add(20*time.Millisecond), alarm.Payload{AlarmID: "a2"})
	_ = s.Cancel(ctx, "a2")
	select {
	case n := <-out.ch:
		t.Fatalf("cancelled reminder fired: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	if _, ok := s.Next("a2"); ok {
		t.Fatal("cancelled reminder still pending")
	}
}

func TestSchedulerClosed(t *testing.T) {
	t.Parallel()
	s := NewScheduler(nil, logx.Nop())
	s.Close()
	if err := s.Schedule(context.Background(), "a1", time.Now(), alarm.Payload{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want stopped", err)
	}
}
