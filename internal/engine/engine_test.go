package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

// Sunday.
var base = time.Date(2024, time.June, 9, 10, 0, 0, 0, time.UTC)

type memPersistence struct {
	mu     sync.Mutex
	alarms []alarm.Alarm
	events []alarm.Event
}

func (p *memPersistence) LoadAlarms(context.Context) ([]alarm.Alarm, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]alarm.Alarm(nil), p.alarms...), nil
}

func (p *memPersistence) SaveAlarms(_ context.Context, a []alarm.Alarm) error {
	p.mu.Lock()
	p.alarms = append([]alarm.Alarm(nil), a...)
	p.mu.Unlock()
	return nil
}

func (p *memPersistence) LoadEvents(context.Context) ([]alarm.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]alarm.Event(nil), p.events...), nil
}

func (p *memPersistence) SaveEvents(_ context.Context, e []alarm.Event) error {
	p.mu.Lock()
	p.events = append([]alarm.Event(nil), e...)
	p.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{pending: map[string]time.Time{}} }

func (n *fakeNotifier) Schedule(_ context.Context, id string, at time.Time, _ alarm.Payload) error {
	n.mu.Lock()
	n.pending[id] = at
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) Cancel(_ context.Context, id string) error {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) at(id string) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	at, ok := n.pending[id]
	return at, ok
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newEngine(t *testing.T, p alarm.Persistence, n alarm.Notifier, bus eventbus.Bus, c *clock) *Engine {
	t.Helper()
	e, err := New(Options{
		Persistence: p,
		Notifier:    n,
		Bus:         bus,
		Now:         c.Now,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func mondayInput(user string) alarm.Input {
	return alarm.Input{
		UserID: user,
		Time:   "07:00",
		Days:   []int{1},
		Label:  "Wake up",
		Mood:   "calm",
		Snooze: alarm.SnoozeConfig{Enabled: true, IntervalMinutes: 5},
	}
}

func TestCreateSchedulesAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	n := newFakeNotifier()
	e := newEngine(t, nil, n, bus, &clock{t: base})
	ctx := context.Background()

	a, err := e.Create(ctx, mondayInput("u1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := time.Date(2024, time.June, 10, 7, 0, 0, 0, time.UTC)
	if at, ok := n.at(a.ID); !ok || !at.Equal(want) {
		t.Fatalf("reminder = %v %v, want %v", at, ok, want)
	}
	select {
	case ev := <-ch:
		if ev.Type != alarm.TopicCreated {
			t.Fatalf("event type = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no created event")
	}

	next, ok, err := e.NextOccurrence(ctx, a.ID)
	if err != nil || !ok || !next.Equal(want) {
		t.Fatalf("NextOccurrence = %v %v %v", next, ok, err)
	}

	disabled := false
	if _, err := e.Update(ctx, "u1", a.ID, alarm.Patch{Enabled: &disabled}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := n.at(a.ID); ok {
		t.Fatal("disabled alarm still has a pending reminder")
	}
}

func TestDeleteCancelsReminder(t *testing.T) {
	t.Parallel()
	n := newFakeNotifier()
	e := newEngine(t, nil, n, nil, &clock{t: base})
	ctx := context.Background()

	a, err := e.Create(ctx, mondayInput("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Delete(ctx, "u2", a.ID); !errors.Is(err, alarm.ErrOwnership) {
		t.Fatalf("foreign delete err = %v", err)
	}
	ok, err := e.Delete(ctx, "u1", a.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v %v", ok, err)
	}
	if _, ok := n.at(a.ID); ok {
		t.Fatal("reminder left after delete")
	}
	ok, err = e.Delete(ctx, "u1", a.ID)
	if err != nil || ok {
		t.Fatalf("second Delete = %v %v, want false nil", ok, err)
	}
	if _, err := e.Get(ctx, a.ID); !errors.Is(err, alarm.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}

func TestLifecycleThroughEngine(t *testing.T) {
	t.Parallel()
	n := newFakeNotifier()
	c := &clock{t: base}
	e := newEngine(t, nil, n, nil, c)
	ctx := context.Background()

	a, err := e.Create(ctx, mondayInput("u1"))
	if err != nil {
		t.Fatal(err)
	}
	c.Set(time.Date(2024, time.June, 10, 7, 0, 10, 0, time.UTC))
	if _, err := e.Trigger(ctx, a.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := e.Snooze(ctx, "u1", a.ID, 0); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	got, err := e.Dismiss(ctx, "u1", a.ID, "button")
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if got.State != alarm.StateArmed || got.SnoozeCount != 0 {
		t.Fatalf("after dismiss: %+v", got)
	}
	if at, ok := n.at(a.ID); !ok || !at.Equal(time.Date(2024, time.June, 17, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("next reminder = %v %v", at, ok)
	}

	events := e.Events(0)
	kinds := make([]alarm.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []alarm.EventKind{alarm.EventTriggered, alarm.EventSnoozed, alarm.EventDismissed}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
	if len(e.EventsFor(a.ID)) != 3 {
		t.Fatalf("EventsFor = %v", e.EventsFor(a.ID))
	}
	st := e.Stats()
	if st.Alarms != 1 || st.Armed != 1 || st.Events != 3 || st.PendingSnoozes != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDisableMidSnoozeDropsTimerAndReminder(t *testing.T) {
	t.Parallel()
	n := newFakeNotifier()
	c := &clock{t: base}
	e := newEngine(t, nil, n, nil, c)
	ctx := context.Background()

	a, err := e.Create(ctx, mondayInput("u1"))
	if err != nil {
		t.Fatal(err)
	}
	c.Set(time.Date(2024, time.June, 10, 7, 0, 10, 0, time.UTC))
	if _, err := e.Trigger(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Snooze(ctx, "u1", a.ID, 0); err != nil {
		t.Fatal(err)
	}
	if e.Stats().PendingSnoozes != 1 {
		t.Fatalf("stats before disable = %+v", e.Stats())
	}

	off := false
	got, err := e.Update(ctx, "u1", a.ID, alarm.Patch{Enabled: &off})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != alarm.StateArmed || got.SnoozeUntil != nil || got.SnoozeCount != 0 || got.Enabled {
		t.Fatalf("after disable: %+v", got)
	}
	if st := e.Stats(); st.PendingSnoozes != 0 {
		t.Fatalf("snooze timer survived disable: %+v", st)
	}
	if at, ok := n.at(a.ID); ok {
		t.Fatalf("reminder at %v survived disable", at)
	}
	if len(e.EventsFor(a.ID)) != 2 {
		t.Fatalf("EventsFor = %v, want trigger and snooze only", e.EventsFor(a.ID))
	}
}

func TestInitRestoresState(t *testing.T) {
	t.Parallel()
	p := &memPersistence{}
	c := &clock{t: base}
	ctx := context.Background()

	first := newEngine(t, p, newFakeNotifier(), nil, c)
	armed, err := first.Create(ctx, mondayInput("u1"))
	if err != nil {
		t.Fatal(err)
	}
	snoozed, err := first.Create(ctx, mondayInput("u2"))
	if err != nil {
		t.Fatal(err)
	}
	c.Set(time.Date(2024, time.June, 10, 7, 0, 0, 0, time.UTC))
	if _, err := first.Trigger(ctx, snoozed.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Snooze(ctx, "u2", snoozed.ID, 60); err != nil {
		t.Fatal(err)
	}
	_ = first.Shutdown(ctx)

	n := newFakeNotifier()
	second := newEngine(t, p, n, nil, c)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(second.ListByUser("u1")) != 1 || len(second.ListByUser("u2")) != 1 {
		t.Fatal("alarms not restored")
	}
	if _, ok := n.at(armed.ID); !ok {
		t.Fatal("armed alarm has no reminder after Init")
	}
	if second.Stats().PendingSnoozes != 1 {
		t.Fatalf("pending snoozes = %d, want 1", second.Stats().PendingSnoozes)
	}
	if len(second.Events(0)) != 2 {
		t.Fatalf("events = %+v", second.Events(0))
	}
}

func TestNewRejectsSlowPoll(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{PollInterval: 2 * time.Minute, Log: logx.Nop()}); err == nil {
		t.Fatal("expected poll interval error")
	}
}
