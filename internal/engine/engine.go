// Package engine is the entry point for alarm operations. It owns the store,
// the lifecycle machine, the event log and the trigger poller, and keeps
// reminder scheduling in step with CRUD changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/eventlog"
	"alarmd/internal/lifecycle"
	"alarmd/internal/poller"
	"alarmd/internal/ratelimit"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

type Options struct {
	MaxPerUser     int
	PollInterval   time.Duration
	AdapterTimeout time.Duration
	EventRetention int
	CacheTTL       time.Duration

	Limiter     ratelimit.Limiter
	Cache       store.Cache
	Persistence alarm.Persistence
	Notifier    alarm.Notifier
	Hooks       alarm.BattleHooks
	Bus         eventbus.Bus
	Zones       alarm.ZoneResolver

	Now   func() time.Time
	NewID func() string
	Log   logx.Logger
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Alarms         int          `json:"alarms"`
	Armed          int          `json:"armed"`
	Triggered      int          `json:"triggered"`
	Snoozed        int          `json:"snoozed"`
	Events         int          `json:"events"`
	PendingSnoozes int          `json:"pending_snoozes"`
	Poller         poller.Stats `json:"poller"`
}

type Engine struct {
	store    *store.Store
	events   *eventlog.Log
	machine  *lifecycle.Machine
	poller   *poller.Poller
	notifier alarm.Notifier
	hooks    alarm.BattleHooks
	bus      eventbus.Bus
	zones    alarm.ZoneResolver
	timeout  time.Duration
	now      func() time.Time
	log      logx.Logger
}

func New(opt Options) (*Engine, error) {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Zones == nil {
		opt.Zones = alarm.FixedZone(time.UTC)
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	if opt.AdapterTimeout <= 0 {
		opt.AdapterTimeout = lifecycle.DefaultAdapterTimeout
	}

	st := store.New(store.Options{
		MaxPerUser:  opt.MaxPerUser,
		Limiter:     opt.Limiter,
		Cache:       opt.Cache,
		CacheTTL:    opt.CacheTTL,
		Persistence: opt.Persistence,
		Now:         opt.Now,
		NewID:       opt.NewID,
		Log:         opt.Log,
	})
	events := eventlog.New(opt.EventRetention, opt.Persistence, opt.Log)
	m := lifecycle.New(lifecycle.Options{
		Store:          st,
		Events:         events,
		Notifier:       opt.Notifier,
		Hooks:          opt.Hooks,
		Bus:            opt.Bus,
		Zones:          opt.Zones,
		AdapterTimeout: opt.AdapterTimeout,
		Now:            opt.Now,
		Log:            opt.Log,
	})
	p, err := poller.New(st, m, poller.Options{
		Interval: opt.PollInterval,
		Zones:    opt.Zones,
		Now:      opt.Now,
		Log:      opt.Log,
	})
	if err != nil {
		m.Close()
		return nil, err
	}

	return &Engine{
		store:    st,
		events:   events,
		machine:  m,
		poller:   p,
		notifier: opt.Notifier,
		hooks:    opt.Hooks,
		bus:      opt.Bus,
		zones:    opt.Zones,
		timeout:  opt.AdapterTimeout,
		now:      opt.Now,
		log:      opt.Log.With(logx.String("comp", "engine")),
	}, nil
}

// Init restores persisted state: alarms, events, snooze timers and the
// pending reminder of every enabled armed alarm. Persistence read failures
// are logged and the engine starts empty.
func (e *Engine) Init(ctx context.Context) error {
	if n, err := e.store.Load(ctx); err != nil {
		e.log.Warn("load alarms failed", logx.Err(err))
	} else if n > 0 {
		e.log.Info("alarms loaded", logx.Int("count", n))
	}
	if _, err := e.events.Load(ctx); err != nil {
		e.log.Warn("load events failed", logx.Err(err))
	}
	e.machine.Restore(ctx)

	scheduled := 0
	for _, a := range e.store.List() {
		if !a.Enabled || a.State != alarm.StateArmed {
			continue
		}
		e.machine.ScheduleNext(ctx, a)
		scheduled++
	}
	e.log.Info("engine initialized",
		logx.Int("alarms", e.store.Len()),
		logx.Int("events", e.events.Len()),
		logx.Int("reminders", scheduled),
	)
	return nil
}

// Start runs the trigger poller until Shutdown or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	return e.poller.Start(ctx)
}

// Shutdown stops the poller and every snooze timer.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.poller.Stop(ctx)
	e.machine.Close()
	return err
}

func (e *Engine) Create(ctx context.Context, in alarm.Input) (alarm.Alarm, error) {
	a, err := e.store.Create(ctx, in)
	if err != nil {
		return alarm.Alarm{}, err
	}
	if a.BattleID != "" && e.hooks != nil {
		e.call(ctx, "battle.on_created", a.ID, func(ctx context.Context) error { return e.hooks.OnCreated(ctx, a) })
	}
	e.machine.ScheduleNext(ctx, a)
	e.publish(alarm.TopicCreated, a)
	return a, nil
}

// Update applies p on behalf of actor and re-books the reminder. Enabled alarms
// that are mid-cycle (triggered or snoozed) keep their pending reminder until
// dismissed; disabling one returns it to armed and drops its snooze and reminder.
func (e *Engine) Update(ctx context.Context, actor, id string, p alarm.Patch) (alarm.Alarm, error) {
	a, err := e.store.Update(ctx, actor, id, p)
	if err != nil {
		return alarm.Alarm{}, err
	}
	if !a.Enabled && a.State != alarm.StateArmed {
		if d, err := e.machine.Disarm(ctx, id); err != nil {
			e.log.Warn("disarm after disable failed", logx.String("id", id), logx.Err(err))
		} else {
			a = d
		}
	}
	if a.State == alarm.StateArmed {
		e.machine.ScheduleNext(ctx, a)
	}
	e.publish(alarm.TopicUpdated, a)
	return a, nil
}

// Delete removes id. Unknown ids report (false, nil).
func (e *Engine) Delete(ctx context.Context, actor, id string) (bool, error) {
	removed, ok, err := e.store.Remove(ctx, actor, id)
	if err != nil || !ok {
		return ok, err
	}
	owner := removed.UserID
	e.machine.Forget(id)
	if e.notifier != nil {
		e.call(ctx, "notifier.cancel", id, func(ctx context.Context) error { return e.notifier.Cancel(ctx, id) })
	}
	e.bus.Publish(eventbus.Event{
		Type: alarm.TopicDeleted,
		Time: e.now(),
		Data: alarm.DomainEvent{AlarmID: id, UserID: owner},
	})
	return true, nil
}

func (e *Engine) Get(ctx context.Context, id string) (alarm.Alarm, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) ListByUser(userID string) []alarm.Alarm {
	return e.store.ListByUser(userID)
}

func (e *Engine) Trigger(ctx context.Context, id string) (alarm.Alarm, error) {
	return e.machine.Trigger(ctx, id)
}

func (e *Engine) Snooze(ctx context.Context, actor, id string, minutes int) (alarm.Alarm, error) {
	return e.machine.Snooze(ctx, actor, id, minutes)
}

func (e *Engine) Dismiss(ctx context.Context, actor, id, method string) (alarm.Alarm, error) {
	return e.machine.Dismiss(ctx, actor, id, method)
}

// NextOccurrence reports the next firing of id in its owner's zone.
func (e *Engine) NextOccurrence(ctx context.Context, id string) (time.Time, bool, error) {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	return alarm.NextOccurrence(a, e.now(), e.zones(a.UserID))
}

// Events returns the newest n events, oldest first. n <= 0 returns all retained.
func (e *Engine) Events(n int) []alarm.Event {
	return e.events.Recent(n)
}

func (e *Engine) EventsFor(id string) []alarm.Event {
	return e.events.ForAlarm(id)
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Events:         e.events.Len(),
		PendingSnoozes: e.machine.PendingSnoozes(),
		Poller:         e.poller.Stats(),
	}
	for _, a := range e.store.List() {
		s.Alarms++
		switch a.State {
		case alarm.StateTriggered:
			s.Triggered++
		case alarm.StateSnoozed:
			s.Snoozed++
		default:
			s.Armed++
		}
	}
	return s
}

// SetLimiter swaps the rate limiter on config reload.
func (e *Engine) SetLimiter(l ratelimit.Limiter) { e.store.SetLimiter(l) }

// SetPollInterval changes the poll cadence of a running engine.
func (e *Engine) SetPollInterval(ctx context.Context, d time.Duration) error {
	return e.poller.SetInterval(ctx, d)
}

func (e *Engine) publish(topic string, a alarm.Alarm) {
	cp := a.Clone()
	e.bus.Publish(eventbus.Event{
		Type: topic,
		Time: e.now(),
		Data: alarm.DomainEvent{AlarmID: a.ID, UserID: a.UserID, Alarm: &cp},
	})
}

func (e *Engine) call(ctx context.Context, name, id string, fn func(ctx context.Context) error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("adapter panic",
					logx.String("call", name),
					logx.String("id", id),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				done <- fmt.Errorf("panic in %s", name)
			}
		}()
		done <- fn(cctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			e.log.Warn("adapter call failed", logx.String("call", name), logx.String("id", id), logx.Err(err))
		}
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			e.log.Warn("adapter call timed out", logx.String("call", name), logx.String("id", id), logx.Duration("timeout", e.timeout))
		}
	}
}
