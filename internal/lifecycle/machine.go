// Package lifecycle drives alarms through armed, triggered and snoozed.
//
// Transitions of one alarm are serialized by a per-id lock; different alarms
// never contend. Side effects (event log, notifier, battle hooks, bus) run
// after the state change and never roll it back.
package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/eventlog"
	"alarmd/internal/store"
	logx "alarmd/pkg/logx"
)

const DefaultAdapterTimeout = 5 * time.Second

// MethodSnooze is the event method recorded when a snooze expires.
const MethodSnooze = "snooze"

type Options struct {
	Store          *store.Store
	Events         *eventlog.Log
	Notifier       alarm.Notifier
	Hooks          alarm.BattleHooks
	Bus            eventbus.Bus
	Zones          alarm.ZoneResolver
	AdapterTimeout time.Duration
	Now            func() time.Time
	Log            logx.Logger
}

type Machine struct {
	store    *store.Store
	events   *eventlog.Log
	notifier alarm.Notifier
	hooks    alarm.BattleHooks
	bus      eventbus.Bus
	zones    alarm.ZoneResolver
	timeout  time.Duration
	now      func() time.Time
	log      logx.Logger

	locks *keyedMutex

	// snooze re-trigger timers, one per alarm
	tmu    sync.Mutex
	timers map[string]*time.Timer
	ver    map[string]uint64
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opt Options) *Machine {
	if opt.AdapterTimeout <= 0 {
		opt.AdapterTimeout = DefaultAdapterTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Zones == nil {
		opt.Zones = alarm.FixedZone(time.UTC)
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		store:    opt.Store,
		events:   opt.Events,
		notifier: opt.Notifier,
		hooks:    opt.Hooks,
		bus:      opt.Bus,
		zones:    opt.Zones,
		timeout:  opt.AdapterTimeout,
		now:      opt.Now,
		log:      opt.Log.With(logx.String("comp", "lifecycle")),
		locks:    newKeyedMutex(),
		timers:   map[string]*time.Timer{},
		ver:      map[string]uint64{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Trigger fires an armed, enabled alarm. Any other state is ErrInvalidState,
// which makes concurrent triggers of one alarm collapse into a single transition.
func (m *Machine) Trigger(ctx context.Context, id string) (alarm.Alarm, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	now := m.now()
	a, err := m.store.Transition(ctx, id, func(a *alarm.Alarm) error {
		if !a.Enabled {
			return alarm.Errorf(alarm.KindInvalidState, "alarm %s is disabled", id)
		}
		if a.State != alarm.StateArmed {
			return alarm.Errorf(alarm.KindInvalidState, "alarm %s is %s, not armed", id, a.State)
		}
		a.State = alarm.StateTriggered
		a.LastTriggeredAt = &now
		a.SnoozeUntil = nil
		return nil
	})
	if err != nil {
		return alarm.Alarm{}, err
	}
	m.afterTrigger(ctx, a, now, "")
	return a, nil
}

// Snooze defers a ringing alarm by minutes (<=0 uses the alarm's interval) on
// behalf of actor ("" = system caller).
func (m *Machine) Snooze(ctx context.Context, actor, id string, minutes int) (alarm.Alarm, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	now := m.now()
	var until time.Time
	a, err := m.store.Transition(ctx, id, func(a *alarm.Alarm) error {
		if err := checkOwner(*a, actor); err != nil {
			return err
		}
		if a.State != alarm.StateTriggered && a.State != alarm.StateSnoozed {
			return alarm.Errorf(alarm.KindInvalidState, "alarm %s is %s, not ringing", id, a.State)
		}
		if !a.Snooze.Enabled {
			return alarm.Errorf(alarm.KindSnoozeDisabled, "alarm %s does not allow snoozing", id)
		}
		if limit := a.Snooze.MaxSnoozes; limit != nil && a.SnoozeCount+1 > *limit {
			return alarm.Errorf(alarm.KindMaxSnoozes, "alarm %s already snoozed %d of %d times", id, a.SnoozeCount, *limit)
		}
		if minutes <= 0 {
			minutes = a.Snooze.IntervalMinutes
		}
		if minutes <= 0 {
			return alarm.Errorf(alarm.KindValidation, "snooze interval must be > 0")
		}
		until = now.Add(time.Duration(minutes) * time.Minute)
		a.SnoozeCount++
		a.State = alarm.StateSnoozed
		a.SnoozeUntil = &until
		return nil
	})
	if err != nil {
		return alarm.Alarm{}, err
	}

	m.appendEvent(ctx, alarm.Event{AlarmID: id, UserID: a.UserID, Kind: alarm.EventSnoozed, At: now, SnoozeCount: a.SnoozeCount})
	m.armSnooze(id, until)
	if m.notifier != nil {
		m.call(ctx, "notifier.cancel", id, func(ctx context.Context) error { return m.notifier.Cancel(ctx, id) })
		p := alarm.NewPayload(a, until, true)
		m.call(ctx, "notifier.schedule", id, func(ctx context.Context) error { return m.notifier.Schedule(ctx, id, until, p) })
	}
	if m.hasBattle(a) {
		count := a.SnoozeCount
		m.call(ctx, "battle.on_snoozed", id, func(ctx context.Context) error { return m.hooks.OnSnoozed(ctx, a, count) })
	}
	m.publish(alarm.TopicSnoozed, a, "", a.SnoozeCount)
	m.log.Debug("alarm snoozed", logx.String("id", id), logx.Int("count", a.SnoozeCount), logx.Time("until", until))
	return a, nil
}

// Dismiss stops a ringing alarm, resets its snooze count and re-arms it for
// its next occurrence.
func (m *Machine) Dismiss(ctx context.Context, actor, id, method string) (alarm.Alarm, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	now := m.now()
	a, err := m.store.Transition(ctx, id, func(a *alarm.Alarm) error {
		if err := checkOwner(*a, actor); err != nil {
			return err
		}
		if a.State != alarm.StateTriggered && a.State != alarm.StateSnoozed {
			return alarm.Errorf(alarm.KindInvalidState, "alarm %s is %s, not ringing", id, a.State)
		}
		a.SnoozeCount = 0
		a.LastTriggeredAt = &now
		a.State = alarm.StateArmed
		a.SnoozeUntil = nil
		return nil
	})
	if err != nil {
		return alarm.Alarm{}, err
	}

	m.cancelSnooze(id)
	m.appendEvent(ctx, alarm.Event{AlarmID: id, UserID: a.UserID, Kind: alarm.EventDismissed, At: now, Method: method})
	m.scheduleNext(ctx, a, now)
	if m.hasBattle(a) {
		m.call(ctx, "battle.on_dismissed", id, func(ctx context.Context) error { return m.hooks.OnDismissed(ctx, a, method) })
	}
	m.publish(alarm.TopicDismissed, a, method, 0)
	m.log.Debug("alarm dismissed", logx.String("id", id), logx.String("method", method))
	return a, nil
}

// Disarm returns a ringing or snoozed alarm to armed without recording an
// event, dropping its snooze timer. It is used when an alarm is disabled
// mid-cycle. Armed alarms are returned unchanged.
func (m *Machine) Disarm(ctx context.Context, id string) (alarm.Alarm, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.cancelSnooze(id)
	a, err := m.store.Transition(ctx, id, func(a *alarm.Alarm) error {
		if a.State == alarm.StateArmed {
			return nil
		}
		a.State = alarm.StateArmed
		a.SnoozeCount = 0
		a.SnoozeUntil = nil
		return nil
	})
	if err != nil {
		return alarm.Alarm{}, err
	}
	m.log.Debug("alarm disarmed", logx.String("id", id))
	return a, nil
}

// ScheduleNext books the reminder for a's next occurrence after now, or
// cancels any pending one when a has none.
func (m *Machine) ScheduleNext(ctx context.Context, a alarm.Alarm) {
	m.scheduleNext(ctx, a, m.now())
}

func (m *Machine) scheduleNext(ctx context.Context, a alarm.Alarm, now time.Time) {
	if m.notifier == nil {
		return
	}
	next, ok, err := alarm.NextOccurrence(a, now, m.zones(a.UserID))
	if err != nil {
		m.log.Error("next occurrence failed", logx.String("id", a.ID), logx.Err(err))
		return
	}
	if !ok {
		m.call(ctx, "notifier.cancel", a.ID, func(ctx context.Context) error { return m.notifier.Cancel(ctx, a.ID) })
		return
	}
	p := alarm.NewPayload(a, next, false)
	m.call(ctx, "notifier.schedule", a.ID, func(ctx context.Context) error { return m.notifier.Schedule(ctx, a.ID, next, p) })
}

// Restore re-arms snooze timers for alarms persisted as snoozed. Expired
// snoozes fire immediately.
func (m *Machine) Restore(ctx context.Context) int {
	n := 0
	now := m.now()
	for _, a := range m.store.List() {
		if a.State != alarm.StateSnoozed {
			continue
		}
		at := now
		if a.SnoozeUntil != nil {
			at = *a.SnoozeUntil
		}
		m.armSnooze(a.ID, at)
		n++
	}
	if n > 0 {
		m.log.Info("snooze timers restored", logx.Int("count", n))
	}
	return n
}

// Forget drops per-alarm runtime state after a delete.
func (m *Machine) Forget(id string) {
	m.cancelSnooze(id)
}

// PendingSnoozes returns the number of armed snooze timers.
func (m *Machine) PendingSnoozes() int {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	return len(m.timers)
}

// Close stops every snooze timer. Transitions keep working afterwards but no
// new timers are armed.
func (m *Machine) Close() {
	m.tmu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
		delete(m.ver, id)
	}
	m.tmu.Unlock()
	m.cancel()
}

func (m *Machine) afterTrigger(ctx context.Context, a alarm.Alarm, now time.Time, method string) {
	m.appendEvent(ctx, alarm.Event{AlarmID: a.ID, UserID: a.UserID, Kind: alarm.EventTriggered, At: now, Method: method, SnoozeCount: a.SnoozeCount})
	if m.hasBattle(a) {
		m.call(ctx, "battle.on_triggered", a.ID, func(ctx context.Context) error { return m.hooks.OnTriggered(ctx, a) })
	}
	m.publish(alarm.TopicTriggered, a, method, a.SnoozeCount)
	m.log.Debug("alarm triggered", logx.String("id", a.ID), logx.String("user", a.UserID), logx.String("method", method))
}

func (m *Machine) armSnooze(id string, at time.Time) {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.seq++
	ver := m.seq
	m.ver[id] = ver

	delay := at.Sub(m.now())
	if delay < 0 {
		delay = 0
	}
	m.timers[id] = time.AfterFunc(delay, func() { m.fireSnooze(id, ver) })
}

func (m *Machine) cancelSnooze(id string) {
	m.tmu.Lock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	delete(m.ver, id)
	m.tmu.Unlock()
}

func (m *Machine) currentVer(id string, ver uint64) bool {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	return !m.closed && m.ver[id] == ver
}

// fireSnooze re-triggers a snoozed alarm. Callbacks from replaced or
// cancelled timers see a different version and return.
func (m *Machine) fireSnooze(id string, ver uint64) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("snooze timer panicked", logx.String("id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if !m.currentVer(id, ver) {
		return
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	// Re-check under the alarm lock: Snooze and Dismiss bump the version while holding it.
	if !m.currentVer(id, ver) {
		return
	}
	m.tmu.Lock()
	delete(m.timers, id)
	delete(m.ver, id)
	m.tmu.Unlock()

	ctx := m.ctx
	now := m.now()
	a, err := m.store.Transition(ctx, id, func(a *alarm.Alarm) error {
		if !a.Enabled {
			return alarm.Errorf(alarm.KindInvalidState, "alarm %s is disabled", id)
		}
		if a.State != alarm.StateSnoozed {
			return alarm.Errorf(alarm.KindInvalidState, "alarm %s is %s, not snoozed", id, a.State)
		}
		a.State = alarm.StateTriggered
		a.SnoozeUntil = nil
		a.LastTriggeredAt = &now
		return nil
	})
	if err != nil {
		m.log.Debug("snooze expiry ignored", logx.String("id", id), logx.Err(err))
		return
	}
	m.afterTrigger(ctx, a, now, MethodSnooze)
}

func (m *Machine) appendEvent(ctx context.Context, e alarm.Event) {
	if m.events != nil {
		m.events.Append(ctx, e)
	}
}

func (m *Machine) hasBattle(a alarm.Alarm) bool {
	return m.hooks != nil && a.BattleID != ""
}

func (m *Machine) publish(topic string, a alarm.Alarm, method string, count int) {
	cp := a.Clone()
	m.bus.Publish(eventbus.Event{
		Type: topic,
		Time: m.now(),
		Data: alarm.DomainEvent{AlarmID: a.ID, UserID: a.UserID, Alarm: &cp, Method: method, SnoozeCount: count},
	})
}

// call runs an adapter with its own deadline. Failures, panics and timeouts
// are logged; the caller never waits longer than the adapter timeout.
func (m *Machine) call(ctx context.Context, name, id string, fn func(ctx context.Context) error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.log.Warn("adapter call failed", logx.String("adapter", name), logx.String("id", id), logx.Err(err))
		}
	case <-cctx.Done():
		m.log.Warn("adapter call timed out", logx.String("adapter", name), logx.String("id", id), logx.Duration("timeout", m.timeout))
	}
}

func checkOwner(a alarm.Alarm, actor string) error {
	if actor == "" || actor == a.UserID {
		return nil
	}
	return alarm.Errorf(alarm.KindOwnership, "alarm %s is not owned by %q", a.ID, actor)
}
