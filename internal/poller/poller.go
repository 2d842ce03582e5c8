// Package poller periodically scans the alarm table and triggers alarms whose
// wall-clock minute has come.
package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

const (
	DefaultInterval = 30 * time.Second
	// MaxInterval keeps every wall-clock minute observed by at least one tick.
	MaxInterval = time.Minute
)

// Source lists the alarms to consider on each tick.
type Source interface {
	List() []alarm.Alarm
}

// Triggerer performs the armed → triggered transition.
type Triggerer interface {
	Trigger(ctx context.Context, id string) (alarm.Alarm, error)
}

type Options struct {
	Interval time.Duration
	Zones    alarm.ZoneResolver
	Now      func() time.Time
	Log      logx.Logger
}

// Stats are diagnostic counters.
type Stats struct {
	Ticks     uint64    `json:"ticks"`
	Skipped   uint64    `json:"skipped"`
	Triggered uint64    `json:"triggered"`
	Failures  uint64    `json:"failures"`
	LastTick  time.Time `json:"last_tick"`
}

type Poller struct {
	src   Source
	trig  Triggerer
	zones alarm.ZoneResolver
	now   func() time.Time
	log   logx.Logger

	running atomic.Bool

	ticks     atomic.Uint64
	skipped   atomic.Uint64
	triggered atomic.Uint64
	failures  atomic.Uint64
	lastTick  atomic.Int64

	mu       sync.Mutex
	interval time.Duration
	c        *cron.Cron
	cancel   context.CancelFunc
}

func New(src Source, trig Triggerer, opt Options) (*Poller, error) {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Interval > MaxInterval {
		return nil, fmt.Errorf("poll interval %s exceeds %s", opt.Interval, MaxInterval)
	}
	if opt.Zones == nil {
		opt.Zones = alarm.FixedZone(time.UTC)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Poller{
		src:      src,
		trig:     trig,
		zones:    opt.Zones,
		now:      opt.Now,
		log:      opt.Log.With(logx.String("comp", "poller")),
		interval: opt.Interval,
	}, nil
}

// Tick runs one scan at now. It returns false without doing anything when the
// previous tick is still in progress. Otherwise it waits for every trigger it
// dispatched.
func (p *Poller) Tick(ctx context.Context, now time.Time) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.log.Debug("tick skipped, previous still running")
		return false
	}
	defer p.running.Store(false)
	p.ticks.Add(1)
	p.lastTick.Store(now.UnixNano())

	var wg sync.WaitGroup
	for _, a := range p.src.List() {
		if !p.due(a, now) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.fire(ctx, id)
		}(a.ID)
	}
	wg.Wait()
	return true
}

func (p *Poller) due(a alarm.Alarm, now time.Time) bool {
	if !a.Enabled || a.State != alarm.StateArmed {
		return false
	}
	loc := p.zones(a.UserID)
	if !alarm.DueAt(a, now, loc) {
		return false
	}
	// Dismissing inside the alarm's own minute must not ring it again.
	if a.LastTriggeredAt != nil && alarm.SameMinute(*a.LastTriggeredAt, now, loc) {
		return false
	}
	return true
}

func (p *Poller) fire(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.failures.Add(1)
			p.log.Error("trigger panicked", logx.String("id", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if _, err := p.trig.Trigger(ctx, id); err != nil {
		if alarm.KindOf(err) == alarm.KindInvalidState {
			// Lost a race with another transition of the same alarm.
			p.log.Debug("trigger skipped", logx.String("id", id), logx.Err(err))
			return
		}
		p.failures.Add(1)
		p.log.Warn("trigger failed", logx.String("id", id), logx.Err(err))
		return
	}
	p.triggered.Add(1)
}

// Start schedules Tick every interval until Stop or ctx cancellation.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: p.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(p.interval), cron.FuncJob(func() {
		p.Tick(runCtx, p.now())
	}))
	c.Start()
	p.c, p.cancel = c, cancel
	p.log.Info("poller started", logx.Duration("interval", p.interval))
	return nil
}

// Stop halts the schedule and waits for a running tick, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		p.log.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInterval changes the tick interval, restarting the schedule if it runs.
func (p *Poller) SetInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 || d > MaxInterval {
		return fmt.Errorf("poll interval %s out of range (0, %s]", d, MaxInterval)
	}
	p.mu.Lock()
	same := p.interval == d
	p.interval = d
	running := p.c != nil
	p.mu.Unlock()
	if same || !running {
		return nil
	}
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(context.WithoutCancel(ctx))
}

func (p *Poller) Stats() Stats {
	st := Stats{
		Ticks:     p.ticks.Load(),
		Skipped:   p.skipped.Load(),
		Triggered: p.triggered.Load(),
		Failures:  p.failures.Load(),
	}
	if ns := p.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns)
	}
	return st
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
