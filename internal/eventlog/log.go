// Package eventlog keeps the bounded, append-only history of alarm lifecycle
// transitions.
package eventlog

import (
	"context"
	"sync"
	"time"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

const DefaultRetention = 100

type Log struct {
	retention   int
	persistence alarm.Persistence
	timeout     time.Duration
	log         logx.Logger

	mu     sync.RWMutex
	events []alarm.Event

	persistMu sync.Mutex
}

// New returns a log retaining the newest retention events (<=0 means 100).
// p may be nil.
func New(retention int, p alarm.Persistence, log logx.Logger) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{
		retention:   retention,
		persistence: p,
		timeout:     5 * time.Second,
		log:         log.With(logx.String("comp", "eventlog")),
		events:      make([]alarm.Event, 0, retention),
	}
}

// Append records e, evicting the oldest entries past the retention bound,
// then saves the log. A save failure is logged and ignored.
func (l *Log) Append(ctx context.Context, e alarm.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	if over := len(l.events) - l.retention; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	l.mu.Unlock()
	l.persist(ctx)
}

// Recent returns up to n newest events, oldest first. n <= 0 returns all.
func (l *Log) Recent(n int) []alarm.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && n < len(l.events) {
		start = len(l.events) - n
	}
	return append([]alarm.Event(nil), l.events[start:]...)
}

// ForAlarm returns the retained events of one alarm, oldest first.
func (l *Log) ForAlarm(id string) []alarm.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []alarm.Event
	for _, e := range l.events {
		if e.AlarmID == id {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Load replaces the log with the persisted events, keeping the newest ones.
func (l *Log) Load(ctx context.Context) (int, error) {
	if l.persistence == nil {
		return 0, nil
	}
	list, err := l.persistence.LoadEvents(ctx)
	if err != nil {
		return 0, err
	}
	if over := len(list) - l.retention; over > 0 {
		list = list[over:]
	}
	l.mu.Lock()
	l.events = append(make([]alarm.Event, 0, l.retention), list...)
	l.mu.Unlock()
	return len(list), nil
}

func (l *Log) persist(ctx context.Context) {
	if l.persistence == nil {
		return
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	snap := l.Recent(0)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.persistence.SaveEvents(pctx, snap); err != nil {
		l.log.Warn("persist events failed", logx.Int("count", len(snap)), logx.Err(err))
	}
}
