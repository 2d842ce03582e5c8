package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

// Enqueuer accepts reminders that are due now.
type Enqueuer interface {
	Enqueue(ctx context.Context, n Notification) error
}

type pending struct {
	timer *time.Timer
	ver   uint64
	at    time.Time
}

// Scheduler implements alarm.Notifier with one-shot timers. Scheduling an
// alarm replaces its pending reminder; a callback from a replaced or
// cancelled timer is ignored.
type Scheduler struct {
	out Enqueuer
	now func() time.Time
	log logx.Logger

	mu      sync.Mutex
	pending map[string]*pending
	seq     uint64
	closed  bool
}

var _ alarm.Notifier = (*Scheduler)(nil)

func NewScheduler(out Enqueuer, log logx.Logger) *Scheduler {
	return &Scheduler{
		out:     out,
		now:     time.Now,
		log:     log.With(logx.String("comp", "notifier.scheduler")),
		pending: map[string]*pending{},
	}
}

func (s *Scheduler) Schedule(ctx context.Context, alarmID string, at time.Time, p alarm.Payload) error {
	if alarmID == "" {
		return errors.New("alarm id required")
	}
	if at.IsZero() {
		return errors.New("reminder time required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStopped
	}
	if old := s.pending[alarmID]; old != nil {
		old.timer.Stop()
	}
	s.seq++
	ver := s.seq
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	n := Notification{AlarmID: alarmID, UserID: p.UserID, Label: p.Label, Mood: p.Mood, At: at, Snoozed: p.Snoozed}
	s.pending[alarmID] = &pending{
		ver:   ver,
		at:    at,
		timer: time.AfterFunc(delay, func() { s.fire(alarmID, ver, n) }),
	}
	s.log.Debug("reminder scheduled", logx.String("alarm", alarmID), logx.Time("at", at))
	return nil
}

func (s *Scheduler) Cancel(_ context.Context, alarmID string) error {
	s.mu.Lock()
	if p := s.pending[alarmID]; p != nil {
		p.timer.Stop()
		delete(s.pending, alarmID)
	}
	s.mu.Unlock()
	return nil
}

// Next returns the pending reminder time of alarmID.
func (s *Scheduler) Next(alarmID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[alarmID]
	if p == nil {
		return time.Time{}, false
	}
	return p.at, true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops every pending timer and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(alarmID string, ver uint64, n Notification) {
	s.mu.Lock()
	p := s.pending[alarmID]
	if s.closed || p == nil || p.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.pending, alarmID)
	s.mu.Unlock()

	if s.out == nil {
		return
	}
	if err := s.out.Enqueue(context.Background(), n); err != nil {
		s.log.Warn("reminder not queued", logx.String("alarm", alarmID), logx.Err(err))
	}
}
