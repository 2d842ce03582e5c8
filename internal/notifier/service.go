package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"alarmd/internal/eventbus"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/transport"
	logx "alarmd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyCap = 300

// Resolver maps an alarm owner to a delivery target.
type Resolver func(userID string) (transport.Target, bool)

// Service is safe for concurrent use.
type Service struct {
	log     logx.Logger
	sender  transport.Sender
	resolve Resolver
	bus     eventbus.Bus

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan Notification
	accepting bool
	enqueueWG sync.WaitGroup
	sup       *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, resolve Resolver, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		sender:  sender,
		resolve: resolve,
		bus:     bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates tunables. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	q := make(chan Notification, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop closes intake and drains queued reminders until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.enqueueWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Enqueue queues n for delivery without blocking.
func (s *Service) Enqueue(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	select {
	case q <- n:
		return nil
	default:
		s.publish(TopicDropped, n, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// QueueLen returns the number of queued reminders.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return
	}
	msg := transport.Message{UserID: n.UserID, Text: formatText(n), Actions: actions(n.AlarmID)}
	if s.resolve != nil {
		target, ok := s.resolve(n.UserID)
		if !ok {
			s.record(n, transport.ErrNoTarget)
			s.publish(TopicFailed, n, 0, transport.ErrNoTarget)
			return
		}
		msg.Target = target
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sender.Send(cctx, msg)
		cancel()
		if err == nil {
			s.record(n, nil)
			s.publish(TopicSent, n, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("alarm", n.AlarmID), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts || errors.Is(err, transport.ErrNoTarget) {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("reminder delivery failed", logx.String("alarm", n.AlarmID), logx.String("user", n.UserID), logx.Err(lastErr))
	s.record(n, lastErr)
	s.publish(TopicFailed, n, attempts, lastErr)
}

func (s *Service) record(n Notification, err error) {
	item := HistoryItem{At: time.Now(), AlarmID: n.AlarmID, UserID: n.UserID, Sender: s.sender.Name()}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(topic string, n Notification, attempts int, err error) {
	ev := DeliveryEvent{AlarmID: n.AlarmID, UserID: n.UserID, At: time.Now(), Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: ev.At, Data: ev})
}

func formatText(n Notification) string {
	clock := n.At.Format("15:04")
	label := n.Label
	if label == "" {
		label = "Alarm"
	}
	if n.Snoozed {
		return fmt.Sprintf("⏰ %s (snoozed until %s)", label, clock)
	}
	if n.Mood != "" {
		return fmt.Sprintf("⏰ %s at %s [%s]", label, clock, n.Mood)
	}
	return fmt.Sprintf("⏰ %s at %s", label, clock)
}

func actions(alarmID string) []transport.Action {
	return []transport.Action{
		{Label: "Snooze", Data: transport.ActionData("snooze", alarmID)},
		{Label: "Dismiss", Data: transport.ActionData("dismiss", alarmID)},
	}
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
