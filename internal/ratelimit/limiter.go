// Package ratelimit bounds mutating alarm operations per (user, action).
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action is a rate-limited operation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Limiter decides whether userID may perform action now. Implementations must
// make the check-and-consume step atomic, and a denial must not consume quota.
type Limiter interface {
	Allow(userID string, action Action) bool
}

// Allow consults l and fails open when l is nil.
func Allow(l Limiter, userID string, action Action) bool {
	if l == nil {
		return true
	}
	return l.Allow(userID, action)
}

// Nop allows everything.
type Nop struct{}

func (Nop) Allow(string, Action) bool { return true }

const (
	StrategyWindow = "window"
	StrategyToken  = "token"
)

// Config selects and sizes a limiter.
type Config struct {
	Enabled  bool
	Strategy string
	Quota    int
	Window   time.Duration
}

// New builds the limiter described by cfg. A disabled config yields Nop.
func New(cfg Config) (Limiter, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if cfg.Quota <= 0 {
		return nil, fmt.Errorf("rate limit quota must be > 0")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", StrategyWindow:
		return NewFixedWindow(cfg.Quota, cfg.Window, nil), nil
	case StrategyToken:
		return NewTokenBucket(cfg.Quota, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", cfg.Strategy)
	}
}

type key struct {
	user   string
	action Action
}

type window struct {
	start time.Time
	count int
}

// FixedWindow allows Quota operations per key in each Window, where a window
// opens at the first operation after the previous one expired.
type FixedWindow struct {
	quota  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	counts    map[key]*window
	lastPrune time.Time
}

// NewFixedWindow builds a fixed-window limiter. now defaults to time.Now.
func NewFixedWindow(quota int, win time.Duration, now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{quota: quota, window: win, now: now, counts: map[key]*window{}}
}

func (l *FixedWindow) Allow(userID string, action Action) bool {
	now := l.now()
	k := key{user: userID, action: action}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= l.window {
		l.pruneLocked(now)
	}
	w := l.counts[k]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.counts[k] = w
	}
	if w.count >= l.quota {
		return false
	}
	w.count++
	return true
}

func (l *FixedWindow) pruneLocked(now time.Time) {
	for k, w := range l.counts {
		if now.Sub(w.start) >= l.window {
			delete(l.counts, k)
		}
	}
	l.lastPrune = now
}

// TokenBucket refills Quota tokens evenly over Window per key.
type TokenBucket struct {
	limit rate.Limit
	burst int

	mu   sync.Mutex
	byKV map[key]*rate.Limiter
}

func NewTokenBucket(quota int, win time.Duration) *TokenBucket {
	return &TokenBucket{
		limit: rate.Every(win / time.Duration(quota)),
		burst: quota,
		byKV:  map[key]*rate.Limiter{},
	}
}

func (l *TokenBucket) Allow(userID string, action Action) bool {
	k := key{user: userID, action: action}
	l.mu.Lock()
	rl := l.byKV[k]
	if rl == nil {
		rl = rate.NewLimiter(l.limit, l.burst)
		l.byKV[k] = rl
	}
	l.mu.Unlock()
	return rl.Allow()
}
