package store

import (
	"context"
	"sync"
	"time"

	"alarmd/internal/alarm"
)

// Cache is a best-effort read accelerator in front of the canonical map.
// It is never the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) (alarm.Alarm, bool, error)
	Set(ctx context.Context, key string, a alarm.Alarm, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

func cacheKey(id string) string { return "alarm:" + id }

type cacheEntry struct {
	a   alarm.Alarm
	exp time.Time // zero = no expiry
}

// MemoryCache is an in-process TTL cache bounded to maxEntries.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache returns a cache holding at most maxEntries values (<=0 means 1024).
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryCache{entries: map[string]cacheEntry{}, maxEntries: maxEntries, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (alarm.Alarm, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return alarm.Alarm{}, false, nil
	}
	if !e.exp.IsZero() && !c.now().Before(e.exp) {
		delete(c.entries, key)
		return alarm.Alarm{}, false, nil
	}
	return e.a.Clone(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, a alarm.Alarm, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{a: a.Clone(), exp: exp}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, or the one closest to expiry if none are.
func (c *MemoryCache) evictLocked(now time.Time) {
	victim := ""
	var victimExp time.Time
	for k, e := range c.entries {
		if !e.exp.IsZero() && !now.Before(e.exp) {
			delete(c.entries, k)
			continue
		}
		if victim == "" || (!e.exp.IsZero() && (victimExp.IsZero() || e.exp.Before(victimExp))) {
			victim, victimExp = k, e.exp
		}
	}
	if len(c.entries) >= c.maxEntries && victim != "" {
		delete(c.entries, victim)
	}
}
