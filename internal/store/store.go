// Package store owns the canonical alarm table. Every alarm mutation goes
// through it: CRUD from the engine and lifecycle transitions via Transition.
// The cache and persistence behind it are best-effort.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"alarmd/internal/alarm"
	"alarmd/internal/ratelimit"
	logx "alarmd/pkg/logx"
)

const (
	DefaultMaxPerUser     = 50
	DefaultCacheTTL       = 5 * time.Minute
	DefaultPersistTimeout = 5 * time.Second
)

type Options struct {
	MaxPerUser     int
	Limiter        ratelimit.Limiter
	Cache          Cache
	CacheTTL       time.Duration
	Persistence    alarm.Persistence
	PersistTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
	Log            logx.Logger
}

type Store struct {
	maxPerUser     int
	cache          Cache
	cacheTTL       time.Duration
	persistence    alarm.Persistence
	persistTimeout time.Duration
	now            func() time.Time
	newID          func() string
	log            logx.Logger

	limMu   sync.RWMutex
	limiter ratelimit.Limiter

	mu     sync.RWMutex
	alarms map[string]alarm.Alarm

	// persistMu serializes snapshot writes so an older snapshot never lands
	// after a newer one.
	persistMu sync.Mutex
}

func New(opt Options) *Store {
	if opt.MaxPerUser <= 0 {
		opt.MaxPerUser = DefaultMaxPerUser
	}
	if opt.CacheTTL <= 0 {
		opt.CacheTTL = DefaultCacheTTL
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = DefaultPersistTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	return &Store{
		maxPerUser:     opt.MaxPerUser,
		limiter:        opt.Limiter,
		cache:          opt.Cache,
		cacheTTL:       opt.CacheTTL,
		persistence:    opt.Persistence,
		persistTimeout: opt.PersistTimeout,
		now:            opt.Now,
		newID:          opt.NewID,
		log:            opt.Log.With(logx.String("comp", "store")),
		alarms:         map[string]alarm.Alarm{},
	}
}

// SetLimiter swaps the rate limiter (config reload). nil fails open.
func (s *Store) SetLimiter(l ratelimit.Limiter) {
	s.limMu.Lock()
	s.limiter = l
	s.limMu.Unlock()
}

func (s *Store) allow(userID string, action ratelimit.Action) bool {
	s.limMu.RLock()
	l := s.limiter
	s.limMu.RUnlock()
	return ratelimit.Allow(l, userID, action)
}

// Create validates in and inserts a new armed alarm.
func (s *Store) Create(ctx context.Context, in alarm.Input) (alarm.Alarm, error) {
	if err := alarm.ValidateCreate(in); err != nil {
		return alarm.Alarm{}, err
	}
	a := in.Build()

	s.mu.Lock()
	if n := s.countLocked(in.UserID); n >= s.maxPerUser {
		s.mu.Unlock()
		return alarm.Alarm{}, alarm.Errorf(alarm.KindLimitExceeded, "user %q already has %d alarms (max %d)", in.UserID, n, s.maxPerUser)
	}
	if !s.allow(in.UserID, ratelimit.ActionCreate) {
		s.mu.Unlock()
		return alarm.Alarm{}, alarm.Errorf(alarm.KindRateLimited, "create rate limit exceeded for %q", in.UserID)
	}
	now := s.now()
	a.ID = s.newID()
	for _, exists := s.alarms[a.ID]; exists; _, exists = s.alarms[a.ID] {
		a.ID = s.newID()
	}
	a.CreatedAt, a.UpdatedAt = now, now
	a.State = alarm.StateArmed
	s.alarms[a.ID] = a.Clone()
	s.cacheSet(ctx, a)
	s.mu.Unlock()

	s.persist(ctx)
	s.log.Debug("alarm created", logx.String("id", a.ID), logx.String("user", a.UserID), logx.String("time", a.Time()))
	return a, nil
}

// Update merges p onto alarm id on behalf of actor ("" = system caller).
// ID, owner, creation time and lifecycle fields are preserved.
func (s *Store) Update(ctx context.Context, actor, id string, p alarm.Patch) (alarm.Alarm, error) {
	s.mu.Lock()
	existing, ok := s.alarms[id]
	if !ok {
		s.mu.Unlock()
		return alarm.Alarm{}, alarm.Errorf(alarm.KindNotFound, "alarm %s", id)
	}
	if err := checkOwner(existing, actor); err != nil {
		s.mu.Unlock()
		return alarm.Alarm{}, err
	}
	if err := alarm.ValidateUpdate(existing, p); err != nil {
		s.mu.Unlock()
		return alarm.Alarm{}, err
	}
	if !s.allow(existing.UserID, ratelimit.ActionUpdate) {
		s.mu.Unlock()
		return alarm.Alarm{}, alarm.Errorf(alarm.KindRateLimited, "update rate limit exceeded for %q", existing.UserID)
	}
	next := p.Apply(existing)
	next.ID = existing.ID
	next.UserID = existing.UserID
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = s.now()
	s.alarms[id] = next.Clone()
	s.cacheSet(ctx, next)
	s.mu.Unlock()

	s.persist(ctx)
	s.log.Debug("alarm updated", logx.String("id", id))
	return next, nil
}

// Delete removes alarm id. An unknown id reports (false, nil).
func (s *Store) Delete(ctx context.Context, actor, id string) (bool, error) {
	_, ok, err := s.Remove(ctx, actor, id)
	return ok, err
}

// Remove is Delete that also returns the removed alarm.
func (s *Store) Remove(ctx context.Context, actor, id string) (alarm.Alarm, bool, error) {
	s.mu.Lock()
	existing, ok := s.alarms[id]
	if !ok {
		s.mu.Unlock()
		return alarm.Alarm{}, false, nil
	}
	if err := checkOwner(existing, actor); err != nil {
		s.mu.Unlock()
		return alarm.Alarm{}, false, err
	}
	if !s.allow(existing.UserID, ratelimit.ActionDelete) {
		s.mu.Unlock()
		return alarm.Alarm{}, false, alarm.Errorf(alarm.KindRateLimited, "delete rate limit exceeded for %q", existing.UserID)
	}
	delete(s.alarms, id)
	s.cacheDelete(ctx, id)
	s.mu.Unlock()

	s.persist(ctx)
	s.log.Debug("alarm deleted", logx.String("id", id))
	return existing, true, nil
}

// Get returns alarm id, cache first.
//
// Cache writes happen under s.mu together with the map write they mirror, so
// a refill from a reader can never land after a newer write-through.
func (s *Store) Get(ctx context.Context, id string) (alarm.Alarm, error) {
	if s.cache != nil {
		a, hit, err := s.cache.Get(ctx, cacheKey(id))
		if err != nil {
			s.log.Warn("cache get failed", logx.String("id", id), logx.Err(err))
		} else if hit {
			s.mu.RLock()
			_, live := s.alarms[id]
			if !live {
				// Stale entry for a deleted alarm.
				s.cacheDelete(ctx, id)
			}
			s.mu.RUnlock()
			if live {
				return a, nil
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alarms[id]
	if !ok {
		return alarm.Alarm{}, alarm.Errorf(alarm.KindNotFound, "alarm %s", id)
	}
	a = a.Clone()
	s.cacheSet(ctx, a)
	return a, nil
}

// ListByUser returns the alarms owned by userID plus legacy alarms without an
// owner, ordered by time of day.
func (s *Store) ListByUser(userID string) []alarm.Alarm {
	s.mu.RLock()
	out := make([]alarm.Alarm, 0, 8)
	for _, a := range s.alarms {
		if a.UserID == userID || a.UserID == "" {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	sortByClock(out)
	return out
}

// List returns every alarm.
func (s *Store) List() []alarm.Alarm {
	s.mu.RLock()
	out := make([]alarm.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()
	sortByClock(out)
	return out
}

// Count returns the number of alarms owned by userID.
func (s *Store) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(userID)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alarms)
}

// Transition applies fn to a copy of alarm id and stores the result. An error
// from fn leaves the alarm unchanged. Identity and ownership cannot change.
func (s *Store) Transition(ctx context.Context, id string, fn func(a *alarm.Alarm) error) (alarm.Alarm, error) {
	s.mu.Lock()
	cur, ok := s.alarms[id]
	if !ok {
		s.mu.Unlock()
		return alarm.Alarm{}, alarm.Errorf(alarm.KindNotFound, "alarm %s", id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return alarm.Alarm{}, err
	}
	next.ID, next.UserID, next.CreatedAt = cur.ID, cur.UserID, cur.CreatedAt
	next.UpdatedAt = s.now()
	s.alarms[id] = next.Clone()
	s.cacheSet(ctx, next)
	s.mu.Unlock()

	s.persist(ctx)
	return next, nil
}

// Load replaces the table with the persisted alarms. Without persistence it is a no-op.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persistence == nil {
		return 0, nil
	}
	list, err := s.persistence.LoadAlarms(ctx)
	if err != nil {
		return 0, err
	}
	m := make(map[string]alarm.Alarm, len(list))
	for _, a := range list {
		if strings.TrimSpace(a.ID) == "" {
			s.log.Warn("skipping persisted alarm without id")
			continue
		}
		if a.State == "" {
			a.State = alarm.StateArmed
		}
		m[a.ID] = a.Clone()
	}
	s.mu.Lock()
	s.alarms = m
	if s.cache != nil {
		if err := s.cache.Clear(ctx); err != nil {
			s.log.Warn("cache clear failed", logx.Err(err))
		}
	}
	s.mu.Unlock()
	return len(m), nil
}

func (s *Store) countLocked(userID string) int {
	n := 0
	for _, a := range s.alarms {
		if a.UserID == userID {
			n++
		}
	}
	return n
}

// cacheSet and cacheDelete must be called with s.mu held.
func (s *Store) cacheSet(ctx context.Context, a alarm.Alarm) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(a.ID), a, s.cacheTTL); err != nil {
		s.log.Warn("cache set failed", logx.String("id", a.ID), logx.Err(err))
		// A failed write-through must not leave an older copy readable.
		_ = s.cache.Delete(ctx, cacheKey(a.ID))
	}
}

func (s *Store) cacheDelete(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
		s.log.Warn("cache delete failed", logx.String("id", id), logx.Err(err))
	}
}

func (s *Store) persist(ctx context.Context) {
	if s.persistence == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snap := make([]alarm.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		snap = append(snap, a.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	if err := s.persistence.SaveAlarms(pctx, snap); err != nil {
		s.log.Warn("persist alarms failed", logx.Int("count", len(snap)), logx.Err(err))
	}
}

func checkOwner(a alarm.Alarm, actor string) error {
	if actor == "" || actor == a.UserID {
		return nil
	}
	return alarm.Errorf(alarm.KindOwnership, "alarm %s is not owned by %q", a.ID, actor)
}

func sortByClock(list []alarm.Alarm) {
	sort.Slice(list, func(i, j int) bool {
		ci, cj := list[i].Hour*60+list[i].Minute, list[j].Hour*60+list[j].Minute
		if ci != cj {
			return ci < cj
		}
		return list[i].ID < list[j].ID
	})
}
