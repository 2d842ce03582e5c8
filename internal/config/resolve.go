package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Settings is Config with defaults applied and every string parsed.
type Settings struct {
	MaxAlarmsPerUser int
	PollInterval     time.Duration
	AdapterTimeout   time.Duration
	Location         *time.Location
	UserLocations    map[string]*time.Location

	RateLimitEnabled  bool
	RateLimitStrategy string
	RateLimitQuota    int
	RateLimitWindow   time.Duration

	EventRetention int

	CacheEnabled    bool
	CacheTTL        time.Duration
	CacheMaxEntries int

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	NotifierEnabled       bool
	NotifierWorkers       int
	NotifierQueueSize     int
	NotifierRatePerSec    int
	NotifierRetryMax      int
	NotifierRetryBase     time.Duration
	NotifierRetryMaxDelay time.Duration
	NotifierSendTimeout   time.Duration

	TelegramToken       string
	TelegramPollTimeout time.Duration
	TelegramChats       map[string]int64

	HTTPEnabled bool
	HTTPAddr    string
	HTTPPprof   bool
}

// Resolve validates cfg and fills defaults. The first invalid field wins.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		s   Settings
		err error
	)

	s.MaxAlarmsPerUser = cfg.Engine.MaxAlarmsPerUser
	if s.MaxAlarmsPerUser < 0 {
		return Settings{}, errors.New("engine.max_alarms_per_user must be >= 0")
	}
	if s.MaxAlarmsPerUser == 0 {
		s.MaxAlarmsPerUser = 50
	}
	if s.PollInterval, err = durationOr("engine.poll_interval", cfg.Engine.PollInterval, 30*time.Second); err != nil {
		return Settings{}, err
	}
	if s.PollInterval > time.Minute {
		return Settings{}, fmt.Errorf("engine.poll_interval: %s exceeds 1m; minutes would be skipped", s.PollInterval)
	}
	if s.AdapterTimeout, err = durationOr("engine.adapter_timeout", cfg.Engine.AdapterTimeout, 5*time.Second); err != nil {
		return Settings{}, err
	}
	if s.Location, err = loadLocation("engine.timezone", cfg.Engine.Timezone); err != nil {
		return Settings{}, err
	}
	s.UserLocations = make(map[string]*time.Location, len(cfg.Engine.UserTimezones))
	for user, tz := range cfg.Engine.UserTimezones {
		loc, err := loadLocation("engine.user_timezones."+user, tz)
		if err != nil {
			return Settings{}, err
		}
		s.UserLocations[user] = loc
	}

	s.RateLimitEnabled = cfg.RateLimit.Enabled == nil || *cfg.RateLimit.Enabled
	s.RateLimitStrategy = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Strategy))
	switch s.RateLimitStrategy {
	case "":
		s.RateLimitStrategy = "window"
	case "window", "token":
	default:
		return Settings{}, fmt.Errorf("rate_limit.strategy: unknown %q (want window or token)", cfg.RateLimit.Strategy)
	}
	s.RateLimitQuota = cfg.RateLimit.Quota
	if s.RateLimitQuota < 0 {
		return Settings{}, errors.New("rate_limit.quota must be >= 0")
	}
	if s.RateLimitQuota == 0 {
		s.RateLimitQuota = 10
	}
	if s.RateLimitWindow, err = durationOr("rate_limit.window", cfg.RateLimit.Window, time.Minute); err != nil {
		return Settings{}, err
	}

	s.EventRetention = cfg.EventLog.Retention
	if s.EventRetention <= 0 {
		s.EventRetention = 100
	}

	s.CacheEnabled = cfg.Cache.Enabled
	if s.CacheTTL, err = durationOr("cache.ttl", cfg.Cache.TTL, 5*time.Minute); err != nil {
		return Settings{}, err
	}
	s.CacheMaxEntries = cfg.Cache.MaxEntries
	if s.CacheMaxEntries <= 0 {
		s.CacheMaxEntries = 1024
	}

	s.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	s.StoragePath = strings.TrimSpace(cfg.Storage.Path)
	switch s.StorageDriver {
	case "", "none":
		s.StorageDriver = "none"
	case "file", "sqlite":
		if s.StoragePath == "" {
			return Settings{}, fmt.Errorf("storage.path is required for driver %q", s.StorageDriver)
		}
	default:
		return Settings{}, fmt.Errorf("storage.driver: unknown %q (want none, file or sqlite)", cfg.Storage.Driver)
	}
	if s.StorageBusyTimeout, err = durationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return Settings{}, err
	}

	s.NotifierEnabled = cfg.Notifier.Enabled
	s.NotifierWorkers = cfg.Notifier.Workers
	s.NotifierQueueSize = cfg.Notifier.QueueSize
	s.NotifierRatePerSec = cfg.Notifier.RatePerSec
	s.NotifierRetryMax = cfg.Notifier.RetryMax
	if s.NotifierWorkers < 0 || s.NotifierQueueSize < 0 || s.NotifierRatePerSec < 0 || s.NotifierRetryMax < 0 {
		return Settings{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	if s.NotifierRetryBase, err = durationOr("notifier.retry_base", cfg.Notifier.RetryBase, 0); err != nil {
		return Settings{}, err
	}
	if s.NotifierRetryMaxDelay, err = durationOr("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 0); err != nil {
		return Settings{}, err
	}
	if s.NotifierSendTimeout, err = durationOr("notifier.send_timeout", cfg.Notifier.SendTimeout, 0); err != nil {
		return Settings{}, err
	}

	s.TelegramToken = strings.TrimSpace(cfg.Telegram.Token)
	if s.TelegramPollTimeout, err = durationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return Settings{}, err
	}
	s.TelegramChats = make(map[string]int64, len(cfg.Telegram.Chats))
	for user, chat := range cfg.Telegram.Chats {
		if chat == 0 {
			return Settings{}, fmt.Errorf("telegram.chats.%s: chat id must be non-zero", user)
		}
		s.TelegramChats[user] = chat
	}

	s.HTTPEnabled = cfg.HTTP.Enabled
	s.HTTPPprof = cfg.HTTP.Pprof
	s.HTTPAddr = strings.TrimSpace(cfg.HTTP.Addr)
	if s.HTTPAddr == "" {
		s.HTTPAddr = "127.0.0.1:8080"
	}
	if s.HTTPEnabled && s.HTTPPprof && !loopback(s.HTTPAddr) {
		return Settings{}, fmt.Errorf("http.pprof: refusing to expose profiles on non-loopback addr %q", s.HTTPAddr)
	}
	return s, nil
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func loadLocation(path, name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return loc, nil
}

// durationOr parses raw as a non-negative duration, using def when raw is
// empty or zero.
func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
