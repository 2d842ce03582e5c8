package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "5m"); use Resolve to get typed settings.
type Config struct {
	Engine    EngineConfig    `json:"engine"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	EventLog  EventLogConfig  `json:"event_log"`
	Cache     CacheConfig     `json:"cache"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	Telegram  TelegramConfig  `json:"telegram"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
}

// EngineConfig controls alarm limits, the poller and owner time zones.
//
// Defaults (when fields are omitted/zero):
//   - max_alarms_per_user: 50
//   - poll_interval: "30s" (must not exceed "1m")
//   - adapter_timeout: "5s"
//   - timezone: "UTC"
type EngineConfig struct {
	MaxAlarmsPerUser int               `json:"max_alarms_per_user,omitempty"`
	PollInterval     string            `json:"poll_interval,omitempty"`
	AdapterTimeout   string            `json:"adapter_timeout,omitempty"`
	Timezone         string            `json:"timezone,omitempty"`
	UserTimezones    map[string]string `json:"user_timezones,omitempty"`
}

// RateLimitConfig bounds create/update/delete per user.
// Enabled is a pointer so an omitted section keeps limiting on.
type RateLimitConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Strategy string `json:"strategy,omitempty"` // window | token
	Quota    int    `json:"quota,omitempty"`
	Window   string `json:"window,omitempty"`
}

type EventLogConfig struct {
	Retention int `json:"retention,omitempty"`
}

type CacheConfig struct {
	Enabled    bool   `json:"enabled"`
	TTL        string `json:"ttl,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alarmd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// NotifierConfig controls reminder delivery.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// TelegramConfig enables the Telegram sender. Chats maps alarm owners to the
// chat their reminders go to. An empty token keeps delivery on the log sender.
type TelegramConfig struct {
	Token       string           `json:"token"`
	PollTimeout string           `json:"poll_timeout,omitempty"`
	Chats       map[string]int64 `json:"chats,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// Pprof mounts /debug/pprof on the API listener. Keep addr on loopback.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
