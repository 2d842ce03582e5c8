package config

import (
	"reflect"
	"strings"

	logx "alarmd/pkg/logx"
)

// SummarizeChange lists the sections that differ between oldCfg and newCfg
// plus safe log fields for them. Secrets (the bot token) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		fields = append(fields,
			logx.Int("engine.max_alarms_per_user", newCfg.Engine.MaxAlarmsPerUser),
			logx.String("engine.poll_interval", newCfg.Engine.PollInterval),
			logx.String("engine.timezone", newCfg.Engine.Timezone),
			logx.Int("engine.user_timezones", len(newCfg.Engine.UserTimezones)),
		)
	}
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		fields = append(fields,
			logx.Bool("rate_limit.enabled", newCfg.RateLimit.Enabled == nil || *newCfg.RateLimit.Enabled),
			logx.String("rate_limit.strategy", newCfg.RateLimit.Strategy),
			logx.Int("rate_limit.quota", newCfg.RateLimit.Quota),
			logx.String("rate_limit.window", newCfg.RateLimit.Window),
		)
	}
	if oldCfg.EventLog != newCfg.EventLog {
		changed = append(changed, "event_log")
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	oldTok, newTok := strings.TrimSpace(oldCfg.Telegram.Token), strings.TrimSpace(newCfg.Telegram.Token)
	if oldTok != newTok ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		!reflect.DeepEqual(oldCfg.Telegram.Chats, newCfg.Telegram.Chats) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_set", newTok != ""),
			logx.Bool("telegram.token_changed", oldTok != newTok),
			logx.Int("telegram.chats", len(newCfg.Telegram.Chats)),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		fields = append(fields, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr), logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	return changed, fields
}

// RestartRequired reports sections whose change only takes effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "cache", "event_log", "http":
			out = append(out, s)
		}
	}
	return out
}
