package app

import (
	"context"
	"fmt"

	"alarmd/internal/alarm"
	"alarmd/internal/config"
	"alarmd/internal/notifier"
	"alarmd/internal/ratelimit"
	"alarmd/internal/storage"
	"alarmd/internal/transport"
	logx "alarmd/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func limiterFor(s config.Settings) (ratelimit.Limiter, error) {
	return ratelimit.New(ratelimit.Config{
		Enabled:  s.RateLimitEnabled,
		Strategy: s.RateLimitStrategy,
		Quota:    s.RateLimitQuota,
		Window:   s.RateLimitWindow,
	})
}

func storageFor(s config.Settings) storage.Config {
	return storage.Config{Driver: s.StorageDriver, Path: s.StoragePath, BusyTimeout: s.StorageBusyTimeout}
}

func notifierFor(s config.Settings) notifier.Config {
	return notifier.Config{
		Enabled:       s.NotifierEnabled,
		Workers:       s.NotifierWorkers,
		QueueSize:     s.NotifierQueueSize,
		RatePerSec:    s.NotifierRatePerSec,
		RetryMax:      s.NotifierRetryMax,
		RetryBase:     s.NotifierRetryBase,
		RetryMaxDelay: s.NotifierRetryMaxDelay,
		SendTimeout:   s.NotifierSendTimeout,
	}
}

func zonesFor(s config.Settings) alarm.ZoneResolver {
	return alarm.ZoneMap(s.Location, s.UserLocations)
}

// anyTarget routes every user to the zero target, which LogSender ignores.
func anyTarget(string) (transport.Target, bool) { return transport.Target{}, true }

// pressHandler turns Telegram button presses into lifecycle calls on behalf
// of the pressing user.
func pressHandler(eng interface {
	Snooze(ctx context.Context, actor, id string, minutes int) (alarm.Alarm, error)
	Dismiss(ctx context.Context, actor, id, method string) (alarm.Alarm, error)
}) func(ctx context.Context, userID, action, alarmID string) (string, error) {
	return func(ctx context.Context, userID, action, alarmID string) (string, error) {
		switch action {
		case "snooze":
			a, err := eng.Snooze(ctx, userID, alarmID, 0)
			if err != nil {
				return "", err
			}
			if a.SnoozeUntil != nil {
				return "Snoozed until " + a.SnoozeUntil.Format("15:04"), nil
			}
			return "Snoozed", nil
		case "dismiss":
			if _, err := eng.Dismiss(ctx, userID, alarmID, "button"); err != nil {
				return "", err
			}
			return "Dismissed", nil
		default:
			return "", fmt.Errorf("unknown action %q", action)
		}
	}
}

// validate is installed as the config manager's reload check.
func validate(_ context.Context, cfg *config.Config) error {
	s, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if _, err := limiterFor(s); err != nil {
		return err
	}
	return nil
}
