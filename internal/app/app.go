// Package app wires configuration, logging, storage, the alarm engine and its
// delivery side into one process and owns their start/stop order.
package app

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/api"
	"alarmd/internal/config"
	"alarmd/internal/engine"
	"alarmd/internal/eventbus"
	"alarmd/internal/notifier"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/storage"
	"alarmd/internal/store"
	"alarmd/internal/transport"
	"alarmd/internal/transport/telegram"
	logx "alarmd/pkg/logx"
	"alarmd/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	zones atomic.Pointer[alarm.ZoneResolver]

	tg    *telegram.Sender
	notif *notifier.Service
	sched *notifier.Scheduler
	eng   *engine.Engine
	http  *api.Server

	httpAddr string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New(), httpAddr: s.HTTPAddr}
	z := zonesFor(s)
	a.zones.Store(&z)

	st, err := storage.Open(storageFor(s), root)
	if err != nil {
		return nil, err
	}
	if st != nil {
		a.store = st
		log.Info("storage enabled", logx.String("driver", s.StorageDriver), logx.String("path", s.StoragePath))
	}

	var (
		sender  transport.Sender
		resolve notifier.Resolver
	)
	if s.TelegramToken != "" {
		tg, err := telegram.New(telegram.Config{
			Token:       s.TelegramToken,
			PollTimeout: s.TelegramPollTimeout,
			Chats:       s.TelegramChats,
		}, root)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.tg = tg
		sender, resolve = tg, tg.Resolve
	} else {
		log.Info("telegram token not set; reminders go to the log")
		sender, resolve = transport.LogSender{Log: root.With(logx.String("comp", "reminder"))}, anyTarget
	}
	a.notif = notifier.New(notifierFor(s), sender, resolve, a.bus, root)
	a.sched = notifier.NewScheduler(a.notif, root)

	limiter, err := limiterFor(s)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	var cache store.Cache
	if s.CacheEnabled {
		cache = store.NewMemoryCache(s.CacheMaxEntries)
	}
	var persistence alarm.Persistence
	if a.store != nil {
		persistence = a.store
	}

	eng, err := engine.New(engine.Options{
		MaxPerUser:     s.MaxAlarmsPerUser,
		PollInterval:   s.PollInterval,
		AdapterTimeout: s.AdapterTimeout,
		EventRetention: s.EventRetention,
		CacheTTL:       s.CacheTTL,
		Limiter:        limiter,
		Cache:          cache,
		Persistence:    persistence,
		Notifier:       a.sched,
		Bus:            a.bus,
		Zones:          a.zoneOf,
		Log:            root,
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.eng = eng
	if a.tg != nil {
		a.tg.OnPress(pressHandler(eng))
	}
	if s.HTTPEnabled {
		a.http = api.NewServer(eng, root, api.WithPprof(s.HTTPPprof))
	}
	return a, nil
}

// Engine exposes the alarm engine to embedders.
func (a *App) Engine() *engine.Engine { return a.eng }

// zoneOf resolves through the current resolver so zone changes apply on reload.
func (a *App) zoneOf(userID string) *time.Location {
	if z := a.zones.Load(); z != nil {
		return (*z)(userID)
	}
	return time.UTC
}

func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(validate)
	c := a.sup.Context()

	if err := a.eng.Init(c); err != nil {
		return err
	}
	a.notif.Start(c)
	if a.tg != nil {
		if err := a.tg.Start(c); err != nil {
			return err
		}
	}
	if err := a.eng.Start(c); err != nil {
		return err
	}
	if a.http != nil {
		if err := a.http.Start(a.httpAddr); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return systemd.Watchdog(c, a.log) })

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	st := a.eng.Stats()
	_, _ = systemd.Status("%d alarms loaded", st.Alarms)
	a.log.Info("app started", logx.Int("alarms", st.Alarms), logx.Bool("telegram", a.tg != nil), logx.Bool("http", a.http != nil))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type)}
	switch d := e.Data.(type) {
	case alarm.DomainEvent:
		fields = append(fields, logx.String("alarm_id", d.AlarmID), logx.String("user", d.UserID))
		if d.Method != "" {
			fields = append(fields, logx.String("method", d.Method))
		}
	case notifier.DeliveryEvent:
		fields = append(fields, logx.String("alarm_id", d.AlarmID), logx.Int("attempts", d.Attempts))
		if d.Error != "" {
			fields = append(fields, logx.String("err", d.Error))
		}
	}
	if strings.HasPrefix(e.Type, "notifier.") && e.Type != notifier.TopicSent {
		a.log.Warn("event", fields...)
		return
	}
	a.log.Debug("event", fields...)
}

// applyConfig applies the hot-reloadable parts of next. Storage, cache,
// event log and HTTP changes are logged and wait for a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.String("sections", strings.Join(r, ",")))
	}
	s, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(logConfig(next))

	if l, err := limiterFor(s); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.eng.SetLimiter(l)
	}
	z := zonesFor(s)
	a.zones.Store(&z)
	if err := a.eng.SetPollInterval(ctx, s.PollInterval); err != nil {
		a.log.Warn("poll interval not applied", logx.Err(err))
	}

	if a.tg != nil {
		a.tg.SetChats(s.TelegramChats)
	} else if s.TelegramToken != "" {
		a.log.Warn("telegram token added; restart required to enable telegram delivery")
	}

	wasEnabled := a.notif.Enabled()
	ncfg := notifierFor(s)
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}
