package app

import (
	"context"
	"fmt"
	"time"

	logx "alarmd/pkg/logx"
	"alarmd/pkg/systemd"
)

// Stop tears components down in reverse dependency order. Each step gets its
// own bound, clamped to ctx's deadline; a step that overruns is logged and
// left behind so the rest still run.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	a.stopStep(ctx, "http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	a.stopStep(ctx, "engine", 2*time.Second, a.eng.Shutdown)
	a.stopStep(ctx, "reminders", time.Second, func(context.Context) error { a.sched.Close(); return nil })
	a.stopStep(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.stopStep(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	if snap := a.sup.Snapshot(); snap.Active > 0 {
		a.log.Debug("waiting for goroutines", logx.Int64("active", snap.Active), logx.Any("goroutines", snap.Goroutines))
	}
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline passed", logx.String("name", name))
		return
	}
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", took))
	case <-c.Done():
		a.log.Warn("stop step overran; continuing", logx.String("name", name), logx.Duration("limit", limit))
		go func() {
			err := <-done
			a.log.Info("stop step finished late", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
