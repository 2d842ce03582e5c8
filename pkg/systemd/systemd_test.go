package systemd

import (
	"context"
	"testing"
	"time"

	logx "alarmd/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	for name, fn := range map[string]func() (bool, error){
		"ready":     Ready,
		"stopping":  Stopping,
		"reloading": Reloading,
	} {
		sent, err := fn()
		if err != nil || sent {
			t.Fatalf("%s: sent=%v err=%v", name, sent, err)
		}
	}
	if sent, err := Status("%d alarms", 3); err != nil || sent {
		t.Fatalf("status: sent=%v err=%v", sent, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, logx.Nop()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watchdog: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("watchdog should return immediately without WATCHDOG_USEC")
	}
}
