package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alarmd/internal/alarm"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "alarmd.yaml")
	cfg := fmt.Sprintf(`
engine:
  poll_interval: 1s
storage:
  driver: file
  path: %q
http:
  enabled: true
  addr: "127.0.0.1:0"
logging:
  level: debug
  file:
    enabled: true
    path: %q
`, filepath.Join(dir, "state"), filepath.Join(dir, "alarmd.log"))
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + a.http.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var env struct {
		Code int `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&env)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("health = %d %+v", resp.StatusCode, env)
	}

	created, err := a.Engine().Create(context.Background(), alarm.Input{
		UserID: "u1",
		Time:   "06:30",
		Days:   []int{1, 2, 3, 4, 5},
		Label:  "Work",
		Mood:   "calm",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.sched.Pending() != 1 {
		t.Fatalf("pending reminders = %d, want 1", a.sched.Pending())
	}
	stop(t, a)

	b, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp (restart): %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start (restart): %v", err)
	}
	defer stop(t, b)

	got, err := b.Engine().Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Label != "Work" || got.State != alarm.StateArmed {
		t.Fatalf("restored = %+v", got)
	}
	if b.sched.Pending() != 1 {
		t.Fatalf("reminder not rescheduled after restart: %d", b.sched.Pending())
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alarmd.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  poll_interval: 2m\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("NewApp accepted a poll interval above one minute")
	}
}

func TestPressHandler(t *testing.T) {
	t.Parallel()
	eng := &pressEngine{}
	press := pressHandler(eng)

	reply, err := press(context.Background(), "u1", "snooze", "a1")
	if err != nil || reply == "" || eng.snoozed != "u1/a1" {
		t.Fatalf("snooze = %q %v (%s)", reply, err, eng.snoozed)
	}
	if _, err := press(context.Background(), "u1", "dismiss", "a1"); err != nil || eng.dismissed != "u1/a1/button" {
		t.Fatalf("dismiss = %v (%s)", err, eng.dismissed)
	}
	if _, err := press(context.Background(), "u1", "explode", "a1"); err == nil {
		t.Fatal("unknown action accepted")
	}
}

type pressEngine struct {
	snoozed, dismissed string
}

func (e *pressEngine) Snooze(_ context.Context, actor, id string, _ int) (alarm.Alarm, error) {
	e.snoozed = actor + "/" + id
	until := time.Date(2024, time.June, 10, 7, 5, 0, 0, time.UTC)
	return alarm.Alarm{ID: id, SnoozeUntil: &until}, nil
}

func (e *pressEngine) Dismiss(_ context.Context, actor, id, method string) (alarm.Alarm, error) {
	e.dismissed = actor + "/" + id + "/" + method
	return alarm.Alarm{ID: id}, nil
}
