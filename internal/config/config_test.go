package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

const sampleYAML = `
engine:
  max_alarms_per_user: 20
  poll_interval: 15s
  timezone: Asia/Tokyo
  user_timezones:
    u1: Europe/Berlin
rate_limit:
  strategy: token
  quota: 5
  window: 30s
storage:
  driver: sqlite
  path: ./data/alarmd.db
telegram:
  token: "123:abc"
  chats:
    u1: 1001
logging:
  level: debug
  console: true
`

func TestDecodeYAMLAndResolve(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("alarmd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.MaxAlarmsPerUser != 20 || s.PollInterval != 15*time.Second || s.AdapterTimeout != 5*time.Second {
		t.Fatalf("engine settings = %+v", s)
	}
	if s.Location.String() != "Asia/Tokyo" || s.UserLocations["u1"].String() != "Europe/Berlin" {
		t.Fatalf("zones = %v %v", s.Location, s.UserLocations)
	}
	if !s.RateLimitEnabled || s.RateLimitStrategy != "token" || s.RateLimitQuota != 5 || s.RateLimitWindow != 30*time.Second {
		t.Fatalf("rate limit = %+v", s)
	}
	if s.StorageDriver != "sqlite" || s.EventRetention != 100 || s.CacheMaxEntries != 1024 {
		t.Fatalf("defaults = %+v", s)
	}
	if s.TelegramChats["u1"] != 1001 || s.HTTPAddr != "127.0.0.1:8080" {
		t.Fatalf("telegram/http = %+v", s)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		raw  string
	}{
		{name: "unknown json field", file: "c.json", raw: `{"engine":{"bogus":1}}`},
		{name: "unknown yaml field", file: "c.yml", raw: "nope: true\n"},
		{name: "trailing json", file: "c.json", raw: `{} {}`},
		{name: "bad yaml", file: "c.yaml", raw: "engine: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "slow poll", cfg: Config{Engine: EngineConfig{PollInterval: "2m"}}, want: "poll_interval"},
		{name: "bad zone", cfg: Config{Engine: EngineConfig{Timezone: "Mars/Olympus"}}, want: "engine.timezone"},
		{name: "bad strategy", cfg: Config{RateLimit: RateLimitConfig{Strategy: "leaky"}}, want: "rate_limit.strategy"},
		{name: "bad window", cfg: Config{RateLimit: RateLimitConfig{Window: "soon"}}, want: "rate_limit.window"},
		{name: "storage path", cfg: Config{Storage: StorageConfig{Driver: "file"}}, want: "storage.path"},
		{name: "storage driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, want: "storage.driver"},
		{name: "zero chat", cfg: Config{Telegram: TelegramConfig{Chats: map[string]int64{"u1": 0}}}, want: "telegram.chats"},
		{name: "negative duration", cfg: Config{Cache: CacheConfig{TTL: "-1s"}}, want: "cache.ttl"},
		{name: "public pprof", cfg: Config{HTTP: HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080", Pprof: true}}, want: "http.pprof"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolveRateLimitDisabled(t *testing.T) {
	t.Parallel()
	off := false
	s, err := Resolve(&Config{RateLimit: RateLimitConfig{Enabled: &off}})
	if err != nil {
		t.Fatal(err)
	}
	if s.RateLimitEnabled {
		t.Fatal("rate limit should be disabled")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "alarmd.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged reload = %v %v", ok, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("reload = %v %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("nothing published")
	}

	write(`{"engine":{"poll_interval":"5m"}}`)
	if ok, err := m.Reload(ctx); ok || err == nil {
		t.Fatalf("invalid reload = %v %v", ok, err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected reload replaced the committed config")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Storage:  StorageConfig{Driver: "file", Path: "x.json"},
		Logging:  LoggingConfig{Level: "debug"},
	}
	changed, fields := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"telegram": true, "storage": true, "logging": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q", c)
		}
	}
	if len(fields) == 0 {
		t.Fatal("no summary fields")
	}
	if r := RestartRequired(changed); len(r) != 1 || r[0] != "storage" {
		t.Fatalf("restart required = %v", r)
	}
}
