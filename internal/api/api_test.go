package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/engine"
	logx "alarmd/pkg/logx"
)

// Monday 07:00 UTC.
var monday = time.Date(2024, time.June, 10, 7, 0, 0, 0, time.UTC)

type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"message"`
}

type fixture struct {
	t   *testing.T
	eng *engine.Engine
	h   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng, err := engine.New(engine.Options{
		Now: func() time.Time { return monday },
		Log: logx.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return &fixture{t: t, eng: eng, h: NewRouter(eng, logx.Nop())}
}

func (f *fixture) do(method, path, user string, body any) (int, envelope) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		f.t.Fatalf("%s %s: bad body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func (f *fixture) create(user string) alarm.Alarm {
	f.t.Helper()
	code, env := f.do(http.MethodPost, "/api/v1/alarms", user, map[string]any{
		"time":   "07:00",
		"days":   []int{1, 3},
		"label":  "Wake up",
		"mood":   "calm",
		"snooze": map[string]any{"enabled": true, "interval_minutes": 5, "max_snoozes": 1},
	})
	if code != http.StatusCreated || env.Code != CodeOK {
		f.t.Fatalf("create: %d %+v", code, env)
	}
	var a alarm.Alarm
	if err := json.Unmarshal(env.Data, &a); err != nil {
		f.t.Fatal(err)
	}
	return a
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, env := f.do(http.MethodGet, "/api/v1/health", "", nil)
	if code != http.StatusOK || env.Code != CodeOK {
		t.Fatalf("health = %d %+v", code, env)
	}
}

func TestRequiresUserHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, env := f.do(http.MethodGet, "/api/v1/alarms", "", nil)
	if code != http.StatusUnauthorized || env.Code != CodeUnauthorized {
		t.Fatalf("no header = %d %+v", code, env)
	}
}

func TestAlarmCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.create("u1")
	if a.UserID != "u1" || a.State != alarm.StateArmed {
		t.Fatalf("created = %+v", a)
	}

	code, env := f.do(http.MethodGet, "/api/v1/alarms", "u1", nil)
	var list []alarm.Alarm
	_ = json.Unmarshal(env.Data, &list)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %s", code, env.Data)
	}

	code, _ = f.do(http.MethodGet, "/api/v1/alarms/"+a.ID, "u2", nil)
	if code != http.StatusForbidden {
		t.Fatalf("foreign get = %d", code)
	}

	code, env = f.do(http.MethodPut, "/api/v1/alarms/"+a.ID, "u1", map[string]any{"label": "Later"})
	if code != http.StatusOK {
		t.Fatalf("update = %d %+v", code, env)
	}

	code, env = f.do(http.MethodPut, "/api/v1/alarms/"+a.ID, "u1", map[string]any{"time": "25:00"})
	if code != http.StatusBadRequest || env.Code != CodeBadRequest {
		t.Fatalf("bad update = %d %+v", code, env)
	}

	code, env = f.do(http.MethodGet, "/api/v1/alarms/"+a.ID+"/next", "u1", nil)
	var next nextResponse
	_ = json.Unmarshal(env.Data, &next)
	if code != http.StatusOK || next.Next == nil || !next.Next.Equal(time.Date(2024, time.June, 12, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %d %s", code, env.Data)
	}

	code, _ = f.do(http.MethodDelete, "/api/v1/alarms/"+a.ID, "u2", nil)
	if code != http.StatusForbidden {
		t.Fatalf("foreign delete = %d", code)
	}
	code, env = f.do(http.MethodDelete, "/api/v1/alarms/"+a.ID, "u1", nil)
	if code != http.StatusOK || string(env.Data) != `{"deleted":true}` {
		t.Fatalf("delete = %d %s", code, env.Data)
	}
	code, env = f.do(http.MethodDelete, "/api/v1/alarms/"+a.ID, "u1", nil)
	if code != http.StatusOK || string(env.Data) != `{"deleted":false}` {
		t.Fatalf("second delete = %d %s", code, env.Data)
	}
	code, _ = f.do(http.MethodGet, "/api/v1/alarms/"+a.ID, "u1", nil)
	if code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", code)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, env := f.do(http.MethodPost, "/api/v1/alarms", "u1", map[string]any{"time": "25:00", "days": []int{1}, "label": "x", "mood": "m"})
	if code != http.StatusBadRequest || env.Code != CodeBadRequest {
		t.Fatalf("create = %d %+v", code, env)
	}
	code, _ = f.do(http.MethodPost, "/api/v1/alarms", "u1", map[string]any{"user_id": "u2", "time": "07:00", "days": []int{1}, "label": "x", "mood": "m"})
	if code != http.StatusForbidden {
		t.Fatalf("impersonation = %d", code)
	}
}

func TestSnoozeAndDismiss(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.create("u1")

	code, env := f.do(http.MethodPost, "/api/v1/alarms/"+a.ID+"/snooze", "u1", nil)
	if code != http.StatusConflict || env.Code != CodeConflict {
		t.Fatalf("snooze armed = %d %+v", code, env)
	}

	if _, err := f.eng.Trigger(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	code, env = f.do(http.MethodPost, "/api/v1/alarms/"+a.ID+"/snooze", "u1", snoozeRequest{Minutes: 10})
	if code != http.StatusOK {
		t.Fatalf("snooze = %d %+v", code, env)
	}
	code, env = f.do(http.MethodPost, "/api/v1/alarms/"+a.ID+"/snooze", "u1", nil)
	if code != http.StatusConflict || env.Code != CodeConflict {
		t.Fatalf("snooze past max = %d %+v", code, env)
	}

	code, env = f.do(http.MethodPost, "/api/v1/alarms/"+a.ID+"/dismiss", "u1", dismissRequest{Method: "math"})
	var got alarm.Alarm
	_ = json.Unmarshal(env.Data, &got)
	if code != http.StatusOK || got.State != alarm.StateArmed || got.SnoozeCount != 0 {
		t.Fatalf("dismiss = %d %s", code, env.Data)
	}

	code, env = f.do(http.MethodGet, "/api/v1/events", "u1", nil)
	var events []alarm.Event
	_ = json.Unmarshal(env.Data, &events)
	if code != http.StatusOK || len(events) != 3 || events[2].Method != "math" {
		t.Fatalf("events = %d %s", code, env.Data)
	}
	code, env = f.do(http.MethodGet, "/api/v1/events", "u2", nil)
	_ = json.Unmarshal(env.Data, &events)
	if code != http.StatusOK || len(events) != 0 {
		t.Fatalf("foreign events = %d %s", code, env.Data)
	}
}

func TestCodeFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{alarm.ErrValidation, CodeBadRequest},
		{alarm.ErrNotFound, CodeNotFound},
		{alarm.ErrOwnership, CodeForbidden},
		{alarm.ErrLimitExceeded, CodeLimitExceeded},
		{alarm.ErrRateLimited, CodeRateLimited},
		{alarm.ErrMaxSnoozes, CodeConflict},
		{alarm.ErrInvariant, CodeInternalFailed},
		{context.DeadlineExceeded, CodeInternalFailed},
	}
	for _, tt := range tests {
		if got := codeFor(tt.err); got != tt.want {
			t.Errorf("codeFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPprofIsOptIn(t *testing.T) {
	t.Parallel()
	eng, err := engine.New(engine.Options{Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	for _, tt := range []struct {
		name string
		opts []Option
		want int
	}{
		{name: "off", want: http.StatusNotFound},
		{name: "on", opts: []Option{WithPprof(true)}, want: http.StatusOK},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(eng, logx.Nop(), tt.opts...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine?debug=1", nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
