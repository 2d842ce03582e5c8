package telegram

import (
	"testing"

	"alarmd/internal/transport"
)

func TestParseData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		action string
		id     string
		ok     bool
	}{
		{in: transport.ActionData("snooze", "a1"), action: "snooze", id: "a1", ok: true},
		{in: "\falarm|dismiss:1f0c-uuid", action: "dismiss", id: "1f0c-uuid", ok: true},
		{in: "dismiss:", ok: false},
		{in: "garbage", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		action, id, ok := ParseData(tt.in)
		if ok != tt.ok || action != tt.action || id != tt.id {
			t.Fatalf("ParseData(%q) = %q, %q, %v", tt.in, action, id, ok)
		}
	}
}
