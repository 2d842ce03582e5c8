// Package alarm holds the alarm domain: the Alarm record, its lifecycle events,
// input validation, next-occurrence calculation and the capability interfaces
// the engine talks to (persistence, notification, battle hooks).
package alarm

import (
	"fmt"
	"sort"
	"time"
)

// State is the lifecycle state of an alarm.
type State string

const (
	StateArmed     State = "armed"
	StateTriggered State = "triggered"
	StateSnoozed   State = "snoozed"
)

// SnoozeConfig controls whether and how often an alarm may be deferred.
// MaxSnoozes nil means unbounded.
type SnoozeConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
	MaxSnoozes      *int `json:"max_snoozes,omitempty"`
}

// Alarm is a recurring wake-up definition.
type Alarm struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
	Days    []int  `json:"days"` // 0 = Sunday
	Enabled bool   `json:"enabled"`
	Label   string `json:"label"`
	Mood    string `json:"mood"`

	Snooze      SnoozeConfig `json:"snooze"`
	SnoozeCount int          `json:"snooze_count"`
	BattleID    string       `json:"battle_id,omitempty"`

	State       State      `json:"state"`
	SnoozeUntil *time.Time `json:"snooze_until,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// Time renders the time of day as HH:MM.
func (a Alarm) Time() string { return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute) }

// HasDay reports whether d is one of the alarm's active weekdays.
func (a Alarm) HasDay(d time.Weekday) bool {
	for _, v := range a.Days {
		if v == int(d) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices or pointers with the store.
func (a Alarm) Clone() Alarm {
	cp := a
	cp.Days = append([]int(nil), a.Days...)
	if a.Snooze.MaxSnoozes != nil {
		v := *a.Snooze.MaxSnoozes
		cp.Snooze.MaxSnoozes = &v
	}
	if a.SnoozeUntil != nil {
		v := *a.SnoozeUntil
		cp.SnoozeUntil = &v
	}
	if a.LastTriggeredAt != nil {
		v := *a.LastTriggeredAt
		cp.LastTriggeredAt = &v
	}
	return cp
}

// Input carries the owner-supplied fields of a new alarm.
type Input struct {
	UserID   string       `json:"user_id"`
	Time     string       `json:"time"` // HH:MM
	Days     []int        `json:"days"`
	Enabled  *bool        `json:"enabled,omitempty"` // default true
	Label    string       `json:"label"`
	Mood     string       `json:"mood"`
	Snooze   SnoozeConfig `json:"snooze"`
	BattleID string       `json:"battle_id,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	UserID   *string       `json:"user_id,omitempty"`
	Time     *string       `json:"time,omitempty"`
	Days     []int         `json:"days,omitempty"`
	Enabled  *bool         `json:"enabled,omitempty"`
	Label    *string       `json:"label,omitempty"`
	Mood     *string       `json:"mood,omitempty"`
	Snooze   *SnoozeConfig `json:"snooze,omitempty"`
	BattleID *string       `json:"battle_id,omitempty"`
}

// Build turns a validated Input into an Alarm without identity or timestamps.
func (in Input) Build() Alarm {
	h, m, _ := ParseClock(in.Time)
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	a := Alarm{
		UserID:   in.UserID,
		Hour:     h,
		Minute:   m,
		Days:     normalizeDays(in.Days),
		Enabled:  enabled,
		Label:    in.Label,
		Mood:     in.Mood,
		Snooze:   in.Snooze,
		BattleID: in.BattleID,
		State:    StateArmed,
	}
	return a.Clone()
}

// Apply merges p onto a copy of a. Identity, ownership and lifecycle fields are untouched.
func (p Patch) Apply(a Alarm) Alarm {
	out := a.Clone()
	if p.Time != nil {
		if h, m, err := ParseClock(*p.Time); err == nil {
			out.Hour, out.Minute = h, m
		}
	}
	if p.Days != nil {
		out.Days = normalizeDays(p.Days)
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Label != nil {
		out.Label = *p.Label
	}
	if p.Mood != nil {
		out.Mood = *p.Mood
	}
	if p.Snooze != nil {
		out.Snooze = *p.Snooze
		if p.Snooze.MaxSnoozes != nil {
			v := *p.Snooze.MaxSnoozes
			out.Snooze.MaxSnoozes = &v
		}
	}
	if p.BattleID != nil {
		out.BattleID = *p.BattleID
	}
	return out
}

// input reconstructs the create-shaped view of an alarm so merged updates go
// through the same rules as creation.
func (a Alarm) input() Input {
	en := a.Enabled
	return Input{
		UserID:   a.UserID,
		Time:     a.Time(),
		Days:     a.Days,
		Enabled:  &en,
		Label:    a.Label,
		Mood:     a.Mood,
		Snooze:   a.Snooze,
		BattleID: a.BattleID,
	}
}

func normalizeDays(days []int) []int {
	seen := make(map[int]struct{}, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// EventKind is the kind of lifecycle transition recorded in the event log.
type EventKind string

const (
	EventTriggered EventKind = "triggered"
	EventSnoozed   EventKind = "snoozed"
	EventDismissed EventKind = "dismissed"
)

// Event is an immutable record of one lifecycle transition.
type Event struct {
	AlarmID     string    `json:"alarm_id"`
	UserID      string    `json:"user_id,omitempty"`
	Kind        EventKind `json:"kind"`
	At          time.Time `json:"at"`
	Method      string    `json:"method,omitempty"`
	SnoozeCount int       `json:"snooze_count,omitempty"`
}
