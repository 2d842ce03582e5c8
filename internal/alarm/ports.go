package alarm

import (
	"context"
	"time"
)

// Persistence stores the alarm table and the event log between restarts.
// Failures are non-fatal to the engine: the in-memory state stays authoritative.
type Persistence interface {
	LoadAlarms(ctx context.Context) ([]Alarm, error)
	SaveAlarms(ctx context.Context, alarms []Alarm) error
	LoadEvents(ctx context.Context) ([]Event, error)
	SaveEvents(ctx context.Context, events []Event) error
}

// Payload is what a scheduled reminder carries to the delivery side.
type Payload struct {
	AlarmID string    `json:"alarm_id"`
	UserID  string    `json:"user_id"`
	Label   string    `json:"label"`
	Mood    string    `json:"mood"`
	At      time.Time `json:"at"`
	Snoozed bool      `json:"snoozed,omitempty"`
}

// NewPayload builds the reminder payload for a firing at `at`.
func NewPayload(a Alarm, at time.Time, snoozed bool) Payload {
	return Payload{AlarmID: a.ID, UserID: a.UserID, Label: a.Label, Mood: a.Mood, At: at, Snoozed: snoozed}
}

// Notifier schedules reminders ahead of time. At most one pending reminder
// exists per alarm: Schedule replaces, Cancel removes.
type Notifier interface {
	Schedule(ctx context.Context, alarmID string, at time.Time, p Payload) error
	Cancel(ctx context.Context, alarmID string) error
}

// BattleHooks is the gamification integration. Calls are made only for
// alarms carrying a BattleID.
type BattleHooks interface {
	OnCreated(ctx context.Context, a Alarm) error
	OnTriggered(ctx context.Context, a Alarm) error
	OnSnoozed(ctx context.Context, a Alarm, count int) error
	OnDismissed(ctx context.Context, a Alarm, method string) error
}

// Domain event types published on the event bus.
const (
	TopicCreated   = "alarm.created"
	TopicUpdated   = "alarm.updated"
	TopicDeleted   = "alarm.deleted"
	TopicTriggered = "alarm.triggered"
	TopicSnoozed   = "alarm.snoozed"
	TopicDismissed = "alarm.dismissed"
)

// DomainEvent is the Data of every alarm.* bus event.
type DomainEvent struct {
	AlarmID     string `json:"alarm_id"`
	UserID      string `json:"user_id,omitempty"`
	Alarm       *Alarm `json:"alarm,omitempty"`
	Method      string `json:"method,omitempty"`
	SnoozeCount int    `json:"snooze_count,omitempty"`
}
