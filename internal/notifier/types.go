package notifier

import "time"

// Config controls the delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Notification is one reminder ready for delivery.
type Notification struct {
	AlarmID string
	UserID  string
	Label   string
	Mood    string
	At      time.Time
	Snoozed bool
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	AlarmID string    `json:"alarm_id"`
	UserID  string    `json:"user_id"`
	Sender  string    `json:"sender"`
	Error   string    `json:"error,omitempty"`
}

// DeliveryEvent is the Data of notifier.* bus events.
type DeliveryEvent struct {
	AlarmID  string    `json:"alarm_id"`
	UserID   string    `json:"user_id"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	TopicSent    = "notifier.sent"
	TopicFailed  = "notifier.failed"
	TopicDropped = "notifier.dropped"
)
