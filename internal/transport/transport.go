// Package transport delivers reminder messages to users.
package transport

import (
	"context"
	"errors"

	logx "alarmd/pkg/logx"
)

// ErrNoTarget is returned when a user has no delivery target configured.
var ErrNoTarget = errors.New("no delivery target")

type Target struct {
	ChatID   int64
	ThreadID int
}

// Action is an interactive control attached to a reminder.
type Action struct {
	Label string
	Data  string
}

// ActionData encodes the payload of an interactive control.
func ActionData(action, alarmID string) string { return action + ":" + alarmID }

type Message struct {
	UserID  string
	Target  Target
	Text    string
	Actions []Action
}

// Sender delivers one message. Implementations must honor ctx.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Log logx.Logger
}

func (LogSender) Name() string { return "log" }

func (s LogSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Log.Info("reminder", logx.String("user", m.UserID), logx.Int64("chat_id", m.Target.ChatID), logx.String("text", m.Text))
	return nil
}
