// Package telegram delivers reminders through a Telegram bot and turns inline
// button presses back into snooze and dismiss requests.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/transport"
	logx "alarmd/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Chats maps alarm owners to their chat.
	Chats map[string]int64
}

// CallbackFunc handles a button press. userID is the owner mapped from the
// pressing chat; action and alarmID come from the button data.
type CallbackFunc func(ctx context.Context, userID, action, alarmID string) (reply string, err error)

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	byChat  map[int64]string
	onPress CallbackFunc
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	s := &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	s.SetChats(cfg.Chats)
	b.Handle(tele.OnCallback, s.handleCallback)
	return s, nil
}

func (s *Sender) Name() string { return "telegram" }

// SetChats replaces the owner to chat mapping (config reload).
func (s *Sender) SetChats(chats map[string]int64) {
	rev := make(map[int64]string, len(chats))
	fwd := make(map[string]int64, len(chats))
	for user, chat := range chats {
		rev[chat] = user
		fwd[user] = chat
	}
	s.mu.Lock()
	s.cfg.Chats = fwd
	s.byChat = rev
	s.mu.Unlock()
}

// Resolve returns the chat configured for userID.
func (s *Sender) Resolve(userID string) (transport.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cfg.Chats[userID]
	if !ok {
		return transport.Target{}, false
	}
	return transport.Target{ChatID: id}, true
}

// OnPress registers the button handler. Without one, presses are acknowledged only.
func (s *Sender) OnPress(fn CallbackFunc) {
	s.mu.Lock()
	s.onPress = fn
	s.mu.Unlock()
}

func (s *Sender) Send(ctx context.Context, m transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Target.ChatID == 0 {
		return transport.ErrNoTarget
	}
	opt := &tele.SendOptions{ThreadID: m.Target.ThreadID, DisableWebPagePreview: true}
	if len(m.Actions) > 0 {
		rm := &tele.ReplyMarkup{}
		btns := make([]tele.Btn, 0, len(m.Actions))
		for _, a := range m.Actions {
			btns = append(btns, rm.Data(a.Label, "alarm", a.Data))
		}
		rm.Inline(rm.Row(btns...))
		opt.ReplyMarkup = rm
	}
	text := m.Text
	if r := []rune(text); len(r) > textLimit {
		text = string(r[:textLimit])
	}
	_, err := s.bot.Send(&tele.Chat{ID: m.Target.ChatID}, text, opt)
	return err
}

// Start runs the update poller under a restart loop until Stop.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup = sup
	s.mu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithPublishFirstError(true))
	return nil
}

func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	go s.bot.Stop()

	// Long-poll requests may still be waiting; don't hold shutdown for them.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (s *Sender) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	action, id, ok := ParseData(cb.Data)
	if !ok {
		return c.Respond(&tele.CallbackResponse{Text: "unknown action"})
	}
	var chatID int64
	if m := c.Message(); m != nil && m.Chat != nil {
		chatID = m.Chat.ID
	}

	s.mu.Lock()
	user, known := s.byChat[chatID]
	fn := s.onPress
	s.mu.Unlock()
	if !known || fn == nil {
		return c.Respond(&tele.CallbackResponse{Text: "not linked"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := fn(ctx, user, action, id)
	if err != nil {
		s.log.Debug("callback rejected", logx.String("user", user), logx.String("action", action), logx.String("id", id), logx.Err(err))
		reply = err.Error()
	}
	return c.Respond(&tele.CallbackResponse{Text: reply})
}

// ParseData splits a payload produced by transport.ActionData. telebot prefixes data buttons
// with "\f<unique>|", which is stripped here.
func ParseData(s string) (action, alarmID string, ok bool) {
	s = strings.TrimPrefix(s, "\f")
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[i+1:]
	}
	action, alarmID, ok = strings.Cut(s, ":")
	if !ok || action == "" || alarmID == "" {
		return "", "", false
	}
	return action, alarmID, true
}
