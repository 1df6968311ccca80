package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "pulsed/pkg/logx"
)

// Sink is a single delivery channel for alert text.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// LogSink writes alerts to the application log. It is the fallback sink when
// no external channel is configured.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, text string) error {
	s.log.Warn("alert", logx.String("text", text))
	return nil
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

// TelegramSink sends alerts to a Telegram chat.
type TelegramSink struct {
	bot  *tele.Bot
	to   *tele.Chat
	opts *tele.SendOptions
}

func NewTelegram(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
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
	return &TelegramSink{
		bot:  b,
		to:   &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{ThreadID: cfg.ThreadID},
	}, nil
}

func (s *TelegramSink) Send(_ context.Context, text string) error {
	_, err := s.bot.Send(s.to, text, s.opts)
	return err
}
