// Package telegram delivers alert notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"wxalert/internal/transport"
	logx "wxalert/pkg/logx"
)

var ErrStopped = errors.New("telegram adapter stopped")

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
	// Offline skips the getMe handshake on construction.
	Offline bool
	Timeout time.Duration
}

// Adapter is a send-only transport. It never polls for updates.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	stopped bool
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if b.Me != nil && b.Me.Username != "" {
		log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	}
	return &Adapter{log: log, bot: b}, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return transport.MessageRef{}, ErrStopped
	}

	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              to.ThreadID,
	}

	// telebot has no per-call context; run the call so ctx can still bound
	// how long the worker waits.
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return transport.MessageRef{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return transport.MessageRef{}, r.err
		}
		return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: r.msg.ID}, nil
	}
}

// Stop rejects further sends. In-flight sends finish on their own.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	was := a.stopped
	a.stopped = true
	a.mu.Unlock()
	if !was {
		a.log.Info("telegram adapter stopped")
	}
	return nil
}
