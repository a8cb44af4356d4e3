// Package transport defines the push channel used for native alert delivery.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent delivers without sound on the recipient device.
	Silent bool
}

type Notification struct {
	Channel  string
	Priority int // 0 low.. 10 high
	Target   ChatTarget
	// Tag identifies the subject of the notification (the alert ID). The
	// notifier suppresses repeats of the same tag and target within its window.
	Tag     string
	Text    string
	Options *SendOptions
}

// Adapter is a send-only push transport.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}
