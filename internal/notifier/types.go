// Package notifier is the async push pipeline behind native alert delivery:
// queue, worker pool, rate limit, retry with jittered backoff, and a short
// suppression window for repeated notifications.
//
// Delivery goes through a transport.Adapter (Telegram). Lifecycle events are
// published on the event bus; a bounded in-memory history backs /status.
package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Tag      string    `json:"tag,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Priority int       `json:"priority"`
	Text     string    `json:"text"`
}

// NotificationEvent is the bus payload for notifier lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Tag      string    `json:"tag,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
