package eventbus

// Event types published in-process.
const (
	// AppForeground asks the health monitor for an immediate check.
	AppForeground = "app.foreground"
	// WebVisibility carries a VisibilityChange from the web surface.
	WebVisibility = "web.visibility"
	// WebNotification carries a Notification for SSE clients.
	WebNotification = "web.notification"
	// PollerTick carries a TickReport after every orchestrator tick.
	PollerTick = "poller.tick"
	// PollerRestarted is published by the health monitor.
	PollerRestarted = "poller.restarted"

	NotifierQueued  = "notifier.queued"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
)

type VisibilityChange struct {
	Visible bool `json:"visible"`
}

// Notification is a notification rendered by browser clients. Tag is the
// alert ID; browsers collapse notifications sharing a tag.
type Notification struct {
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Tag         string  `json:"tag"`
	Event       string  `json:"event"`
	ShouldAlarm bool    `json:"shouldAlarm"`
	Volume      float64 `json:"volume,omitempty"`
}
