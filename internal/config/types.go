package config

// Config is the on-disk configuration of the daemon. Unknown keys are rejected
// on load and reload.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Feed     FeedConfig     `json:"feed"`
	Polling  PollingConfig  `json:"polling"`
	Health   HealthConfig   `json:"health"`
	Delivery DeliveryConfig `json:"delivery"`
	Web      WebConfig      `json:"web"`

	// Defaults seeds user preferences that are not yet stored.
	Defaults *DefaultsConfig `json:"defaults,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistent key-value backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wxalert.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"` // redis; do not log
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FeedConfig points the fetcher at the NWS active alerts endpoint.
//
// Area and Point narrow the query (e.g. "OK" or "35.47,-97.52"); both empty
// means the nationwide active set.
type FeedConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`   // default: https://api.weather.gov
	UserAgent  string  `json:"user_agent,omitempty"` // NWS asks for contact info here
	Area       string  `json:"area,omitempty"`
	Point      string  `json:"point,omitempty"`
	Timeout    string  `json:"timeout,omitempty"` // default: 30s
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type PollingConfig struct {
	Foreground PollerConfig `json:"foreground"`
	Background PollerConfig `json:"background"`
	Web        PollerConfig `json:"web"`

	// SilentFirstBatch registers the first batch after a cold start without
	// delivering it.
	SilentFirstBatch bool `json:"silent_first_batch"`
}

// PollerConfig configures one orchestrator.
//
// Schedule accepts the forms understood by poller.ParseSchedule:
// "every:15m", "interval:60s", "cron:*/5 * * * *", "07:30" or a bare duration.
type PollerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

type HealthConfig struct {
	Enabled   bool   `json:"enabled"`
	Interval  string `json:"interval,omitempty"`  // default: 1m
	Threshold string `json:"threshold,omitempty"` // default: 10m
	Systemd   bool   `json:"systemd,omitempty"`
}

type DeliveryConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Alarm    AlarmConfig     `json:"alarm"`
}

type TelegramConfig struct {
	Token   string  `json:"token"` // do not log
	ChatIDs []int64 `json:"chat_ids"`
	// APIURL points at a local Bot API server; empty means api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
	// ThreadID targets a forum topic in every chat when > 0.
	ThreadID int `json:"thread_id,omitempty"`
}

// NotifierConfig controls the async push pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// AlarmConfig configures the audible alarm. Command is executed with the
// volume substituted for "{volume}" in its arguments.
type AlarmConfig struct {
	Enabled     bool     `json:"enabled"`
	Command     []string `json:"command,omitempty"`
	MaxDuration string   `json:"max_duration,omitempty"` // default: 30s
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: 127.0.0.1:8787
	// Token, when set, is required as a bearer token or ?token= on every
	// endpoint except /healthz. Non-loopback binds require it unless
	// AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
	// ReadHeaderTimeout is a Go duration string.
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
}

// DefaultsConfig holds initial user preferences.
type DefaultsConfig struct {
	NotificationsEnabled *bool    `json:"notifications_enabled,omitempty"`
	EnabledEvents        []string `json:"enabled_events,omitempty"`
	AlarmEvents          []string `json:"alarm_events,omitempty"`
	SoundEnabled         *bool    `json:"sound_enabled,omitempty"`
	SoundVolume          *float64 `json:"sound_volume,omitempty"`
}
