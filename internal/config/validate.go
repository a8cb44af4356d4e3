package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"wxalert/internal/alert"
	"wxalert/internal/audio"
)

// Validate checks field-level constraints that the JSON decoder cannot.
// Schedule strings are checked by the poller at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", d))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for driver postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Addr) == "" {
			errs = append(errs, errors.New("storage.addr: required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	check("feed.timeout", cfg.Feed.Timeout)
	if cfg.Feed.RatePerSec < 0 {
		errs = append(errs, errors.New("feed.rate_per_sec: must be >= 0"))
	}
	if cfg.Feed.Area != "" && cfg.Feed.Point != "" {
		errs = append(errs, errors.New("feed: area and point are mutually exclusive"))
	}

	check("health.interval", cfg.Health.Interval)
	check("health.threshold", cfg.Health.Threshold)
	check("web.read_header_timeout", cfg.Web.ReadHeaderTimeout)
	if d, err := ParseDurationField("delivery.alarm.max_duration", cfg.Delivery.Alarm.MaxDuration); err != nil {
		errs = append(errs, err)
	} else if d > audio.MaxDuration {
		errs = append(errs, fmt.Errorf("delivery.alarm.max_duration: %v exceeds the %v ceiling", d, audio.MaxDuration))
	}
	if cfg.Delivery.Alarm.Enabled && len(cfg.Delivery.Alarm.Command) == 0 {
		errs = append(errs, errors.New("delivery.alarm.command: required when alarm is enabled"))
	}

	if t := cfg.Delivery.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("delivery.telegram.token: required"))
		}
		if len(t.ChatIDs) == 0 {
			errs = append(errs, errors.New("delivery.telegram.chat_ids: at least one chat is required"))
		}
	}
	if n := cfg.Delivery.Notifier; n != nil {
		check("delivery.notifier.retry_base", n.RetryBase)
		check("delivery.notifier.retry_max_delay", n.RetryMaxDelay)
		check("delivery.notifier.dedup_window", n.DedupWindow)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("delivery.notifier: counts must be >= 0"))
		}
	}

	if d := cfg.Defaults; d != nil {
		errs = append(errs, checkEvents("defaults.enabled_events", d.EnabledEvents)...)
		errs = append(errs, checkEvents("defaults.alarm_events", d.AlarmEvents)...)
		if v := d.SoundVolume; v != nil && (math.IsNaN(*v) || *v < 0 || *v > 1) {
			errs = append(errs, fmt.Errorf("defaults.sound_volume: %v out of range [0,1]", *v))
		}
	}
	return errors.Join(errs...)
}

func checkEvents(path string, names []string) []error {
	var errs []error
	for _, n := range names {
		if !alert.IsSupported(n) {
			errs = append(errs, fmt.Errorf("%s: unsupported event type %q", path, n))
		}
	}
	return errs
}

// Preferences applies d on top of base.
func (d *DefaultsConfig) Preferences(base alert.Preferences) alert.Preferences {
	if d == nil {
		return base
	}
	p := base
	if d.NotificationsEnabled != nil {
		p.NotificationsEnabled = *d.NotificationsEnabled
	}
	if d.EnabledEvents != nil {
		p.EnabledEvents = alert.NewEventSet(d.EnabledEvents...)
	}
	if d.AlarmEvents != nil {
		p.AlarmEvents = alert.NewEventSet(d.AlarmEvents...)
	}
	if d.SoundEnabled != nil {
		p.SoundEnabled = *d.SoundEnabled
	}
	if d.SoundVolume != nil {
		p.SoundVolume = alert.ClampVolume(*d.SoundVolume)
	}
	return p
}
