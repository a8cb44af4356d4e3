package app

import (
	"fmt"
	"strings"
	"time"

	"wxalert/internal/audio"
	"wxalert/internal/config"
	"wxalert/internal/feed"
	"wxalert/internal/health"
	"wxalert/internal/notifier"
	"wxalert/internal/poller"
	"wxalert/internal/storage"
	"wxalert/internal/transport"
	"wxalert/internal/web"
	logx "wxalert/pkg/logx"
)

const (
	defaultForeground = "60s"
	defaultBackground = "every:15m"
	defaultWeb        = "60s"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns enabled=false when no driver is configured; the
// app then keeps state in memory only.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{
		Driver:   driver,
		Path:     strings.TrimSpace(sc.Path),
		DSN:      sc.DSN,
		Addr:     strings.TrimSpace(sc.Addr),
		Password: sc.Password,
		DB:       sc.DB,
		Prefix:   sc.Prefix,
	}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	}
	return out, true, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	timeout, err := config.ParseDurationOrDefault("feed.timeout", cfg.Feed.Timeout, feed.DefaultTimeout)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{
		BaseURL:    cfg.Feed.BaseURL,
		UserAgent:  cfg.Feed.UserAgent,
		Area:       cfg.Feed.Area,
		Point:      cfg.Feed.Point,
		Timeout:    timeout,
		RatePerSec: cfg.Feed.RatePerSec,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.NotifierOrDefault(cfg.Delivery.Notifier)
	retryBase, err := config.ParseDurationOrDefault("delivery.notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("delivery.notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("delivery.notifier.dedup_window", n.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapTargets(cfg *config.Config) []transport.ChatTarget {
	tg := cfg.Delivery.Telegram
	if tg == nil {
		return nil
	}
	out := make([]transport.ChatTarget, 0, len(tg.ChatIDs))
	for _, id := range tg.ChatIDs {
		out = append(out, transport.ChatTarget{ChatID: id, ThreadID: tg.ThreadID})
	}
	return out
}

func mapAlarmDuration(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("delivery.alarm.max_duration", cfg.Delivery.Alarm.MaxDuration, audio.MaxDuration)
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	interval, err := config.ParseDurationOrDefault("health.interval", cfg.Health.Interval, health.DefaultInterval)
	if err != nil {
		return health.Config{}, err
	}
	threshold, err := config.ParseDurationOrDefault("health.threshold", cfg.Health.Threshold, health.DefaultThreshold)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{Interval: interval, Threshold: threshold, Systemd: cfg.Health.Systemd}, nil
}

func mapWebConfig(cfg *config.Config) (web.Config, error) {
	rht, err := config.ParseDurationOrDefault("web.read_header_timeout", cfg.Web.ReadHeaderTimeout, 10*time.Second)
	if err != nil {
		return web.Config{}, err
	}
	return web.Config{
		Enabled:           cfg.Web.Enabled,
		Addr:              cfg.Web.Addr,
		Token:             cfg.Web.Token,
		AllowInsecure:     cfg.Web.AllowInsecure,
		Pprof:             cfg.Web.Pprof,
		ReadHeaderTimeout: rht,
	}, nil
}

// mapSchedule parses a poller schedule, falling back to def when empty.
func mapSchedule(path string, pc config.PollerConfig, def string) (poller.ParsedSpec, error) {
	raw := strings.TrimSpace(pc.Schedule)
	if raw == "" {
		raw = def
	}
	spec, err := poller.ParseSchedule(raw)
	if err != nil {
		return poller.ParsedSpec{}, fmt.Errorf("%s.schedule: %w", path, err)
	}
	return spec, nil
}

// intervalOf returns the fixed period of spec. Foreground and web pollers
// need one; cron expressions are rejected for them.
func intervalOf(path string, spec poller.ParsedSpec) (time.Duration, error) {
	if spec.Kind != poller.SpecInterval {
		return 0, fmt.Errorf("%s.schedule: must be an interval, got cron %q", path, spec.Cron)
	}
	return spec.Every, nil
}

// validate is the manager's validator: field checks plus everything the
// mappers parse.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFeedConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHealthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlarmDuration(cfg); err != nil {
		return err
	}
	fg, err := mapSchedule("polling.foreground", cfg.Polling.Foreground, defaultForeground)
	if err != nil {
		return err
	}
	if _, err := intervalOf("polling.foreground", fg); err != nil {
		return err
	}
	if _, err := mapSchedule("polling.background", cfg.Polling.Background, defaultBackground); err != nil {
		return err
	}
	wb, err := mapSchedule("polling.web", cfg.Polling.Web, defaultWeb)
	if err != nil {
		return err
	}
	_, err = intervalOf("polling.web", wb)
	return err
}
