package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wxalert/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, passwords) are never
// included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.area", newCfg.Feed.Area),
			logx.String("feed.point", newCfg.Feed.Point),
			logx.String("feed.timeout", newCfg.Feed.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Polling, newCfg.Polling) {
		changed = append(changed, "polling")
		attrs = append(attrs,
			logx.String("polling.foreground", newCfg.Polling.Foreground.Schedule),
			logx.String("polling.background", newCfg.Polling.Background.Schedule),
			logx.Bool("polling.silent_first_batch", newCfg.Polling.SilentFirstBatch),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.threshold", newCfg.Health.Threshold),
		)
	}

	// Telegram: never log the token, only whether it changed.
	oT, nT := derefTelegram(oldCfg.Delivery.Telegram), derefTelegram(newCfg.Delivery.Telegram)
	if !reflect.DeepEqual(oT, nT) || (oldCfg.Delivery.Telegram == nil) != (newCfg.Delivery.Telegram == nil) {
		changed = append(changed, "delivery.telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Delivery.Telegram != nil),
			logx.Int("telegram.chat_count", len(nT.ChatIDs)),
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
		)
	}

	oN, nN := NotifierOrDefault(oldCfg.Delivery.Notifier), NotifierOrDefault(newCfg.Delivery.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "delivery.notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery.Alarm, newCfg.Delivery.Alarm) {
		changed = append(changed, "delivery.alarm")
		attrs = append(attrs, logx.Bool("alarm.enabled", newCfg.Delivery.Alarm.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Web, newCfg.Web) {
		changed = append(changed, "web")
		attrs = append(attrs, logx.Bool("web.enabled", newCfg.Web.Enabled), logx.String("web.addr", newCfg.Web.Addr))
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
	}

	sort.Strings(changed)
	return changed, attrs
}

// NotifierOrDefault treats an omitted notifier section as the runtime defaults.
func NotifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       256,
			RatePerSec:      3,
			RetryMax:        3,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			DedupWindow:     "1m",
			DedupMaxEntries: 2000,
		}
	}
	return *n
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}
