// Package prefs reads user alert preferences and the small status keys the
// pollers share (heartbeats, error counter, manual refresh cursor) from the
// persistent key-value store.
//
// Every value is stored under its own string key so settings screens and
// other readers can update one value without touching the rest.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"wxalert/internal/alert"
	"wxalert/internal/storage"
	logx "wxalert/pkg/logx"
)

const (
	KeyNotificationsEnabled = "notificationsEnabled"
	KeyEnabledAlertTypes    = "enabledAlertTypes"
	KeyAlarmAlertTypes      = "alarmEnabledAlertTypes"
	KeySoundEnabled         = "soundEnabled"
	KeySoundVolume          = "soundVolume"

	KeyLastManualRefresh = "lastManualRefresh"
	KeyFeedErrorCount    = "feedErrorCount"
	KeyLastCheckStatus   = "lastCheckStatus"
	KeyLastCheckAt       = "lastCheckAt"

	heartbeatPrefix = "heartbeat."
)

// Store is safe for concurrent use.
type Store struct {
	kv       storage.KV
	log      logx.Logger
	defaults alert.Preferences

	// counterMu serializes in-process read-modify-write of the error counter.
	counterMu sync.Mutex
}

func New(kv storage.KV, log logx.Logger, defaults alert.Preferences) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaults.EnabledEvents == nil && defaults.AlarmEvents == nil {
		defaults = alert.DefaultPreferences()
	}
	return &Store{kv: kv, log: log, defaults: defaults}
}

// Defaults returns the preferences used for absent or unreadable keys.
func (s *Store) Defaults() alert.Preferences { return s.defaults }

// Load reads the current preferences. Each key falls back to its default
// independently when absent, unreadable or malformed.
func (s *Store) Load(ctx context.Context) alert.Preferences {
	p := s.defaults

	if v, ok := s.get(ctx, KeyNotificationsEnabled); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			p.NotificationsEnabled = b
		} else {
			s.log.Debug("invalid preference", logx.String("key", KeyNotificationsEnabled), logx.String("value", v))
		}
	}
	if v, ok := s.get(ctx, KeySoundEnabled); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			p.SoundEnabled = b
		}
	}
	if v, ok := s.get(ctx, KeySoundVolume); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			p.SoundVolume = alert.ClampVolume(f)
		}
	}
	if v, ok := s.get(ctx, KeyEnabledAlertTypes); ok {
		if set, err := decodeEventSet(v); err == nil {
			p.EnabledEvents = set
		} else {
			s.log.Warn("invalid preference", logx.String("key", KeyEnabledAlertTypes), logx.Err(err))
		}
	}
	if v, ok := s.get(ctx, KeyAlarmAlertTypes); ok {
		if set, err := decodeEventSet(v); err == nil {
			p.AlarmEvents = set
		} else {
			s.log.Warn("invalid preference", logx.String("key", KeyAlarmAlertTypes), logx.Err(err))
		}
	}
	return p
}

// Save writes every preference key.
func (s *Store) Save(ctx context.Context, p alert.Preferences) error {
	enabled, err := json.Marshal(p.EnabledEvents.Slice())
	if err != nil {
		return err
	}
	alarm, err := json.Marshal(p.AlarmEvents.Slice())
	if err != nil {
		return err
	}
	items := [][2]string{
		{KeyNotificationsEnabled, strconv.FormatBool(p.NotificationsEnabled)},
		{KeySoundEnabled, strconv.FormatBool(p.SoundEnabled)},
		{KeySoundVolume, strconv.FormatFloat(alert.ClampVolume(p.SoundVolume), 'f', -1, 64)},
		{KeyEnabledAlertTypes, string(enabled)},
		{KeyAlarmAlertTypes, string(alarm)},
	}
	for _, it := range items {
		if err := s.kv.SetItem(ctx, it[0], it[1]); err != nil {
			return fmt.Errorf("save %s: %w", it[0], err)
		}
	}
	return nil
}

// Seed writes the defaults for keys that are not present yet.
func (s *Store) Seed(ctx context.Context) error {
	keys := []string{KeyNotificationsEnabled, KeySoundEnabled, KeySoundVolume, KeyEnabledAlertTypes, KeyAlarmAlertTypes}
	missing := false
	for _, k := range keys {
		_, ok, err := s.kv.GetItem(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	// Load applies defaults to just the absent keys, so saving it back keeps
	// whatever the user already set.
	return s.Save(ctx, s.Load(ctx))
}

func (s *Store) SetNotificationsEnabled(ctx context.Context, enabled bool) error {
	return s.kv.SetItem(ctx, KeyNotificationsEnabled, strconv.FormatBool(enabled))
}

func (s *Store) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.kv.GetItem(ctx, key)
	if err != nil {
		s.log.Warn("preference read failed; using default", logx.String("key", key), logx.Err(err))
		return "", false
	}
	return v, ok
}

func decodeEventSet(raw string) (alert.EventSet, error) {
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	return alert.NewEventSet(names...), nil
}
