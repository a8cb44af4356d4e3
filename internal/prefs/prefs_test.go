package prefs

import (
	"context"
	"testing"
	"time"

	"wxalert/internal/alert"
	"wxalert/internal/storage"
	logx "wxalert/pkg/logx"
)

func TestLoadDefaultsWhenEmpty(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory(), logx.Nop(), alert.DefaultPreferences())
	p := s.Load(context.Background())
	if !p.NotificationsEnabled || !p.SoundEnabled {
		t.Fatalf("defaults not applied: %+v", p)
	}
	for _, ev := range alert.SupportedEvents() {
		if !p.EnabledEvents.Has(ev) {
			t.Fatalf("%s not enabled by default", ev)
		}
	}
	if !p.AlarmEvents.Has(alert.TornadoWarning) || len(p.AlarmEvents) != 1 {
		t.Fatalf("alarm defaults = %v, want only tornado warning", p.AlarmEvents.Slice())
	}
}

func TestLoadStoredValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	_ = kv.SetItem(ctx, KeyNotificationsEnabled, "false")
	_ = kv.SetItem(ctx, KeyEnabledAlertTypes, `["Flood Warning"]`)
	_ = kv.SetItem(ctx, KeyAlarmAlertTypes, `[]`)
	_ = kv.SetItem(ctx, KeySoundVolume, "1.7")

	p := New(kv, logx.Nop(), alert.DefaultPreferences()).Load(ctx)
	if p.NotificationsEnabled {
		t.Fatal("NotificationsEnabled should be false")
	}
	if !p.EnabledEvents.Has(alert.FloodWarning) || p.EnabledEvents.Has(alert.TornadoWarning) {
		t.Fatalf("EnabledEvents = %v", p.EnabledEvents.Slice())
	}
	if len(p.AlarmEvents) != 0 {
		t.Fatalf("AlarmEvents = %v, want empty", p.AlarmEvents.Slice())
	}
	if p.SoundVolume != 1 {
		t.Fatalf("SoundVolume = %v, want clamped 1", p.SoundVolume)
	}
}

func TestLoadMalformedFallsBackPerKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	_ = kv.SetItem(ctx, KeyEnabledAlertTypes, `not json`)
	_ = kv.SetItem(ctx, KeyNotificationsEnabled, `maybe`)
	_ = kv.SetItem(ctx, KeySoundEnabled, `false`)

	p := New(kv, logx.Nop(), alert.DefaultPreferences()).Load(ctx)
	if !p.NotificationsEnabled {
		t.Fatal("malformed notificationsEnabled should fall back to default true")
	}
	if len(p.EnabledEvents) != len(alert.SupportedEvents()) {
		t.Fatalf("malformed enabled list should fall back to defaults, got %v", p.EnabledEvents.Slice())
	}
	if p.SoundEnabled {
		t.Fatal("valid soundEnabled=false should be honored")
	}
}

func TestSeedKeepsExistingValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	_ = kv.SetItem(ctx, KeyNotificationsEnabled, "false")
	s := New(kv, logx.Nop(), alert.DefaultPreferences())
	if err := s.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if v, _, _ := kv.GetItem(ctx, KeyNotificationsEnabled); v != "false" {
		t.Fatalf("Seed overwrote notificationsEnabled: %q", v)
	}
	if v, ok, _ := kv.GetItem(ctx, KeyAlarmAlertTypes); !ok || v != `["Tornado Warning"]` {
		t.Fatalf("alarm types after seed = %q ok=%v", v, ok)
	}
}

func TestStatusKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory(), logx.Nop(), alert.DefaultPreferences())

	if !s.LastManualRefresh(ctx).IsZero() {
		t.Fatal("LastManualRefresh should start zero")
	}
	at := time.UnixMilli(1_700_000_000_123)
	if err := s.SetLastManualRefresh(ctx, at); err != nil {
		t.Fatal(err)
	}
	if got := s.LastManualRefresh(ctx); !got.Equal(at) {
		t.Fatalf("LastManualRefresh = %v, want %v", got, at)
	}

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementErrorCount(ctx)
		if err != nil || n != i {
			t.Fatalf("IncrementErrorCount = %d, %v; want %d", n, err, i)
		}
	}
	if s.ErrorCount(ctx) != 3 {
		t.Fatalf("ErrorCount = %d", s.ErrorCount(ctx))
	}

	if err := s.SetStatus(ctx, StatusError, at); err != nil {
		t.Fatal(err)
	}
	st, when := s.Status(ctx)
	if st != StatusError || !when.Equal(at) {
		t.Fatalf("Status = %q %v", st, when)
	}

	hb := Heartbeat{At: at, Instance: "i-1", State: "idle"}
	if err := s.WriteHeartbeat(ctx, "foreground", hb); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Heartbeat(ctx, "foreground")
	if !ok || !got.At.Equal(at) || got.Instance != "i-1" {
		t.Fatalf("Heartbeat = %+v ok=%v", got, ok)
	}
	if _, ok := s.Heartbeat(ctx, "background"); ok {
		t.Fatal("unexpected heartbeat for background")
	}
}
