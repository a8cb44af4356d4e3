package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wxalert/internal/eventbus"
	"wxalert/internal/transport"
	logx "wxalert/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	failures int // fail this many sends before succeeding
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifySendsWithPriorityPrefix(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(testConfig(), ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := transport.Notification{Channel: "alerts", Priority: 9, Target: transport.ChatTarget{ChatID: 1}, Tag: "X1", Text: "Tornado Warning"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
	if got := ad.texts()[0]; !strings.HasPrefix(got, "🚨 ") || !strings.HasSuffix(got, "Tornado Warning") {
		t.Fatalf("sent %q", got)
	}
	if snap := s.Snapshot(); len(snap) != 1 || snap[0].Tag != "X1" {
		t.Fatalf("history = %+v", snap)
	}
}

func TestNotifySuppressesRepeatTag(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	bus := eventbus.New()
	deduped, unsub := bus.Subscribe(4, eventbus.NotifierDeduped)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := transport.Notification{Channel: "alerts", Target: transport.ChatTarget{ChatID: 1}, Tag: "X1", Text: "a"}
	_ = s.Notify(context.Background(), n)
	n.Text = "a, updated wording"
	_ = s.Notify(context.Background(), n)
	// Different chat is a different key.
	n.Target.ChatID = 2
	_ = s.Notify(context.Background(), n)

	waitFor(t, func() bool { return len(ad.texts()) == 2 })
	select {
	case <-deduped:
	case <-time.After(time.Second):
		t.Fatal("no deduped event")
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 2}
	s := New(testConfig(), ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), transport.Notification{Channel: "alerts", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	waitFor(t, func() bool { return len(ad.texts()) == 1 })
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 10}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(1, eventbus.NotifierFailed)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Notify(context.Background(), transport.Notification{Channel: "alerts", Tag: "X9", Target: transport.ChatTarget{ChatID: 1}, Text: "x"})
	select {
	case e := <-failed:
		ev := e.Data.(NotificationEvent)
		if ev.Tag != "X9" || ev.Error == "" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failed event")
	}
	ad.mu.Lock()
	left := ad.failures
	ad.mu.Unlock()
	if left != 7 {
		t.Fatalf("attempts = %d, want 3", 10-left)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enabled = false
	if err := New(cfg, &fakeAdapter{}, logx.Nop(), nil).Notify(context.Background(), transport.Notification{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	s := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), transport.Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), transport.Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped: %v", err)
	}
	// Restart after stop.
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Notify(context.Background(), transport.Notification{Channel: "alerts", Text: "x"}); err != nil {
		t.Fatalf("restarted: %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()
	a := transport.Notification{Channel: "alerts", Tag: "X1", Text: "one"}
	b := transport.Notification{Channel: "alerts", Tag: "X1", Text: "two"}
	if dedupKey(a) != dedupKey(b) {
		t.Fatal("same tag should share a key")
	}
	if dedupKey(transport.Notification{Text: "x"}) != "" {
		t.Fatal("no channel means no dedup")
	}
}
