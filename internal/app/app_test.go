package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wxalert/internal/config"
	"wxalert/internal/dedup"
	"wxalert/internal/poller"
)

func feedServer(t *testing.T, ids ...string) *httptest.Server {
	t.Helper()
	now := time.Now().UTC()
	var features []string
	for _, id := range ids {
		features = append(features, fmt.Sprintf(`{
			"id": %q, "type": "Feature",
			"geometry": {"type": "Polygon"},
			"properties": {"id": %q, "event": "Tornado Warning", "headline": "Tornado Warning %s",
				"sent": %q, "expires": %q}
		}`, id, id, id, now.Add(-time.Minute).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339)))
	}
	body := `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseConfig(feedURL, storePath string) string {
	return `
logging:
  level: error
  console: true
storage:
  driver: file
  path: ` + storePath + `
feed:
  base_url: ` + feedURL + `
  user_agent: wxalert-test
polling:
  foreground:
    enabled: true
    schedule: 1h
`
}

func TestRunOnceDeliversOncePerHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := feedServer(t, "A", "B")
	store := filepath.Join(t.TempDir(), "state.json")
	path := writeConfig(t, baseConfig(srv.URL, store))

	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	rep := a.RunOnce(ctx)
	if rep.Outcome != poller.OutcomeOK || rep.Delivered != 2 {
		t.Fatalf("first run = %+v", rep)
	}
	if err := a.Stop(ctx, StopOnce); err != nil {
		t.Fatal(err)
	}

	// A fresh process sees the persisted history.
	b, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	if rep := b.RunOnce(ctx); rep.Delivered != 0 || rep.New != 0 {
		t.Fatalf("second run = %+v", rep)
	}

	if err := b.ResetHistory(ctx); err != nil {
		t.Fatal(err)
	}
	_ = b.Stop(ctx, StopOnce)

	c, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop(ctx, StopOnce)
	if rep := c.RunOnce(ctx); rep.Delivered != 2 {
		t.Fatalf("after reset = %+v", rep)
	}
}

// botAPI is a minimal Telegram Bot API recording sent message texts.
type botAPI struct {
	mu    sync.Mutex
	texts []string
}

func (b *botAPI) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"wx","username":"wxbot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var params map[string]any
			_ = json.NewDecoder(r.Body).Decode(&params)
			text, _ := params["text"].(string)
			b.mu.Lock()
			b.texts = append(b.texts, text)
			b.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (b *botAPI) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func TestRunOnceSendsPushBeforeReturning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := feedServer(t, "A", "B")
	bot := &botAPI{}
	botSrv := bot.serve(t)
	body := baseConfig(srv.URL, filepath.Join(t.TempDir(), "state.json")) + `
delivery:
  telegram:
    token: "123:abc"
    chat_ids: [42]
    api_url: ` + botSrv.URL + `
`
	a, err := NewApp(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopOnce)

	rep := a.RunOnce(ctx)
	if rep.Outcome != poller.OutcomeOK || rep.Delivered != 2 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	got := bot.sent()
	if len(got) != 2 {
		t.Fatalf("sent = %q, want both alerts", got)
	}
	all := strings.Join(got, "\n")
	for _, id := range []string{"A", "B"} {
		if !strings.Contains(all, "Tornado Warning "+id) {
			t.Fatalf("alert %s missing from %q", id, got)
		}
	}
}

func TestStartRunsEnabledPollers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := feedServer(t, "A")
	path := writeConfig(t, baseConfig(srv.URL, filepath.Join(t.TempDir(), "state.json")))

	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.timed) != 1 || a.timed[0].Name() != Foreground {
		t.Fatalf("timed pollers = %d", len(a.timed))
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := a.prefs.Heartbeat(ctx, Foreground); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no foreground heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Restart(ctx, Foreground); err != nil {
		t.Fatal(err)
	}
	if !a.pollers[Foreground].Running() {
		t.Fatal("foreground not running after restart")
	}
	if err := a.Restart(ctx, "nope"); err == nil {
		t.Fatal("expected error for unknown orchestrator")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatal(err)
	}
	if a.pollers[Foreground].Running() {
		t.Fatal("foreground still running after Stop")
	}
}

func TestManualRefreshUsesForeground(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := feedServer(t, "A")
	path := writeConfig(t, baseConfig(srv.URL, filepath.Join(t.TempDir(), "state.json")))

	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopOnce)

	rep := a.ManualRefresh(ctx)
	if rep.Orchestrator != Foreground || rep.Mode != dedup.ModeManualRefresh.String() {
		t.Fatalf("report = %+v", rep)
	}
	if a.prefs.LastManualRefresh(ctx).IsZero() {
		t.Fatal("cursor not written")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown key":     "bogus: 1\n",
		"cron foreground": "polling:\n  foreground:\n    enabled: true\n    schedule: \"*/5 * * * *\"\n",
		"bad schedule":    "polling:\n  background:\n    schedule: soon\n",
		"alarm no cmd":    "delivery:\n  alarm:\n    enabled: true\n",
	}
	for name, body := range tests {
		if _, err := NewApp(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("empty config: %v", err)
	}
	spec, err := mapSchedule("polling.background", config.PollerConfig{}, defaultBackground)
	if err != nil || spec.Kind != poller.SpecInterval || spec.Every != 15*time.Minute {
		t.Fatalf("default background = %+v, %v", spec, err)
	}
}
