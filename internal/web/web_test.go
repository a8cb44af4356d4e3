package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wxalert/internal/alert"
	"wxalert/internal/eventbus"
	"wxalert/internal/poller"
	"wxalert/internal/prefs"
	"wxalert/internal/storage"
	logx "wxalert/pkg/logx"
)

type fakePoller struct{ name string }

func (f fakePoller) Name() string        { return f.name }
func (f fakePoller) State() poller.State { return poller.StateIdle }
func (f fakePoller) Running() bool       { return true }
func (f fakePoller) LastReport() poller.Report {
	return poller.Report{Orchestrator: f.name, Outcome: poller.OutcomeOK, Delivered: 1}
}

func newAPI(t *testing.T) (*API, *prefs.Store) {
	t.Helper()
	store := prefs.New(storage.NewMemory(), logx.Nop(), alert.DefaultPreferences())
	return &API{
		Bus:     eventbus.New(),
		Store:   store,
		Pollers: []Poller{fakePoller{name: "web"}},
		Log:     logx.Nop(),
	}, store
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestVisibilityPublishes(t *testing.T) {
	t.Parallel()
	api, _ := newAPI(t)
	srv := httptest.NewServer(Handler(api, Config{}))
	defer srv.Close()

	ch, unsub := api.Bus.Subscribe(2, eventbus.WebVisibility)
	defer unsub()

	if resp := post(t, srv, "/visibility", `{"visible":true}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case ev := <-ch:
		if vc, ok := ev.Data.(eventbus.VisibilityChange); !ok || !vc.Visible {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no visibility event")
	}

	for _, body := range []string{`{}`, `{"visible":"yes"}`, `{"visible":true,"x":1}`, `not json`} {
		if resp := post(t, srv, "/visibility", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, resp.StatusCode)
		}
	}
}

func TestEventsStreamsNotifications(t *testing.T) {
	t.Parallel()
	api, _ := newAPI(t)
	srv := httptest.NewServer(Handler(api, Config{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("first line = %q", line)
	}
	_, _ = rd.ReadString('\n')

	api.Bus.Publish(eventbus.Event{Type: eventbus.WebNotification, Data: eventbus.Notification{
		Title: "Tornado Warning", Body: "Take shelter", Tag: "X1", Event: "Tornado Warning", ShouldAlarm: true,
	}})

	var lines []string
	for len(lines) < 3 {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}
	if lines[0] != "event: notification" || lines[1] != "id: X1" {
		t.Fatalf("lines = %q", lines)
	}
	var n eventbus.Notification
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &n); err != nil {
		t.Fatal(err)
	}
	if n.Tag != "X1" || !n.ShouldAlarm {
		t.Fatalf("notification = %+v", n)
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	api, _ := newAPI(t)
	srv := httptest.NewServer(Handler(api, Config{}))
	defer srv.Close()

	if resp := post(t, srv, "/refresh", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("without refresher: %d", resp.StatusCode)
	}

	api.Refresh = func(context.Context) (poller.Report, error) {
		return poller.Report{Mode: "manual_refresh", Delivered: 2}, nil
	}
	resp := post(t, srv, "/refresh", "")
	var rep poller.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || rep.Delivered != 2 {
		t.Fatalf("status %d report %+v", resp.StatusCode, rep)
	}

	api.Refresh = func(context.Context) (poller.Report, error) { return poller.Report{}, errors.New("down") }
	if resp := post(t, srv, "/refresh", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("failing refresh: %d", resp.StatusCode)
	}
}

func TestNotificationsToggle(t *testing.T) {
	t.Parallel()
	api, store := newAPI(t)
	var (
		mu  sync.Mutex
		got []bool
	)
	api.NotificationsChanged = func(_ context.Context, enabled bool) {
		mu.Lock()
		got = append(got, enabled)
		mu.Unlock()
	}
	srv := httptest.NewServer(Handler(api, Config{}))
	defer srv.Close()

	if resp := post(t, srv, "/notifications", `{"enabled":false}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if store.Load(context.Background()).NotificationsEnabled {
		t.Fatal("flag not persisted")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] {
		t.Fatalf("callbacks = %v", got)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api, store := newAPI(t)
	at := time.Date(2025, 5, 20, 18, 0, 0, 0, time.UTC)
	_ = store.SetStatus(ctx, prefs.StatusOK, at)
	_, _ = store.IncrementErrorCount(ctx)
	_ = store.WriteHeartbeat(ctx, "web", prefs.Heartbeat{At: at, Instance: "abc", State: "idle"})
	api.Notifier = func() any { return []string{"sent"} }
	srv := httptest.NewServer(Handler(api, Config{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got statusReport
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.NotificationsEnabled || got.LastCheckStatus != prefs.StatusOK || got.FeedErrorCount != 1 {
		t.Fatalf("status = %+v", got)
	}
	if got.LastCheckAt == nil || !got.LastCheckAt.Equal(at) || got.LastManualRefresh != nil {
		t.Fatalf("times = %v %v", got.LastCheckAt, got.LastManualRefresh)
	}
	if len(got.Pollers) != 1 || got.Pollers[0].Instance != "abc" || got.Pollers[0].State != "idle" {
		t.Fatalf("pollers = %+v", got.Pollers)
	}
	if got.Notifier == nil {
		t.Fatal("notifier snapshot missing")
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	api, _ := newAPI(t)
	srv := httptest.NewServer(Handler(api, Config{Token: "s3cret"}))
	defer srv.Close()

	tests := []struct {
		name string
		path string
		auth string
		want int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"missing", "/status", "", http.StatusUnauthorized},
		{"bad query", "/status?token=nope", "", http.StatusUnauthorized},
		{"query", "/status?token=s3cret", "", http.StatusOK},
		{"bearer", "/status", "Bearer s3cret", http.StatusOK},
		{"bad bearer", "/status", "Bearer x", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8787": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		"0.0.0.0:8787":   false,
		":8787":          false,
		"10.0.0.5:80":    false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	api, _ := newAPI(t)
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, api, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(sctx)
	if svc.Supervisor() != nil || svc.Addr() != "" {
		t.Fatal("server still registered after Stop")
	}
}
