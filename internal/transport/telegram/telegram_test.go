package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"wxalert/internal/transport"
	logx "wxalert/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (b *botAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected method path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		b.mu.Lock()
		b.calls = append(b.calls, params)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":42,"type":"private"}}}`))
	})
}

func TestSendText(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a, err := New(Config{Token: "123:abc", URL: srv.URL, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 42}, "Tornado Warning", &transport.SendOptions{Silent: true})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 77 || ref.ChatID != 42 {
		t.Fatalf("ref = %+v", ref)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 {
		t.Fatalf("calls = %d", len(api.calls))
	}
	if got := api.calls[0]["text"]; got != "Tornado Warning" {
		t.Fatalf("text = %v", got)
	}
	if got := api.calls[0]["chat_id"]; got != "42" {
		t.Fatalf("chat_id = %v", got)
	}
}

func TestSendAfterStop(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", URL: "http://127.0.0.1:0", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = a.Stop(context.Background())
	_, err = a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
