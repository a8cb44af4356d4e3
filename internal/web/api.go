package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"wxalert/internal/alert"
	"wxalert/internal/eventbus"
	"wxalert/internal/poller"
	"wxalert/internal/prefs"
	logx "wxalert/pkg/logx"
)

const (
	keepAlive   = 25 * time.Second
	maxBodySize = 4 << 10
)

// Poller is the read-only view of an orchestrator.
type Poller interface {
	Name() string
	State() poller.State
	Running() bool
	LastReport() poller.Report
}

// Store reads and toggles persisted preferences and status keys.
type Store interface {
	Load(ctx context.Context) alert.Preferences
	SetNotificationsEnabled(ctx context.Context, enabled bool) error
	Heartbeat(ctx context.Context, name string) (prefs.Heartbeat, bool)
	ErrorCount(ctx context.Context) int
	Status(ctx context.Context) (string, time.Time)
	LastManualRefresh(ctx context.Context) time.Time
}

// API holds the handlers' collaborators. Refresh, NotificationsChanged,
// Health and Notifier are optional.
type API struct {
	Bus     eventbus.Bus
	Store   Store
	Pollers []Poller

	// Refresh runs a manual refresh pass.
	Refresh func(ctx context.Context) (poller.Report, error)
	// NotificationsChanged runs after the enabled flag was written.
	NotificationsChanged func(ctx context.Context, enabled bool)
	Health               func() any
	Notifier             func() any

	Log logx.Logger
}

// events streams web notifications as server-sent events until the client
// goes away.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		httpErrorf(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, unsub := a.Bus.Subscribe(16, eventbus.WebNotification)
	defer unsub()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	fl.Flush()

	t := time.NewTicker(keepAlive)
	defer t.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, ok := ev.Data.(eventbus.Notification)
			if !ok {
				continue
			}
			b, err := json.Marshal(n)
			if err != nil {
				a.Log.Warn("encode notification failed", logx.Err(err))
				continue
			}
			if _, err := io.WriteString(w, "event: notification\nid: "+n.Tag+"\ndata: "+string(b)+"\n\n"); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (a *API) visibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeBody(r, &req); err != nil || req.Visible == nil {
		httpErrorf(w, http.StatusBadRequest, "body must be {\"visible\": bool}")
		return
	}
	a.Bus.Publish(eventbus.Event{Type: eventbus.WebVisibility, Data: eventbus.VisibilityChange{Visible: *req.Visible}})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) foreground(w http.ResponseWriter, _ *http.Request) {
	a.Bus.Publish(eventbus.Event{Type: eventbus.AppForeground})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	if a.Refresh == nil {
		httpErrorf(w, http.StatusNotFound, "manual refresh unavailable")
		return
	}
	rep, err := a.Refresh(r.Context())
	if err != nil {
		httpErrorf(w, http.StatusServiceUnavailable, "refresh failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type notificationsRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) notifications(w http.ResponseWriter, r *http.Request) {
	var req notificationsRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		httpErrorf(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	if err := a.Store.SetNotificationsEnabled(r.Context(), *req.Enabled); err != nil {
		a.Log.Error("notifications toggle failed", logx.Err(err))
		httpErrorf(w, http.StatusInternalServerError, "write failed")
		return
	}
	a.Log.Info("notifications toggled", logx.Bool("enabled", *req.Enabled))
	if a.NotificationsChanged != nil {
		a.NotificationsChanged(r.Context(), *req.Enabled)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, at := a.Store.Status(ctx)
	out := statusReport{
		NotificationsEnabled: a.Store.Load(ctx).NotificationsEnabled,
		LastCheckStatus:      st,
		LastCheckAt:          timePtr(at),
		LastManualRefresh:    timePtr(a.Store.LastManualRefresh(ctx)),
		FeedErrorCount:       a.Store.ErrorCount(ctx),
		Pollers:              make([]pollerStatus, 0, len(a.Pollers)),
	}
	for _, p := range a.Pollers {
		ps := pollerStatus{
			Name:    p.Name(),
			State:   p.State().String(),
			Running: p.Running(),
			Last:    p.LastReport(),
		}
		if hb, ok := a.Store.Heartbeat(ctx, p.Name()); ok {
			ps.Heartbeat, ps.Instance = timePtr(hb.At), hb.Instance
		}
		out.Pollers = append(out.Pollers, ps)
	}
	if a.Health != nil {
		out.Health = a.Health()
	}
	if a.Notifier != nil {
		out.Notifier = a.Notifier()
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
