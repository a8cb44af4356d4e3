package prefs

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	logx "wxalert/pkg/logx"
)

const (
	StatusOK    = "last check: ok"
	StatusError = "last check: error"
)

// Heartbeat is written by an orchestrator after every completed tick.
type Heartbeat struct {
	At       time.Time `json:"at"`
	Instance string    `json:"instance"`
	State    string    `json:"state"`
}

func (s *Store) WriteHeartbeat(ctx context.Context, name string, hb Heartbeat) error {
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return s.kv.SetItem(ctx, heartbeatPrefix+name, string(b))
}

// Heartbeat returns the last heartbeat for name. ok is false when none was
// written or the stored value is unreadable.
func (s *Store) Heartbeat(ctx context.Context, name string) (Heartbeat, bool) {
	raw, ok := s.get(ctx, heartbeatPrefix+name)
	if !ok {
		return Heartbeat{}, false
	}
	var hb Heartbeat
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		s.log.Debug("heartbeat unreadable", logx.String("name", name), logx.Err(err))
		return Heartbeat{}, false
	}
	return hb, true
}

// LastManualRefresh returns the manual refresh cursor, zero when never set.
func (s *Store) LastManualRefresh(ctx context.Context) time.Time {
	return s.getMillis(ctx, KeyLastManualRefresh)
}

func (s *Store) SetLastManualRefresh(ctx context.Context, t time.Time) error {
	return s.kv.SetItem(ctx, KeyLastManualRefresh, strconv.FormatInt(t.UnixMilli(), 10))
}

// ErrorCount returns the persisted feed error counter.
func (s *Store) ErrorCount(ctx context.Context) int {
	raw, ok := s.get(ctx, KeyFeedErrorCount)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IncrementErrorCount bumps the feed error counter and returns the new value.
func (s *Store) IncrementErrorCount(ctx context.Context) (int, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	n := s.ErrorCount(ctx) + 1
	return n, s.kv.SetItem(ctx, KeyFeedErrorCount, strconv.Itoa(n))
}

// SetStatus records the diagnostic status string shown by the UI.
func (s *Store) SetStatus(ctx context.Context, status string, at time.Time) error {
	if err := s.kv.SetItem(ctx, KeyLastCheckStatus, status); err != nil {
		return err
	}
	return s.kv.SetItem(ctx, KeyLastCheckAt, strconv.FormatInt(at.UnixMilli(), 10))
}

func (s *Store) Status(ctx context.Context) (string, time.Time) {
	st, _ := s.get(ctx, KeyLastCheckStatus)
	return st, s.getMillis(ctx, KeyLastCheckAt)
}

func (s *Store) getMillis(ctx context.Context, key string) time.Time {
	raw, ok := s.get(ctx, key)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
