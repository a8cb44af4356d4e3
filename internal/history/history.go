// Package history persists which alert IDs have already been notified.
//
// All entries live under a single storage key as a JSON array of
// [id, entry] pairs. Every mutation re-reads the stored collection, applies
// the change and writes the whole collection back. There is no lock across
// processes: two writers racing can lose one update, which at worst produces
// a duplicate notification on a later poll.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wxalert/internal/storage"
	logx "wxalert/pkg/logx"
)

const (
	// Key holds the serialized history collection.
	Key = "notificationHistory"
	// LegacySeenKey holds the pipe-delimited seen list kept for older readers.
	LegacySeenKey = "seenAlerts"

	legacySeenMax = 500
)

// Entry records one notified alert.
type Entry struct {
	ID         string    `json:"id"`
	ExpiresAt  time.Time `json:"-"`
	NotifiedAt time.Time `json:"-"`
}

type wireEntry struct {
	ID         string `json:"id"`
	ExpiresAt  int64  `json:"expiresAt"`
	NotifiedAt int64  `json:"notifiedAt"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{ID: e.ID, ExpiresAt: e.ExpiresAt.UnixMilli(), NotifiedAt: e.NotifiedAt.UnixMilli()})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Entry{ID: w.ID, ExpiresAt: time.UnixMilli(w.ExpiresAt), NotifiedAt: time.UnixMilli(w.NotifiedAt)}
	return nil
}

// Store is the notification history. It is safe for concurrent use within a
// process; the in-process mutex only narrows, not removes, the cross-process race.
type Store struct {
	kv  storage.KV
	log logx.Logger
	now func() time.Time

	mu sync.Mutex
}

type Option func(*Store)

// WithClock overrides the clock used for NotifiedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(kv storage.KV, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{kv: kv, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the persisted history. A missing, unreadable or corrupt payload
// yields an empty map; the failure is logged, never returned.
func (s *Store) Load(ctx context.Context) map[string]Entry {
	m, err := s.read(ctx)
	if err != nil {
		s.log.Warn("history load failed; treating as empty", logx.Err(err))
		return map[string]Entry{}
	}
	return m
}

// LoadStrict is Load but reports read and decode failures to the caller.
func (s *Store) LoadStrict(ctx context.Context) (map[string]Entry, error) {
	return s.read(ctx)
}

// Add records id unless it is already present. The first write wins; a later
// Add with a different expiry leaves the original entry untouched.
func (s *Store) Add(ctx context.Context, id string, expiresAt time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("history: empty alert id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read(ctx)
	if err != nil {
		if !errors.Is(err, errCorrupt) {
			return err
		}
		s.log.Warn("history corrupt; starting a fresh collection", logx.Err(err))
		m = map[string]Entry{}
	}
	if _, ok := m[id]; ok {
		return nil
	}
	m[id] = Entry{ID: id, ExpiresAt: expiresAt, NotifiedAt: s.now()}
	return s.write(ctx, m)
}

// Prune removes entries whose expiry is before now and returns how many were removed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read(ctx)
	if err != nil {
		if !errors.Is(err, errCorrupt) {
			return 0, err
		}
		// Nothing salvageable; replace the payload so later reads succeed.
		s.log.Warn("history corrupt; resetting during prune", logx.Err(err))
		return 0, s.write(ctx, map[string]Entry{})
	}
	removed := 0
	for id, e := range m {
		if e.ExpiresAt.Before(now) {
			delete(m, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.write(ctx, m)
}

// Reset clears the history and the legacy seen list.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(
		s.kv.RemoveItem(ctx, Key),
		s.kv.RemoveItem(ctx, LegacySeenKey),
	)
}

var errCorrupt = errors.New("history payload corrupt")

func (s *Store) read(ctx context.Context) (map[string]Entry, error) {
	raw, ok, err := s.kv.GetItem(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("history read: %w", err)
	}
	out := map[string]Entry{}
	if !ok || strings.TrimSpace(raw) == "" {
		return out, nil
	}
	var pairs []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	for _, p := range pairs {
		var pair []json.RawMessage
		if err := json.Unmarshal(p, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("%w: malformed pair %s", errCorrupt, truncate(string(p), 80))
		}
		var id string
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return nil, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		var e Entry
		if err := json.Unmarshal(pair[1], &e); err != nil {
			return nil, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		if e.ID == "" {
			e.ID = id
		}
		if _, dup := out[id]; !dup {
			out[id] = e
		}
	}
	return out, nil
}

func (s *Store) write(ctx context.Context, m map[string]Entry) error {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	// Stable output keeps diffs of the stored blob readable.
	sort.Strings(ids)
	pairs := make([][2]any, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, [2]any{id, m[id]})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return err
	}
	if err := s.kv.SetItem(ctx, Key, string(b)); err != nil {
		return fmt.Errorf("history write: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
