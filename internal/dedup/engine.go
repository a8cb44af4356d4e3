// Package dedup decides which alerts in a feed batch are new and worth a
// notification.
//
// The feed has no cursor and returns the full active set on every poll, so
// every pass compares the batch against two layers: the in-memory
// SessionSeen set (cheap, process lifetime) and the persisted history
// (reloaded at the start of every pass, shared by all pollers). An alert
// produces a delivery item only when it is in neither.
package dedup

import (
	"context"
	"strings"
	"sync"
	"time"

	"wxalert/internal/alert"
	"wxalert/internal/history"
	logx "wxalert/pkg/logx"
)

// Mode selects how a pass treats alerts that are absent from history.
type Mode int

const (
	// ModeFull delivers every alert that is new since history.
	ModeFull Mode = iota
	// ModeManualRefresh also requires Sent to be after the last manual refresh.
	ModeManualRefresh
	// ModeSilent records alerts as seen without delivering anything. Used for
	// the first batch after a cold start.
	ModeSilent
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeManualRefresh:
		return "manual-refresh"
	case ModeSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// Item is one planned delivery.
type Item struct {
	AlertID     string
	Event       string
	Title       string
	Body        string
	Tag         string
	Expires     time.Time
	ShouldAlarm bool
}

// Result is the outcome of one pass.
type Result struct {
	Mode       Mode
	NewEntries []history.Entry
	Plan       []Item

	Received   int // records in the batch
	Included   int // records passing the classifier
	Reconciled int // found in history but not in the session set
	Stale      int // manual refresh only: sent at or before the cursor
}

// History is the persisted history as seen by the engine.
type History interface {
	LoadStrict(ctx context.Context) (map[string]history.Entry, error)
	Add(ctx context.Context, id string, expiresAt time.Time) error
}

// LegacyMarker is implemented by history stores that also maintain the
// pipe-delimited seen list.
type LegacyMarker interface {
	MarkSeenLegacy(ctx context.Context, ids ...string)
}

// Cursor stores the manual refresh timestamp.
type Cursor interface {
	LastManualRefresh(ctx context.Context) time.Time
	SetLastManualRefresh(ctx context.Context, t time.Time) error
}

// Engine runs dedup passes for one execution context. Each poller owns its
// own Engine (and SessionSeen); the History behind it is shared.
type Engine struct {
	hist   History
	cursor Cursor
	seen   *SessionSeen
	log    logx.Logger
	now    func() time.Time

	// mu keeps passes on this engine sequential.
	mu sync.Mutex
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSessionSeen installs an existing set, e.g. one shared with a manual
// refresh handler running in the same context.
func WithSessionSeen(s *SessionSeen) Option {
	return func(e *Engine) {
		if s != nil {
			e.seen = s
		}
	}
}

func WithCursor(c Cursor) Option { return func(e *Engine) { e.cursor = c } }

func NewEngine(hist History, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{hist: hist, seen: NewSessionSeen(), log: log, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Seen() *SessionSeen { return e.seen }

// Warm seeds the session set from persisted history. Orchestrators call it
// on Start, after pruning expired entries.
func (e *Engine) Warm(ctx context.Context) int {
	m, err := e.hist.LoadStrict(ctx)
	if err != nil {
		e.log.Warn("history warm-up failed; starting with empty session", logx.Err(err))
		return 0
	}
	n := 0
	for id := range m {
		if e.seen.Add(id) {
			n++
		}
	}
	return n
}

// ProcessBatch runs one dedup pass. It never fails: storage problems degrade
// to "history empty" on read and are logged on write.
func (e *Engine) ProcessBatch(ctx context.Context, records []alert.Record, p alert.Preferences, mode Mode) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := e.now()
	res := Result{Mode: mode, Received: len(records)}

	var cursor time.Time
	if mode == ModeManualRefresh && e.cursor != nil {
		cursor = e.cursor.LastManualRefresh(ctx)
	}

	// Loaded lazily: a batch fully covered by the session set costs no read.
	var (
		hist       map[string]history.Entry
		histLoaded bool
	)
	loadHistory := func() map[string]history.Entry {
		if histLoaded {
			return hist
		}
		histLoaded = true
		m, err := e.hist.LoadStrict(ctx)
		if err != nil {
			e.log.Warn("history reload failed; treating as empty", logx.Err(err))
			m = map[string]history.Entry{}
		}
		hist = m
		return hist
	}

	var newIDs []string
	for _, rec := range records {
		c := alert.Classify(rec, p)
		if !c.Included {
			continue
		}
		res.Included++

		id := strings.TrimSpace(rec.ID)
		if id == "" || e.seen.Has(id) {
			continue
		}
		if _, ok := loadHistory()[id]; ok {
			e.seen.Add(id)
			res.Reconciled++
			continue
		}
		if mode == ModeManualRefresh && !rec.Sent.After(cursor) {
			// Old but unseen on this device: remember for this session only.
			e.seen.Add(id)
			res.Stale++
			continue
		}

		e.seen.Add(id)
		if err := e.hist.Add(ctx, id, rec.Expires); err != nil {
			e.log.Warn("history write failed; session set still suppresses repeats",
				logx.String("alert_id", id), logx.Err(err))
		}
		res.NewEntries = append(res.NewEntries, history.Entry{ID: id, ExpiresAt: rec.Expires, NotifiedAt: started})
		newIDs = append(newIDs, id)

		if mode == ModeSilent {
			continue
		}
		res.Plan = append(res.Plan, Item{
			AlertID:     id,
			Event:       strings.TrimSpace(rec.Event),
			Title:       rec.Title(),
			Body:        rec.Body(),
			Tag:         id,
			Expires:     rec.Expires,
			ShouldAlarm: c.ShouldAlarm,
		})
	}

	if lm, ok := e.hist.(LegacyMarker); ok && len(newIDs) > 0 {
		lm.MarkSeenLegacy(ctx, newIDs...)
	}

	if mode == ModeManualRefresh && e.cursor != nil {
		if err := e.cursor.SetLastManualRefresh(ctx, started); err != nil {
			e.log.Warn("manual refresh cursor write failed", logx.Err(err))
		}
	}

	e.log.Debug("dedup pass",
		logx.String("mode", mode.String()),
		logx.Int("received", res.Received),
		logx.Int("included", res.Included),
		logx.Int("new", len(res.NewEntries)),
		logx.Int("planned", len(res.Plan)),
		logx.Int("reconciled", res.Reconciled),
		logx.Int("stale", res.Stale),
	)
	return res
}
