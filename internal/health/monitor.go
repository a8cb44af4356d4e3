// Package health restarts polling orchestrators that stopped reporting and
// keeps the systemd watchdog fed while they are all healthy.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wxalert/internal/alert"
	"wxalert/internal/eventbus"
	"wxalert/internal/prefs"
	logx "wxalert/pkg/logx"
)

const (
	DefaultInterval  = time.Minute
	DefaultThreshold = 10 * time.Minute

	backoffBase = 30 * time.Second
	backoffMax  = 10 * time.Minute
)

// Target is a watched orchestrator.
type Target interface {
	Name() string
	Running() bool
}

// Waiter is implemented by targets that can be idle on purpose. A waiting
// target is only checked for running; heartbeat age counts from when it
// stops waiting.
type Waiter interface {
	Waiting() bool
}

// Controller restarts a target by name.
type Controller interface {
	Restart(ctx context.Context, name string) error
}

// Store reads preferences and heartbeats.
type Store interface {
	Load(ctx context.Context) alert.Preferences
	Heartbeat(ctx context.Context, name string) (prefs.Heartbeat, bool)
}

// NotifyFunc sends a state string to the service manager. It matches
// daemon.SdNotify with unsetEnvironment bound to false.
type NotifyFunc func(state string) (bool, error)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	// Systemd enables READY and WATCHDOG notifications.
	Systemd bool
	Notify  NotifyFunc
	Clock   func() time.Time
}

// Status is the health of one target after a check.
type Status struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	LastBeat    time.Time `json:"last_beat,omitempty"`
	Waiting     bool      `json:"waiting,omitempty"`
	Healthy     bool      `json:"healthy"`
	Reason      string    `json:"reason,omitempty"`
	Restarted   bool      `json:"restarted"`
	Restarts    int       `json:"restarts"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

type targetState struct {
	since       time.Time // first seen or last restart
	restarts    int
	failStreak  int
	nextAttempt time.Time
}

type Monitor struct {
	targets   []Target
	ctl       Controller
	store     Store
	bus       eventbus.Bus
	interval  time.Duration
	threshold time.Duration
	systemd   bool
	notify    NotifyFunc
	now       func() time.Time
	log       logx.Logger

	mu    sync.Mutex
	state map[string]*targetState
	last  []Status
}

func New(cfg Config, targets []Target, ctl Controller, store Store, bus eventbus.Bus, log logx.Logger) (*Monitor, error) {
	if ctl == nil || store == nil {
		return nil, errors.New("health: controller and store required")
	}
	m := &Monitor{
		targets:   append([]Target(nil), targets...),
		ctl:       ctl,
		store:     store,
		bus:       bus,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		systemd:   cfg.Systemd,
		notify:    cfg.Notify,
		now:       cfg.Clock,
		log:       log.With(logx.String("comp", "health")),
		state:     map[string]*targetState{},
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.threshold <= 0 {
		m.threshold = DefaultThreshold
	}
	if m.notify == nil {
		m.notify = sdNotify
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Run signals readiness and checks every interval and on each foreground
// event until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.sd(daemon.SdNotifyReady)
	if m.systemd {
		if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 && wd/2 < m.interval {
			m.log.Warn("watchdog timeout shorter than twice the check interval",
				logx.Duration("watchdog", wd), logx.Duration("interval", m.interval))
		}
	}

	var fg <-chan eventbus.Event
	if m.bus != nil {
		ch, unsub := m.bus.Subscribe(4, eventbus.AppForeground)
		defer unsub()
		fg = ch
	}

	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.sd(daemon.SdNotifyStopping)
			return nil
		case <-t.C:
			m.Check(ctx)
		case _, ok := <-fg:
			if !ok {
				fg = nil
				continue
			}
			m.log.Debug("foreground event; checking")
			m.Check(ctx)
		}
	}
}

// Check evaluates every target once, restarting unhealthy ones. While
// notifications are disabled every target counts as healthy.
func (m *Monitor) Check(ctx context.Context) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	enabled := m.store.Load(ctx).NotificationsEnabled
	out := make([]Status, 0, len(m.targets))
	allHealthy := true

	for _, t := range m.targets {
		name := t.Name()
		ts := m.ensure(name, now)
		st := Status{Name: name, Running: t.Running(), Healthy: true, Restarts: ts.restarts}
		hb, ok := m.store.Heartbeat(ctx, name)
		if ok {
			st.LastBeat = hb.At
		}

		if w, isWaiter := t.(Waiter); isWaiter && st.Running && w.Waiting() {
			st.Waiting = true
			ts.since = now
		}
		if enabled && !st.Waiting {
			st.Reason = m.diagnose(st.Running, hb, ok, ts, now)
		}
		if st.Reason == "" {
			ts.failStreak = 0
			ts.nextAttempt = time.Time{}
			out = append(out, st)
			continue
		}

		st.Healthy = false
		allHealthy = false
		if now.Before(ts.nextAttempt) {
			st.NextAttempt = ts.nextAttempt
			out = append(out, st)
			continue
		}

		m.log.Warn("orchestrator unhealthy; restarting",
			logx.String("orchestrator", name),
			logx.String("reason", st.Reason),
			logx.Int("streak", ts.failStreak+1),
		)
		ts.failStreak++
		ts.nextAttempt = now.Add(backoff(ts.failStreak))
		st.NextAttempt = ts.nextAttempt
		if err := m.ctl.Restart(ctx, name); err != nil {
			m.log.Error("restart failed", logx.String("orchestrator", name), logx.Err(err))
			out = append(out, st)
			continue
		}
		ts.restarts++
		ts.since = now
		st.Restarted, st.Restarts = true, ts.restarts
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.PollerRestarted, Data: name})
		}
		out = append(out, st)
	}

	m.last = out
	if allHealthy {
		m.sd(daemon.SdNotifyWatchdog)
	}
	return out
}

// Last returns the statuses from the most recent check.
func (m *Monitor) Last() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Status(nil), m.last...)
}

// diagnose returns why a target is unhealthy, or "" when it is fine. A target
// with no heartbeat yet is measured from when the monitor first saw it or
// last restarted it.
func (m *Monitor) diagnose(running bool, hb prefs.Heartbeat, ok bool, ts *targetState, now time.Time) string {
	if !running {
		return "not running"
	}
	ref := ts.since
	if ok && hb.At.After(ref) {
		ref = hb.At
	}
	if now.Sub(ref) > m.threshold {
		return "heartbeat stale"
	}
	return ""
}

func (m *Monitor) ensure(name string, now time.Time) *targetState {
	ts, ok := m.state[name]
	if !ok {
		ts = &targetState{since: now}
		m.state[name] = ts
	}
	return ts
}

func (m *Monitor) sd(state string) {
	if !m.systemd {
		return
	}
	sent, err := m.notify(state)
	if err != nil {
		m.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		m.log.Debug("sd_notify not supported", logx.String("state", state))
	}
}

// backoff returns the wait after the n-th consecutive failed check.
func backoff(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	d := backoffBase
	for i := 2; i < n && d < backoffMax; i++ {
		d *= 2
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
