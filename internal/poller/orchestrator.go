// Package poller drives the fetch → dedup → deliver pipeline on a timer.
//
// One Orchestrator type serves every execution context; the foreground,
// background and web variants differ only in their Source and Dispatcher.
// Overlap between variants is safe because the dedup layer reloads the
// shared history on every pass.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wxalert/internal/alert"
	"wxalert/internal/dedup"
	"wxalert/internal/delivery"
	"wxalert/internal/eventbus"
	"wxalert/internal/feed"
	"wxalert/internal/prefs"
	logx "wxalert/pkg/logx"
)

// DefaultFetchTimeout bounds one feed request.
const DefaultFetchTimeout = 30 * time.Second

type State int

const (
	StateIdle State = iota
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome of one tick.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeStopped   = "stopped"   // notifications disabled
	OutcomeDiscarded = "discarded" // stopped while the fetch was in flight
)

// Report describes one tick.
type Report struct {
	Orchestrator string        `json:"orchestrator"`
	Mode         string        `json:"mode"`
	At           time.Time     `json:"at"`
	Took         time.Duration `json:"took"`
	Outcome      string        `json:"outcome"`
	Fetched      int           `json:"fetched"`
	New          int           `json:"new"`
	Planned      int           `json:"planned"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	Err          string        `json:"err,omitempty"`
}

// Store is the preference and status store used by orchestrators.
type Store interface {
	Load(ctx context.Context) alert.Preferences
	IncrementErrorCount(ctx context.Context) (int, error)
	SetStatus(ctx context.Context, status string, at time.Time) error
	WriteHeartbeat(ctx context.Context, name string, hb prefs.Heartbeat) error
}

// Pruner drops expired history entries.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int, error)
}

// FirstBatch records whether any pass has completed in this process.
// Orchestrators sharing one FirstBatch run at most one silent pass between
// them, and restarting an orchestrator does not clear it.
type FirstBatch struct{ done atomic.Bool }

// Done reports whether a pass has completed.
func (f *FirstBatch) Done() bool { return f.done.Load() }

// claim marks the first batch taken and reports whether it already was.
func (f *FirstBatch) claim() bool { return f.done.Swap(true) }

type Config struct {
	Name         string
	Source       Source
	Fetcher      feed.Fetcher
	Dispatcher   delivery.Dispatcher
	Engine       *dedup.Engine
	Store        Store
	History      Pruner
	Bus          eventbus.Bus
	FetchTimeout time.Duration
	// SilentFirstBatch registers the first batch of the process without
	// delivering it, when that batch comes from a timer tick.
	SilentFirstBatch bool
	// FirstBatch is shared by every orchestrator of the process. A private
	// one is used when nil.
	FirstBatch *FirstBatch
	Clock      func() time.Time
}

type Orchestrator struct {
	name         string
	source       Source
	fetcher      feed.Fetcher
	dispatcher   delivery.Dispatcher
	engine       *dedup.Engine
	store        Store
	history      Pruner
	bus          eventbus.Bus
	fetchTimeout time.Duration
	silentFirst  bool
	first        *FirstBatch
	now          func() time.Time
	log          logx.Logger

	// pass serializes ticks, RunOnce and ManualRefresh on this orchestrator.
	pass sync.Mutex

	mu       sync.Mutex
	state    State
	instance string
	cancel   context.CancelFunc
	done     chan struct{}
	last     Report
}

func New(cfg Config, log logx.Logger) (*Orchestrator, error) {
	if cfg.Name == "" {
		return nil, errors.New("poller: name required")
	}
	if cfg.Fetcher == nil || cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("poller: fetcher, engine and store are required")
	}
	if cfg.Source == nil {
		cfg.Source = ManualSource{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.FirstBatch == nil {
		cfg.FirstBatch = &FirstBatch{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		name:         cfg.Name,
		source:       cfg.Source,
		fetcher:      cfg.Fetcher,
		dispatcher:   cfg.Dispatcher,
		engine:       cfg.Engine,
		store:        cfg.Store,
		history:      cfg.History,
		bus:          cfg.Bus,
		fetchTimeout: cfg.FetchTimeout,
		silentFirst:  cfg.SilentFirstBatch,
		first:        cfg.FirstBatch,
		now:          cfg.Clock,
		log:          log.With(logx.String("poller", cfg.Name)),
		instance:     uuid.NewString(),
	}, nil
}

func (o *Orchestrator) Name() string { return o.name }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Instance identifies the current run; it changes on every Start.
func (o *Orchestrator) Instance() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.instance
}

// Running reports whether the timer loop is live.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// Waiting reports whether the timer source is idle on purpose.
func (o *Orchestrator) Waiting() bool {
	w, ok := o.source.(Waiter)
	return ok && w.Waiting()
}

// LastReport returns the most recent tick report.
func (o *Orchestrator) LastReport() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Start prunes expired history, seeds the session set from what remains and
// starts the timer loop. Starting a running orchestrator is a no-op; starting
// a stopped one resets it to Idle.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	o.state = StateIdle
	o.instance = uuid.NewString()
	o.mu.Unlock()

	o.prune(ctx)
	warmed := o.engine.Warm(ctx)
	o.log.Info("poller started",
		logx.String("source", o.source.String()),
		logx.String("instance", o.Instance()),
		logx.Int("warmed", warmed),
	)

	go func() {
		defer close(done)
		o.source.Run(rctx, func(c context.Context) { o.tick(c, dedup.ModeFull) })
	}()
}

// Stop cancels the timer and waits for the loop to exit or ctx to be done.
// An in-flight fetch completes and its result is discarded.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.state = StateStopped
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	o.log.Info("poller stopped")
}

// stopSelf is Stop from inside a tick: it cancels without waiting.
func (o *Orchestrator) stopSelf() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel, o.done = nil, nil
	o.state = StateStopped
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunOnce runs one full pass outside the timer. It is the entry point for
// OS-scheduled background execution.
func (o *Orchestrator) RunOnce(ctx context.Context) Report {
	o.prune(ctx)
	return o.runPass(ctx, dedup.ModeFull, false)
}

// ManualRefresh runs one pass that only delivers alerts sent after the
// previous manual refresh.
func (o *Orchestrator) ManualRefresh(ctx context.Context) Report {
	return o.runPass(ctx, dedup.ModeManualRefresh, false)
}

func (o *Orchestrator) tick(ctx context.Context, mode dedup.Mode) {
	o.runPass(ctx, mode, true)
}

func (o *Orchestrator) runPass(ctx context.Context, mode dedup.Mode, timer bool) Report {
	o.pass.Lock()
	defer o.pass.Unlock()

	started := o.now()
	rep := Report{Orchestrator: o.name, Mode: mode.String(), At: started}
	finish := func() Report {
		rep.Took = o.now().Sub(started)
		o.mu.Lock()
		o.last = rep
		o.mu.Unlock()
		if o.bus != nil {
			o.bus.Publish(eventbus.Event{Type: eventbus.PollerTick, Data: rep})
		}
		return rep
	}

	p := o.store.Load(ctx)
	if !p.NotificationsEnabled {
		if timer {
			o.stopSelf()
		}
		o.log.Info("notifications disabled; poller stopping")
		rep.Outcome = OutcomeStopped
		return finish()
	}

	o.setState(StatePolling, timer)
	fctx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	records, err := o.fetcher.Fetch(fctx)
	cancel()
	if err != nil {
		if _, cerr := o.store.IncrementErrorCount(ctx); cerr != nil {
			o.log.Debug("error counter write failed", logx.Err(cerr))
		}
		if serr := o.store.SetStatus(ctx, prefs.StatusError, o.now()); serr != nil {
			o.log.Debug("status write failed", logx.Err(serr))
		}
		o.log.Warn("feed fetch failed", logx.Err(err))
		o.setState(StateIdle, timer)
		rep.Outcome, rep.Err = OutcomeError, err.Error()
		return finish()
	}
	rep.Fetched = len(records)

	// The fetch is not aborted on stop; its result is dropped instead.
	p = o.store.Load(ctx)
	if (timer && o.State() == StateStopped) || !p.NotificationsEnabled {
		if timer {
			o.stopSelf()
		}
		rep.Outcome = OutcomeDiscarded
		return finish()
	}

	if taken := o.first.claim(); !taken && timer && mode == dedup.ModeFull && o.silentFirst {
		mode = dedup.ModeSilent
		rep.Mode = mode.String()
	}

	res := o.engine.ProcessBatch(ctx, records, p, mode)
	sum := delivery.Run(ctx, o.dispatcher, res.Plan, p, o.log)
	rep.New, rep.Planned = len(res.NewEntries), len(res.Plan)
	rep.Delivered, rep.Failed = sum.Delivered, sum.Failed

	at := o.now()
	if err := o.store.SetStatus(ctx, prefs.StatusOK, at); err != nil {
		o.log.Debug("status write failed", logx.Err(err))
	}
	if err := o.store.WriteHeartbeat(ctx, o.name, prefs.Heartbeat{At: at, Instance: o.Instance(), State: StateIdle.String()}); err != nil {
		o.log.Warn("heartbeat write failed", logx.Err(err))
	}
	o.setState(StateIdle, timer)
	rep.Outcome = OutcomeOK
	if rep.Planned > 0 || rep.Failed > 0 {
		o.log.Info("poll complete",
			logx.String("mode", rep.Mode),
			logx.Int("fetched", rep.Fetched),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
		)
	}
	return finish()
}

// setState moves between Idle and Polling. Stopped is only left via Start.
// Passes outside the timer loop leave the state alone.
func (o *Orchestrator) setState(s State, timer bool) {
	if !timer {
		return
	}
	o.mu.Lock()
	if o.state != StateStopped {
		o.state = s
	}
	o.mu.Unlock()
}

func (o *Orchestrator) prune(ctx context.Context) {
	if o.history == nil {
		return
	}
	n, err := o.history.Prune(ctx, o.now())
	if err != nil {
		o.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		o.log.Debug("history pruned", logx.Int("removed", n))
	}
}
