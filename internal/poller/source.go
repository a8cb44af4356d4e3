package poller

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"wxalert/internal/eventbus"
)

// Source is a timer driving an orchestrator. Run blocks until ctx is done and
// calls fire for every tick. fire runs synchronously; ticks that arrive while
// it runs are dropped.
type Source interface {
	Run(ctx context.Context, fire func(ctx context.Context))
	String() string
}

// IntervalSource fires every Every, and once immediately when Immediate is set.
type IntervalSource struct {
	Every     time.Duration
	Immediate bool
}

func (s IntervalSource) String() string { return "interval " + s.Every.String() }

func (s IntervalSource) Run(ctx context.Context, fire func(ctx context.Context)) {
	every := s.Every
	if every <= 0 {
		every = time.Minute
	}
	if s.Immediate {
		fire(ctx)
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fire(ctx)
		}
	}
}

const maxStartupSpread = 30 * time.Second

// CronSource fires on a cron or interval schedule. Interval schedules get a
// random first-run spread so several daemons started together don't hit the
// feed at the same second.
type CronSource struct {
	Spec     ParsedSpec
	Location *time.Location
	// Spread disables the startup spread when false.
	Spread bool
}

func (s CronSource) String() string { return s.Spec.String() }

func (s CronSource) Run(ctx context.Context, fire func(ctx context.Context)) {
	sched, err := s.Spec.Schedule()
	if err != nil {
		// Specs are validated at construction; an invalid one never fires.
		<-ctx.Done()
		return
	}
	if s.Spread && s.Spec.Kind == SpecInterval {
		sched = withStartupSpread(sched, s.Spec.Every, time.Now(), s.Spec.String())
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(func() { fire(ctx) }))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// startupSpreadSchedule overrides the first run time of a base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withStartupSpread(base cron.Schedule, every time.Duration, now time.Time, tag string) cron.Schedule {
	spread := every
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}
}

// Visibility holds the last visibility reported by the web surface. It
// outlives VisibilitySource runs, so a restarted source resumes ticking when
// the page is still visible.
type Visibility struct{ visible atomic.Bool }

func (v *Visibility) Set(visible bool) {
	if v != nil {
		v.visible.Store(visible)
	}
}

func (v *Visibility) Visible() bool { return v != nil && v.visible.Load() }

// Track records visibility changes from events until ctx is done or events
// is closed.
func (v *Visibility) Track(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if vc, ok := ev.Data.(eventbus.VisibilityChange); ok {
				v.Set(vc.Visible)
			}
		}
	}
}

// Waiter is implemented by sources that can be idle on purpose. A waiting
// source produces no ticks and so no heartbeats.
type Waiter interface {
	Waiting() bool
}

// VisibilitySource fires every Every while the web page reports itself
// visible, and immediately on each hidden to visible transition. It starts
// in the state recorded by State, or hidden when State is nil.
type VisibilitySource struct {
	Every time.Duration
	Bus   eventbus.Bus
	State *Visibility
}

func (s VisibilitySource) String() string { return "visibility " + s.Every.String() }

// Waiting reports whether the page is known to be hidden.
func (s VisibilitySource) Waiting() bool { return s.State != nil && !s.State.Visible() }

func (s VisibilitySource) Run(ctx context.Context, fire func(ctx context.Context)) {
	if s.Bus == nil {
		<-ctx.Done()
		return
	}
	every := s.Every
	if every <= 0 {
		every = time.Minute
	}
	events, unsub := s.Bus.Subscribe(8, eventbus.WebVisibility)
	defer unsub()

	var (
		ticker  *time.Ticker
		tickC   <-chan time.Time
		visible bool
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
	}
	defer stopTicker()
	show := func() {
		visible = true
		ticker = time.NewTicker(every)
		tickC = ticker.C
		fire(ctx)
	}
	if s.State.Visible() {
		show()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			vc, ok := ev.Data.(eventbus.VisibilityChange)
			if !ok {
				continue
			}
			s.State.Set(vc.Visible)
			if vc.Visible == visible {
				continue
			}
			if !vc.Visible {
				visible = false
				stopTicker()
				continue
			}
			show()
		case <-tickC:
			fire(ctx)
		}
	}
}

// ManualSource never fires on its own. Used by orchestrators driven only by
// RunOnce or ManualRefresh.
type ManualSource struct{}

func (ManualSource) String() string { return "manual" }

func (ManualSource) Run(ctx context.Context, _ func(ctx context.Context)) { <-ctx.Done() }

