package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "wxalert/pkg/logx"
)

// fakePlayer plays until ctx is canceled or finish is called.
type fakePlayer struct {
	mu      sync.Mutex
	plays   int
	volumes []float64
	finish  chan struct{}
	err     error
}

func newFakePlayer() *fakePlayer { return &fakePlayer{finish: make(chan struct{}, 1)} }

func (p *fakePlayer) Play(ctx context.Context, volume float64) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.plays++
	p.volumes = append(p.volumes, volume)
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-p.finish:
		}
	}()
	return done, nil
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func waitIdle(t *testing.T, a *Alarm, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for a.Playing() {
		if time.Now().After(deadline) {
			t.Fatal("alarm still playing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAlarmSoundWhilePlayingIsNoop(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	a := NewAlarm(p, logx.Nop())

	if !a.Sound(0.8) {
		t.Fatal("first Sound should start playback")
	}
	if a.Sound(0.5) {
		t.Fatal("Sound while playing must be a no-op")
	}
	if p.count() != 1 {
		t.Fatalf("plays = %d, want 1", p.count())
	}
	a.Stop()
	waitIdle(t, a, time.Second)
}

func TestAlarmStopsAtCeiling(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	a := NewAlarm(p, logx.Nop(), WithMaxDuration(50*time.Millisecond))

	a.Sound(1)
	waitIdle(t, a, 2*time.Second)
	if !a.Sound(1) {
		t.Fatal("alarm should be playable again after the ceiling")
	}
	a.Stop()
	waitIdle(t, a, time.Second)
}

func TestAlarmStopWhileIdleIsNoop(t *testing.T) {
	t.Parallel()
	a := NewAlarm(newFakePlayer(), logx.Nop())
	a.Stop()
	a.Stop()
	if a.Playing() {
		t.Fatal("idle alarm reports playing")
	}
	var nilAlarm *Alarm
	nilAlarm.Stop()
	if nilAlarm.Sound(1) {
		t.Fatal("nil alarm must not play")
	}
}

func TestAlarmNaturalEnd(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	a := NewAlarm(p, logx.Nop())
	a.Sound(0.3)
	p.finish <- struct{}{}
	waitIdle(t, a, time.Second)
}

func TestAlarmPlayerError(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	p.err = errors.New("no audio device")
	a := NewAlarm(p, logx.Nop())
	if a.Sound(1) || a.Playing() {
		t.Fatal("failed playback must leave the alarm idle")
	}
}

func TestNewCommandPlayerRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewCommandPlayer(nil, logx.Nop()); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewCommandPlayer([]string{" "}, logx.Nop()); err == nil {
		t.Fatal("expected error for blank command")
	}
}

func TestMaxDurationCannotRaiseCeiling(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, MaxDuration},
		{-time.Second, MaxDuration},
		{10 * time.Second, 10 * time.Second},
		{MaxDuration, MaxDuration},
		{10 * time.Minute, MaxDuration},
	}
	for _, tc := range cases {
		a := NewAlarm(nil, logx.Nop(), WithMaxDuration(tc.in))
		if got := a.Max(); got != tc.want {
			t.Errorf("WithMaxDuration(%v): max = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAlarmWait(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	a := NewAlarm(p, logx.Nop())
	if err := a.Wait(context.Background()); err != nil {
		t.Fatalf("Wait while idle: %v", err)
	}

	a.Sound(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait while playing = %v, want deadline", err)
	}

	p.finish <- struct{}{}
	if err := a.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after finish: %v", err)
	}
	if a.Playing() {
		t.Fatal("alarm still playing after Wait")
	}
}
