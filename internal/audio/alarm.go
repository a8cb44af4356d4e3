// Package audio drives the audible alarm for alarm-eligible alerts.
package audio

import (
	"context"
	"sync"
	"time"

	logx "wxalert/pkg/logx"
)

// MaxDuration is the hard ceiling for one alarm.
const MaxDuration = 30 * time.Second

// Player is the platform audio primitive. Play must return once playback has
// started; ctx is canceled to stop it.
type Player interface {
	Play(ctx context.Context, volume float64) (done <-chan struct{}, err error)
}

// Alarm plays at most one sound at a time and stops it after a hard ceiling.
// Sound while playing and Stop while idle are no-ops.
type Alarm struct {
	player Player
	max    time.Duration
	log    logx.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	playing bool
	ended   chan struct{} // closed when the current playback ends
	gen     uint64
}

type AlarmOption func(*Alarm)

// WithMaxDuration shortens the ceiling. Values outside (0, MaxDuration] are
// ignored.
func WithMaxDuration(d time.Duration) AlarmOption {
	return func(a *Alarm) {
		if d > 0 && d <= MaxDuration {
			a.max = d
		}
	}
}

// Max returns the effective ceiling.
func (a *Alarm) Max() time.Duration { return a.max }

func NewAlarm(p Player, log logx.Logger, opts ...AlarmOption) *Alarm {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alarm{player: p, max: MaxDuration, log: log}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Playing reports whether an alarm is sounding.
func (a *Alarm) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing
}

// Sound starts the alarm at volume in [0,1]. It returns false when an alarm
// is already playing or the player failed to start.
func (a *Alarm) Sound(volume float64) bool {
	if a == nil || a.player == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.playing {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.max)
	done, err := a.player.Play(ctx, volume)
	if err != nil {
		cancel()
		a.log.Warn("alarm playback failed", logx.Err(err))
		return false
	}
	a.gen++
	gen := a.gen
	ended := make(chan struct{})
	a.playing = true
	a.cancel = cancel
	a.ended = ended

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			// Ceiling reached or Stop called; wait for the player to wind down.
			<-done
		}
		cancel()
		a.mu.Lock()
		if a.gen == gen {
			a.playing = false
			a.cancel = nil
			a.ended = nil
		}
		a.mu.Unlock()
		close(ended)
	}()
	a.log.Info("alarm sounding", logx.Float64("volume", volume), logx.Duration("max", a.max))
	return true
}

// Stop ends the current alarm.
func (a *Alarm) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.playing || a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
}

// Wait blocks until the current alarm ends or ctx is done. It returns at once
// when idle.
func (a *Alarm) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	ended := a.ended
	a.mu.Unlock()
	if ended == nil {
		return nil
	}
	select {
	case <-ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
