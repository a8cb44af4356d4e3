// Package delivery turns planned dedup items into user-visible side effects.
//
// Delivery happens after history was written: a failed delivery is logged
// and counted, never retried by the dedup layer and never rolled back.
package delivery

import (
	"context"
	"errors"

	"wxalert/internal/alert"
	"wxalert/internal/dedup"
	logx "wxalert/pkg/logx"
)

// Dispatcher delivers one planned item.
type Dispatcher interface {
	Deliver(ctx context.Context, item dedup.Item, p alert.Preferences) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, item dedup.Item, p alert.Preferences) error

func (f DispatcherFunc) Deliver(ctx context.Context, item dedup.Item, p alert.Preferences) error {
	return f(ctx, item, p)
}

// Multi fans out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Deliver(ctx context.Context, item dedup.Item, p alert.Preferences) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Deliver(ctx, item, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Summary counts the outcome of Run.
type Summary struct {
	Delivered int
	Failed    int
}

// Run delivers each item once, in plan order.
func Run(ctx context.Context, d Dispatcher, plan []dedup.Item, p alert.Preferences, log logx.Logger) Summary {
	var sum Summary
	if d == nil {
		return sum
	}
	for _, it := range plan {
		if err := d.Deliver(ctx, it, p); err != nil {
			sum.Failed++
			log.Warn("delivery failed",
				logx.String("alert_id", it.AlertID),
				logx.String("event", it.Event),
				logx.Err(err),
			)
			continue
		}
		sum.Delivered++
		log.Info("alert delivered",
			logx.String("alert_id", it.AlertID),
			logx.String("event", it.Event),
			logx.Bool("alarm", it.ShouldAlarm),
		)
	}
	return sum
}

// alarmVolume returns the volume to sound at, or false when no alarm plays.
func alarmVolume(item dedup.Item, p alert.Preferences) (float64, bool) {
	if !item.ShouldAlarm || !p.SoundEnabled {
		return 0, false
	}
	return alert.ClampVolume(p.SoundVolume), true
}
