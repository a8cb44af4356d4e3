package delivery

import (
	"context"
	"errors"

	"wxalert/internal/alert"
	"wxalert/internal/dedup"
	"wxalert/internal/eventbus"
)

// Web publishes items for browser clients. The tag is the alert ID so the
// browser collapses duplicates from overlapping pollers.
type Web struct {
	bus eventbus.Bus
}

func NewWeb(bus eventbus.Bus) *Web { return &Web{bus: bus} }

func (d *Web) Deliver(ctx context.Context, item dedup.Item, p alert.Preferences) error {
	if d.bus == nil {
		return errors.New("web delivery: no event bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n := eventbus.Notification{
		Title: item.Title,
		Body:  item.Body,
		Tag:   item.Tag,
		Event: item.Event,
	}
	if vol, ok := alarmVolume(item, p); ok {
		n.ShouldAlarm = true
		n.Volume = vol
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.WebNotification, Data: n})
	return nil
}
