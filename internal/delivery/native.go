package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wxalert/internal/alert"
	"wxalert/internal/audio"
	"wxalert/internal/dedup"
	"wxalert/internal/transport"
	"wxalert/pkg/tgui"
)

const (
	Channel = "alerts"

	PriorityAlarm  = 9
	PriorityNormal = 7
)

// Notifier is the push pipeline used by Native.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Native pushes through the notifier to every configured chat and sounds the
// local alarm for alarm items.
type Native struct {
	notifier Notifier
	targets  []transport.ChatTarget
	alarm    *audio.Alarm
}

func NewNative(n Notifier, targets []transport.ChatTarget, alarm *audio.Alarm) *Native {
	return &Native{notifier: n, targets: append([]transport.ChatTarget(nil), targets...), alarm: alarm}
}

func (d *Native) Deliver(ctx context.Context, item dedup.Item, p alert.Preferences) error {
	if vol, ok := alarmVolume(item, p); ok && d.alarm != nil {
		d.alarm.Sound(vol)
	}
	if d.notifier == nil || len(d.targets) == 0 {
		return nil
	}

	prio := PriorityNormal
	if item.ShouldAlarm {
		prio = PriorityAlarm
	}
	msg := FormatMessage(item)

	var errs []error
	for _, t := range d.targets {
		err := d.notifier.Notify(ctx, transport.Notification{
			Channel:  Channel,
			Priority: prio,
			Target:   t,
			Tag:      item.Tag,
			Text:     msg.Text,
			Options: &transport.SendOptions{
				ParseMode:      msg.Opt.ParseMode,
				DisablePreview: msg.Opt.DisablePreview,
				Silent:         !p.SoundEnabled,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", t.ChatID, err))
		}
	}
	return errors.Join(errs...)
}

// FormatMessage renders an item as Telegram HTML.
func FormatMessage(item dedup.Item) tgui.Message {
	b := tgui.New().Title(item.Title)
	if body := strings.TrimSpace(item.Body); body != "" && body != item.Title {
		b.Line(body)
	}
	if !item.Expires.IsZero() {
		b.KV("Expires", item.Expires.Local().Format("Mon 15:04 MST"))
	}
	return b.Build()
}
