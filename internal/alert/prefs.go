package alert

import (
	"math"
	"sort"
)

// EventSet is a set of event types.
type EventSet map[EventType]struct{}

// NewEventSet builds a set from raw event names. Unknown names are kept so a
// stored preference survives an enumeration change; Classify ignores them.
func NewEventSet(events ...string) EventSet {
	s := make(EventSet, len(events))
	for _, ev := range events {
		if ev == "" {
			continue
		}
		if known, ok := ParseEvent(ev); ok {
			s[known] = struct{}{}
			continue
		}
		s[EventType(ev)] = struct{}{}
	}
	return s
}

func (s EventSet) Has(ev EventType) bool {
	if s == nil {
		return false
	}
	_, ok := s[ev]
	return ok
}

// Slice returns the set members in enumeration order, unknown names last and sorted.
func (s EventSet) Slice() []string {
	out := make([]string, 0, len(s))
	for _, ev := range supported {
		if s.Has(ev) {
			out = append(out, string(ev))
		}
	}
	var extra []string
	for ev := range s {
		if !IsSupported(string(ev)) {
			extra = append(extra, string(ev))
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Preferences is the user's alert configuration. It is read-only to the
// dedup pipeline; only explicit settings actions change it.
type Preferences struct {
	EnabledEvents        EventSet
	AlarmEvents          EventSet
	NotificationsEnabled bool
	SoundEnabled         bool
	SoundVolume          float64
}

const DefaultSoundVolume = 0.8

// DefaultPreferences enables every supported event for notification and only
// the tornado-class event for alarm.
func DefaultPreferences() Preferences {
	enabled := make(EventSet, len(supported))
	for _, ev := range supported {
		enabled[ev] = struct{}{}
	}
	return Preferences{
		EnabledEvents:        enabled,
		AlarmEvents:          EventSet{TornadoWarning: {}},
		NotificationsEnabled: true,
		SoundEnabled:         true,
		SoundVolume:          DefaultSoundVolume,
	}
}

// ClampVolume bounds v to [0,1]; NaN maps to the default volume.
func ClampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultSoundVolume
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
