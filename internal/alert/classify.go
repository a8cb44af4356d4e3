package alert

// Classification is the classifier verdict for one record.
type Classification struct {
	Included    bool
	ShouldAlarm bool
}

// Classify decides whether rec qualifies for a notification and whether it
// should also sound the alarm.
//
// A record is included when its event is supported, enabled in p and the
// record carries polygon geometry. Alarm eligibility is per event type and
// does not look at p.SoundEnabled; whether a sound actually plays is decided
// at delivery time.
//
// Classify is total: malformed input classifies as not included.
func Classify(rec Record, p Preferences) Classification {
	ev, ok := ParseEvent(rec.Event)
	if !ok {
		return Classification{}
	}
	if !p.EnabledEvents.Has(ev) || !rec.HasPolygon() {
		return Classification{}
	}
	return Classification{
		Included:    true,
		ShouldAlarm: p.AlarmEvents.Has(ev),
	}
}
