package alert

import (
	"strings"
	"time"
)

// EventType is an NWS event name, e.g. "Tornado Warning".
type EventType string

const (
	TornadoWarning            EventType = "Tornado Warning"
	TornadoWatch              EventType = "Tornado Watch"
	SevereThunderstormWarning EventType = "Severe Thunderstorm Warning"
	SevereThunderstormWatch   EventType = "Severe Thunderstorm Watch"
	FlashFloodWarning         EventType = "Flash Flood Warning"
	FloodWarning              EventType = "Flood Warning"
	SpecialWeatherStatement   EventType = "Special Weather Statement"
)

// supported lists the event types this system notifies on, most severe first.
var supported = []EventType{
	TornadoWarning,
	SevereThunderstormWarning,
	FlashFloodWarning,
	TornadoWatch,
	SevereThunderstormWatch,
	FloodWarning,
	SpecialWeatherStatement,
}

// SupportedEvents returns a copy of the supported event enumeration.
func SupportedEvents() []EventType {
	return append([]EventType(nil), supported...)
}

// IsSupported reports whether s names a supported event type.
func IsSupported(s string) bool {
	_, ok := ParseEvent(s)
	return ok
}

// ParseEvent maps a raw event string to a supported EventType.
// Matching is exact after trimming surrounding whitespace.
func ParseEvent(s string) (EventType, bool) {
	s = strings.TrimSpace(s)
	for _, ev := range supported {
		if string(ev) == s {
			return ev, true
		}
	}
	return "", false
}

const GeometryPolygon = "Polygon"

// Record is one alert feature as received from the feed. It is never mutated
// after decoding.
type Record struct {
	ID          string
	Event       string
	Headline    string
	Description string
	Instruction string
	AreaDesc    string

	Severity  string
	Urgency   string
	Certainty string

	Sent      time.Time
	Effective time.Time
	Expires   time.Time

	// GeometryType is the GeoJSON geometry "type" of the feature, empty when
	// the feature had no geometry. Coordinates are not retained.
	GeometryType string
}

// HasPolygon reports whether the record carries polygon geometry.
func (r Record) HasPolygon() bool {
	return strings.EqualFold(strings.TrimSpace(r.GeometryType), GeometryPolygon)
}

// Title is the notification title for the record.
func (r Record) Title() string {
	ev := strings.TrimSpace(r.Event)
	if ev == "" {
		ev = "Weather Alert"
	}
	if area := strings.TrimSpace(r.AreaDesc); area != "" {
		return ev + " - " + truncate(area, 80)
	}
	return ev
}

// Body is the notification body: headline when present, else the description.
func (r Record) Body() string {
	if h := strings.TrimSpace(r.Headline); h != "" {
		return truncate(h, 240)
	}
	return truncate(strings.TrimSpace(r.Description), 240)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	if n < 4 {
		return string(rs[:n])
	}
	return string(rs[:n-3]) + "..."
}
