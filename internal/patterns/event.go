package patterns

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Event is a single entity state change.
type Event struct {
	EntityID    string            `json:"entity_id"`
	Timestamp   time.Time         `json:"timestamp"`
	State       string            `json:"state"`
	Area        string            `json:"area,omitempty"`
	DeviceClass string            `json:"device_class,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Zoned layouts are tried before naive ones. Naive timestamps are read in
// the local zone, the same zone history timestamps are converted to.
var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	naiveLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	}
)

// UnmarshalJSON decodes an event whose timestamp is RFC 3339 or naive.
// A missing or empty timestamp leaves Timestamp zero.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	aux := struct {
		*plain
		Timestamp *string `json:"timestamp"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Timestamp = time.Time{}
	if aux.Timestamp == nil || *aux.Timestamp == "" {
		return nil
	}
	ts, err := ParseTimestamp(*aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

// ParseTimestamp parses an RFC 3339 timestamp, or a naive
// "2006-01-02T15:04:05" / "2006-01-02 15:04:05" one in the local zone.
// Fractional seconds are optional.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

var inactiveStates = map[string]bool{
	"off":         true,
	"closed":      true,
	"not_home":    true,
	"away":        true,
	"idle":        true,
	"paused":      true,
	"standby":     true,
	"locked":      true,
	"clear":       true,
	"unavailable": true,
	"unknown":     true,
	"":            true,
}

// IsActivation reports whether the event moves the entity into an active
// state. Anything that is not a known inactive or missing state counts.
func (e Event) IsActivation() bool {
	return !inactiveStates[strings.ToLower(strings.TrimSpace(e.State))]
}

// Context returns the value of the named context dimension. "area" and
// "device_class" map to the dedicated fields, anything else is an attribute.
func (e Event) Context(dimension string) string {
	switch dimension {
	case "area":
		return e.Area
	case "device_class":
		return e.DeviceClass
	default:
		return e.Attributes[dimension]
	}
}

// sortedByTime returns a time-ordered copy. Ties keep entity order so the
// result is deterministic for unordered input.
func sortedByTime(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// activations returns the time-ordered activation events.
func activations(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.EntityID != "" && e.IsActivation() {
			out = append(out, e)
		}
	}
	return sortedByTime(out)
}

// byEntity groups time-ordered events by entity id.
func byEntity(events []Event) map[string][]Event {
	groups := make(map[string][]Event)
	for _, e := range events {
		groups[e.EntityID] = append(groups[e.EntityID], e)
	}
	return groups
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// daysInRange counts calendar days spanned by the events, inclusive.
func daysInRange(events []Event) int {
	if len(events) == 0 {
		return 0
	}
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	start := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, first.Location())
	end := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, first.Location())
	return int(math.Round(end.Sub(start).Hours()/24)) + 1
}

// distinctDays counts the distinct calendar days present in events.
func distinctDays(events []Event) int {
	seen := make(map[string]struct{})
	for _, e := range events {
		seen[dayKey(e.Timestamp)] = struct{}{}
	}
	return len(seen)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the population standard deviation.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

// coefficientOfVariation returns stddev/mean, or +Inf when the mean is zero.
func coefficientOfVariation(xs []float64) float64 {
	m := mean(xs)
	if m == 0 {
		return math.Inf(1)
	}
	return stdDev(xs) / math.Abs(m)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// consistencyFromSpread maps the coefficient of variation of xs to [0, 1]:
// identical values score 1, a spread as large as the mean scores 0.
func consistencyFromSpread(xs []float64) float64 {
	if len(xs) < 2 {
		return 1
	}
	m := mean(xs)
	sd := stdDev(xs)
	if m == 0 {
		if sd == 0 {
			return 1
		}
		return 0
	}
	return clamp01(1 - sd/math.Abs(m))
}
