package patterns

import (
	"time"

	"github.com/google/go-cmp/cmp"
)

// base date is a Monday.
var day0 = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

// at returns day0 shifted by days plus the given wall-clock time.
func at(days, hour, minute int) time.Time {
	return day0.AddDate(0, 0, days).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func on(entityID string, ts time.Time) Event {
	return Event{EntityID: entityID, Timestamp: ts, State: "on"}
}

func off(entityID string, ts time.Time) Event {
	return Event{EntityID: entityID, Timestamp: ts, State: "off"}
}

// lenient accepts every result a detector produces.
var lenient = Thresholds{MinOccurrences: 1, MinConfidence: 0}

// valueCmp compares metadata values by payload.
var valueCmp = cmp.Comparer(func(a, b Value) bool { return a.Equal(b) })

func findEntity(rs []Result, entityID string) (Result, bool) {
	for _, r := range rs {
		if r.EntityID == entityID {
			return r, true
		}
	}
	return Result{}, false
}
