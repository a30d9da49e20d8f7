package patterns

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultDayTypeDominance is the share of an entity's activations a day
// bucket must hold to be reported.
const DefaultDayTypeDominance = 0.8

// Day buckets reported in Result.DayOfWeek.
const (
	DayWeekend = "weekend"
	DayWeekday = "weekday"
)

// DayTypeDetector reports entities whose activity concentrates on weekends,
// on weekdays, or on one specific day of the week.
type DayTypeDetector struct {
	base
	dominance float64
}

// NewDayTypeDetector creates a day-type detector. A zero dominance selects
// DefaultDayTypeDominance.
func NewDayTypeDetector(t Thresholds, dominance float64) (*DayTypeDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if dominance == 0 {
		dominance = DefaultDayTypeDominance
	}
	if math.IsNaN(dominance) || dominance <= 0.5 || dominance > 1 {
		return nil, fmt.Errorf("%w: day-type dominance must be within (0.5, 1], got %v", ErrInvalidConfig, dominance)
	}
	return &DayTypeDetector{base: b, dominance: dominance}, nil
}

// Type implements Detector.
func (d *DayTypeDetector) Type() PatternType { return DayType }

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// calendarDays counts the days in the event range that satisfy match.
func calendarDays(events []Event, match func(time.Time) bool) int {
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
	day := time.Date(first.Year(), first.Month(), first.Day(), 12, 0, 0, 0, first.Location())
	end := time.Date(last.Year(), last.Month(), last.Day(), 12, 0, 0, 0, first.Location())
	n := 0
	for !day.After(end) {
		if match(day) {
			n++
		}
		day = day.AddDate(0, 0, 1)
	}
	return n
}

type dayBucket struct {
	label string
	match func(time.Time) bool
}

// Detect implements Detector.
func (d *DayTypeDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	groups := byEntity(activations(events))
	if len(groups) == 0 {
		return results, nil
	}

	for _, entityID := range sortedKeys(groups) {
		acts := groups[entityID]
		bucket, ok := d.dominantBucket(acts)
		if !ok {
			continue
		}

		var inBucket []Event
		for _, e := range acts {
			if bucket.match(e.Timestamp) {
				inBucket = append(inBucket, e)
			}
		}
		occurrences := len(inBucket)
		if occurrences < d.thresholds.MinOccurrences {
			continue
		}
		share := float64(occurrences) / float64(len(acts))
		activeDays := distinctDays(inBucket)
		possibleDays := calendarDays(events, bucket.match)

		r := newResult(DayType, CalculateConfidence(activeDays, possibleDays, share), occurrences)
		r.EntityID = entityID
		r.DayOfWeek = bucket.label
		r.Description = fmt.Sprintf("%s is active mainly on %s (%.0f%% of activations)", entityID, bucket.label, share*100)
		r.Metadata["share"] = Float(round(share, 4))
		r.Metadata["active_days"] = Int(int64(activeDays))
		r.Metadata["possible_days"] = Int(int64(possibleDays))
		results = append(results, r)
	}
	return results, nil
}

// dominantBucket picks the most specific bucket that holds at least the
// dominance share of activations: a single weekday first, then weekend or
// weekday.
func (d *DayTypeDetector) dominantBucket(acts []Event) (dayBucket, bool) {
	var perDay [7]int
	weekend := 0
	for _, e := range acts {
		perDay[e.Timestamp.Weekday()]++
		if isWeekend(e.Timestamp) {
			weekend++
		}
	}
	total := float64(len(acts))

	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if float64(perDay[wd])/total >= d.dominance {
			day := wd
			return dayBucket{
				label: strings.ToLower(day.String()),
				match: func(t time.Time) bool { return t.Weekday() == day },
			}, true
		}
	}
	if float64(weekend)/total >= d.dominance {
		return dayBucket{label: DayWeekend, match: isWeekend}, true
	}
	if float64(len(acts)-weekend)/total >= d.dominance {
		return dayBucket{label: DayWeekday, match: func(t time.Time) bool { return !isWeekend(t) }}, true
	}
	return dayBucket{}, false
}
