package patterns

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// minuteSpread is the minute standard deviation at which a time-of-day
// cluster is considered fully inconsistent.
const minuteSpread = 30.0

const (
	minutesPerDay = 24 * 60

	// routineWindow is the width in minutes of one time-of-day cluster. The
	// window may open at any minute, so 06:50 and 07:09 share a cluster.
	routineWindow = 60
)

// TimeOfDayDetector finds entities that activate within the same hour of
// the day on many days.
type TimeOfDayDetector struct {
	base
}

// NewTimeOfDayDetector creates a time-of-day detector.
func NewTimeOfDayDetector(t Thresholds) (*TimeOfDayDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	return &TimeOfDayDetector{base: b}, nil
}

// Type implements Detector.
func (d *TimeOfDayDetector) Type() PatternType { return TimeOfDay }

// Detect implements Detector.
func (d *TimeOfDayDetector) Detect(events []Event) ([]Result, error) {
	acts := activations(events)
	results := []Result{}
	if len(acts) == 0 {
		return results, nil
	}
	totalDays := daysInRange(events)

	groups := byEntity(acts)
	for _, entityID := range sortedKeys(groups) {
		found := []Result{}
		for _, c := range routineClusters(groups[entityID], d.thresholds.MinOccurrences) {
			found = append(found, d.clusterResult(entityID, c, totalDays))
		}
		sort.SliceStable(found, func(i, j int) bool {
			if *found[i].Hour != *found[j].Hour {
				return *found[i].Hour < *found[j].Hour
			}
			return *found[i].Minute < *found[j].Minute
		})
		results = append(results, found...)
	}
	return results, nil
}

func (d *TimeOfDayDetector) clusterResult(entityID string, c routineCluster, totalDays int) Result {
	offsets := make([]float64, len(c.events))
	days := make(map[string]struct{})
	for i, e := range c.events {
		offsets[i] = float64((minuteOfDay(e.Timestamp) - c.start + minutesPerDay) % minutesPerDay)
		days[dayKey(e.Timestamp)] = struct{}{}
	}
	meanMinute := math.Mod(float64(c.start)+mean(offsets), minutesPerDay)
	hour := int(meanMinute) / 60
	avgMinute := meanMinute - float64(hour*60)
	minute := int(avgMinute + 0.5)
	if minute > 59 {
		minute = 59
	}

	occurrences := len(c.events)
	spread := stdDev(offsets)
	consistency := clamp01(1 - spread/minuteSpread)
	activeDays := len(days)

	r := newResult(TimeOfDay, CalculateConfidence(activeDays, totalDays, consistency), occurrences)
	r.EntityID = entityID
	r.Hour = intPtr(hour)
	r.Minute = intPtr(minute)
	r.AvgValue = floatPtr(round(avgMinute, 2))
	r.StdDev = floatPtr(round(spread, 2))
	r.Description = fmt.Sprintf("%s activates around %02d:%02d on %d of %d days", entityID, hour, minute, activeDays, totalDays)
	r.Metadata["active_days"] = Int(int64(activeDays))
	r.Metadata["total_days"] = Int(int64(totalDays))
	r.Metadata["consistency"] = Float(round(consistency, 4))
	return r
}

type routineCluster struct {
	start  int // minute of day the window opens at
	events []Event
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// routineClusters repeatedly takes the routineWindow-wide span of the clock
// holding the most activations, wrapping past midnight, until no span holds
// minCount of the remaining ones. Ties go to the earliest opening minute.
func routineClusters(acts []Event, minCount int) []routineCluster {
	remaining := make([]Event, len(acts))
	copy(remaining, acts)
	sort.SliceStable(remaining, func(i, j int) bool {
		return minuteOfDay(remaining[i].Timestamp) < minuteOfDay(remaining[j].Timestamp)
	})

	var clusters []routineCluster
	for len(remaining) > 0 && len(remaining) >= minCount {
		n := len(remaining)
		// offset is the distance from remaining[i] forward to the j-th
		// element of the list laid out twice round the clock.
		offset := func(i, j int) int {
			m := minuteOfDay(remaining[j%n].Timestamp)
			if j >= n {
				m += minutesPerDay
			}
			return m - minuteOfDay(remaining[i].Timestamp)
		}

		best, bestCount := 0, 0
		j := 0
		for i := 0; i < n; i++ {
			if j < i {
				j = i
			}
			for j < i+n && offset(i, j) < routineWindow {
				j++
			}
			if j-i > bestCount {
				best, bestCount = i, j-i
			}
		}
		if bestCount < minCount {
			break
		}

		taken := make(map[int]bool, bestCount)
		c := routineCluster{start: minuteOfDay(remaining[best].Timestamp)}
		for k := best; k < best+bestCount; k++ {
			taken[k%n] = true
			c.events = append(c.events, remaining[k%n])
		}
		clusters = append(clusters, c)

		rest := remaining[:0:0]
		for k, e := range remaining {
			if !taken[k] {
				rest = append(rest, e)
			}
		}
		remaining = rest
	}
	return clusters
}
