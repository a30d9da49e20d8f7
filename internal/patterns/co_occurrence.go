package patterns

import (
	"fmt"
	"sort"
	"time"
)

// DefaultCoOccurrenceWindow is how soon after A an activation of B must
// happen to count as co-occurring.
const DefaultCoOccurrenceWindow = 5 * time.Minute

// CoOccurrenceDetector finds ordered entity pairs where B regularly fires
// shortly after A.
type CoOccurrenceDetector struct {
	base
	window time.Duration
}

// NewCoOccurrenceDetector creates a co-occurrence detector. A zero window
// selects DefaultCoOccurrenceWindow.
func NewCoOccurrenceDetector(t Thresholds, window time.Duration) (*CoOccurrenceDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if window == 0 {
		window = DefaultCoOccurrenceWindow
	}
	if window < 0 {
		return nil, fmt.Errorf("%w: co-occurrence window must be positive, got %s", ErrInvalidConfig, window)
	}
	return &CoOccurrenceDetector{base: b, window: window}, nil
}

// Type implements Detector.
func (d *CoOccurrenceDetector) Type() PatternType { return CoOccurrence }

// Window returns the matching window.
func (d *CoOccurrenceDetector) Window() time.Duration { return d.window }

// Detect implements Detector.
func (d *CoOccurrenceDetector) Detect(events []Event) ([]Result, error) {
	groups := byEntity(activations(events))
	results := []Result{}
	if len(groups) < 2 {
		return results, nil
	}
	ids := sortedKeys(groups)
	windowSec := d.window.Seconds()

	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			gaps := followGaps(groups[a], groups[b], d.window)
			if len(gaps) < d.thresholds.MinOccurrences {
				continue
			}
			avg := mean(gaps)
			spread := stdDev(gaps)
			consistency := clamp01(1 - spread/windowSec)
			total := len(groups[a])

			r := newResult(CoOccurrence, CalculateConfidence(len(gaps), total, consistency), len(gaps))
			r.Entities = []string{a, b}
			r.AvgValue = floatPtr(round(avg, 2))
			r.StdDev = floatPtr(round(spread, 2))
			r.Description = fmt.Sprintf("%s is followed by %s within %s (%d of %d times, avg %.0fs)",
				a, b, d.window, len(gaps), total, avg)
			r.Metadata["window_seconds"] = Float(windowSec)
			r.Metadata["opportunities"] = Int(int64(total))
			if area := sharedArea(groups[a], groups[b]); area != "" {
				r.Area = area
			}
			results = append(results, r)
		}
	}
	return results, nil
}

// followGaps returns, for each event in leaders, the gap in seconds to the
// first follower strictly after it and within window. Both slices must be
// time-ordered.
func followGaps(leaders, followers []Event, window time.Duration) []float64 {
	var gaps []float64
	for _, l := range leaders {
		i := sort.Search(len(followers), func(i int) bool {
			return followers[i].Timestamp.After(l.Timestamp)
		})
		if i == len(followers) {
			continue
		}
		gap := followers[i].Timestamp.Sub(l.Timestamp)
		if gap <= window {
			gaps = append(gaps, gap.Seconds())
		}
	}
	return gaps
}

// sharedArea returns the area both groups report, if they agree.
func sharedArea(a, b []Event) string {
	if len(a) == 0 || len(b) == 0 {
		return ""
	}
	if a[0].Area != "" && a[0].Area == b[0].Area {
		return a[0].Area
	}
	return ""
}
