package patterns

import (
	"fmt"
	"math"
	"strings"
)

// DefaultDurationMaxCV is the largest coefficient of variation of on-time
// durations that still counts as a pattern.
const DefaultDurationMaxCV = 0.5

// DurationDetector measures how long entities stay active between an
// activation and the next deactivation, and reports entities whose on-time
// is tightly clustered.
type DurationDetector struct {
	base
	maxCV float64
}

// NewDurationDetector creates a duration detector. A zero maxCV selects
// DefaultDurationMaxCV.
func NewDurationDetector(t Thresholds, maxCV float64) (*DurationDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if maxCV == 0 {
		maxCV = DefaultDurationMaxCV
	}
	if maxCV < 0 || math.IsNaN(maxCV) {
		return nil, fmt.Errorf("%w: duration max coefficient of variation must be positive, got %v", ErrInvalidConfig, maxCV)
	}
	return &DurationDetector{base: b, maxCV: maxCV}, nil
}

// Type implements Detector.
func (d *DurationDetector) Type() PatternType { return Duration }

// isDeactivation reports whether the event ends an active period.
// Unavailable and unknown states do not close a period.
func isDeactivation(e Event) bool {
	switch strings.ToLower(strings.TrimSpace(e.State)) {
	case "unavailable", "unknown", "":
		return false
	}
	return !e.IsActivation()
}

// Detect implements Detector.
func (d *DurationDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	groups := byEntity(sortedByTime(events))

	for _, entityID := range sortedKeys(groups) {
		if entityID == "" {
			continue
		}
		durations, starts := onDurations(groups[entityID])
		if len(durations) < d.thresholds.MinOccurrences {
			continue
		}
		cv := coefficientOfVariation(durations)
		if cv > d.maxCV {
			continue
		}
		avg := mean(durations)
		spread := stdDev(durations)
		consistency := clamp01(1 - cv)

		r := newResult(Duration, CalculateConfidence(len(durations), starts, consistency), len(durations))
		r.EntityID = entityID
		r.AvgValue = floatPtr(round(avg, 2))
		r.StdDev = floatPtr(round(spread, 2))
		first := groups[entityID][0]
		r.Area = first.Area
		r.DeviceClass = first.DeviceClass
		r.Description = fmt.Sprintf("%s typically stays on for %.0f minutes (±%.0f)", entityID, avg, spread)
		r.Metadata["min_minutes"] = Float(round(minOf(durations), 2))
		r.Metadata["max_minutes"] = Float(round(maxOf(durations), 2))
		r.Metadata["coefficient_of_variation"] = Float(round(cv, 4))
		r.Metadata["activations"] = Int(int64(starts))
		results = append(results, r)
	}
	return results, nil
}

// onDurations pairs each activation with the next deactivation of the same
// entity and returns the on-times in minutes plus the number of periods that
// were started. Repeated activations while already on extend the period.
func onDurations(events []Event) ([]float64, int) {
	var durations []float64
	starts := 0
	var open *Event
	for i := range events {
		e := events[i]
		switch {
		case e.IsActivation():
			if open == nil {
				open = &events[i]
				starts++
			}
		case isDeactivation(e):
			if open != nil {
				minutes := e.Timestamp.Sub(open.Timestamp).Minutes()
				if minutes > 0 {
					durations = append(durations, minutes)
				}
				open = nil
			}
		}
	}
	return durations, starts
}

func minOf(xs []float64) float64 {
	m := math.Inf(1)
	for _, x := range xs {
		m = math.Min(m, x)
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}
