package patterns

import (
	"fmt"
	"math"
	"time"
)

// DefaultFrequencyMaxCV is the largest coefficient of variation of
// inter-activation gaps that still counts as regular.
const DefaultFrequencyMaxCV = 0.5

// Frequency classifications stored in metadata["frequency_type"].
const (
	FrequencyHourly = "hourly"
	FrequencyDaily  = "daily"
	FrequencyWeekly = "weekly"
)

// Gap limits for each frequency bucket.
const (
	hourlyGapLimit = 2 * time.Hour
	dailyGapLimit  = 48 * time.Hour
	weeklyGapLimit = 14 * 24 * time.Hour
)

// regularGapTolerance is how far a gap may stray from the median gap and
// still count as a regular occurrence.
const regularGapTolerance = 0.5

// ClassifyGap maps a typical gap to a frequency bucket. It returns "" for
// gaps longer than the weekly limit.
func ClassifyGap(gap time.Duration) string {
	switch {
	case gap <= 0:
		return ""
	case gap <= hourlyGapLimit:
		return FrequencyHourly
	case gap <= dailyGapLimit:
		return FrequencyDaily
	case gap <= weeklyGapLimit:
		return FrequencyWeekly
	default:
		return ""
	}
}

// FrequencyDetector reports entities that activate at a regular rhythm.
type FrequencyDetector struct {
	base
	maxCV float64
}

// NewFrequencyDetector creates a frequency detector. A zero maxCV selects
// DefaultFrequencyMaxCV.
func NewFrequencyDetector(t Thresholds, maxCV float64) (*FrequencyDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if maxCV == 0 {
		maxCV = DefaultFrequencyMaxCV
	}
	if maxCV < 0 || math.IsNaN(maxCV) {
		return nil, fmt.Errorf("%w: frequency max coefficient of variation must be positive, got %v", ErrInvalidConfig, maxCV)
	}
	return &FrequencyDetector{base: b, maxCV: maxCV}, nil
}

// Type implements Detector.
func (d *FrequencyDetector) Type() PatternType { return Frequency }

// Detect implements Detector.
func (d *FrequencyDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	groups := byEntity(activations(events))

	for _, entityID := range sortedKeys(groups) {
		acts := groups[entityID]
		gaps := make([]float64, 0, len(acts))
		for i := 1; i < len(acts); i++ {
			if g := acts[i].Timestamp.Sub(acts[i-1].Timestamp).Seconds(); g > 0 {
				gaps = append(gaps, g)
			}
		}
		if len(gaps) < d.thresholds.MinOccurrences {
			continue
		}

		typical := median(gaps)
		kind := ClassifyGap(time.Duration(typical * float64(time.Second)))
		if kind == "" {
			continue
		}
		cv := coefficientOfVariation(gaps)
		if cv > d.maxCV {
			continue
		}

		regular := 0
		for _, g := range gaps {
			if math.Abs(g-typical) <= regularGapTolerance*typical {
				regular++
			}
		}
		span := acts[len(acts)-1].Timestamp.Sub(acts[0].Timestamp).Seconds()
		expected := max(int(math.Round(span/typical)), 1)

		r := newResult(Frequency, CalculateConfidence(regular, expected, clamp01(1-cv)), len(gaps))
		r.EntityID = entityID
		r.AvgValue = floatPtr(round(mean(gaps), 2))
		r.StdDev = floatPtr(round(stdDev(gaps), 2))
		r.Description = fmt.Sprintf("%s activates %s (typical gap %s)", entityID, kind,
			time.Duration(typical*float64(time.Second)).Round(time.Second))
		r.Metadata["frequency_type"] = String(kind)
		r.Metadata["median_gap_seconds"] = Float(round(typical, 2))
		r.Metadata["regular_gaps"] = Int(int64(regular))
		r.Metadata["expected_gaps"] = Int(int64(expected))
		r.Metadata["coefficient_of_variation"] = Float(round(cv, 4))
		results = append(results, r)
	}
	return results, nil
}
