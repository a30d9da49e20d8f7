package patterns

import (
	"fmt"
	"math"
	"sort"
)

// DefaultAnomalySensitivity is the number of standard deviations from an
// entity's usual activation hour beyond which an activation is anomalous.
const DefaultAnomalySensitivity = 1.5

// minAnomalySamples is the smallest history an entity needs before its
// activation-hour distribution is trusted.
const minAnomalySamples = 5

// AnomalyDetector flags activations at unusual times of day. Hours are
// measured round the 24h clock, so 23:50 and 00:10 are twenty minutes
// apart. Only clusters
// of anomalous activations that clear the thresholds are reported, so small
// datasets legitimately yield no results.
type AnomalyDetector struct {
	base
	sensitivity float64
}

// NewAnomalyDetector creates an anomaly detector. A zero sensitivity selects
// DefaultAnomalySensitivity.
func NewAnomalyDetector(t Thresholds, sensitivity float64) (*AnomalyDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if sensitivity == 0 {
		sensitivity = DefaultAnomalySensitivity
	}
	if sensitivity < 0 || math.IsNaN(sensitivity) {
		return nil, fmt.Errorf("%w: anomaly sensitivity must be positive, got %v", ErrInvalidConfig, sensitivity)
	}
	return &AnomalyDetector{base: b, sensitivity: sensitivity}, nil
}

// Type implements Detector.
func (d *AnomalyDetector) Type() PatternType { return Anomaly }

// Sensitivity returns the z-score cut-off.
func (d *AnomalyDetector) Sensitivity() float64 { return d.sensitivity }

// Detect implements Detector.
func (d *AnomalyDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	groups := byEntity(activations(events))

	for _, entityID := range sortedKeys(groups) {
		acts := groups[entityID]
		if len(acts) < minAnomalySamples {
			continue
		}
		hours := make([]float64, len(acts))
		for i, e := range acts {
			hours[i] = float64(e.Timestamp.Hour()) + float64(e.Timestamp.Minute())/60
		}
		mu, ok := circularMeanHour(hours)
		if !ok {
			continue
		}
		dists := make([]float64, len(hours))
		var sq float64
		for i, h := range hours {
			dists[i] = hourDistance(h, mu)
			sq += dists[i] * dists[i]
		}
		sigma := math.Sqrt(sq / float64(len(dists)))
		if sigma < 1e-9 {
			continue
		}

		expected := round(mu, 4)
		if expected >= 24 {
			expected -= 24
		}

		clusters := make(map[int][]float64)
		flagged := 0
		for i, dist := range dists {
			z := dist / sigma
			if math.Abs(z) > d.sensitivity {
				clusters[acts[i].Timestamp.Hour()] = append(clusters[acts[i].Timestamp.Hour()], z)
				flagged++
			}
		}
		if flagged == 0 {
			continue
		}

		clusterHours := make([]int, 0, len(clusters))
		for h := range clusters {
			clusterHours = append(clusterHours, h)
		}
		sort.Ints(clusterHours)

		for _, h := range clusterHours {
			zs := clusters[h]
			occurrences := len(zs)
			if occurrences < d.thresholds.MinOccurrences {
				continue
			}
			consistency := clamp01(1 - stdDev(zs)/d.sensitivity)
			avgZ := mean(zs)

			r := newResult(Anomaly, CalculateConfidence(occurrences, flagged, consistency), occurrences)
			r.EntityID = entityID
			r.Hour = intPtr(h)
			r.AvgValue = floatPtr(round(avgZ, 4))
			r.StdDev = floatPtr(round(sigma, 4))
			r.Area = acts[0].Area
			r.Description = fmt.Sprintf("%s activated at an unusual hour (%02d:00, usually around %.1f) %d times",
				entityID, h, expected, occurrences)
			r.Metadata["expected_hour"] = Float(expected)
			r.Metadata["sensitivity"] = Float(d.sensitivity)
			r.Metadata["anomaly_rate"] = Float(round(float64(occurrences)/float64(len(acts)), 4))
			r.Metadata["total_activations"] = Int(int64(len(acts)))
			results = append(results, r)
		}
	}
	return results, nil
}

// circularMeanHour returns the mean of hours on the 24h clock, in [0,24).
// It reports false when the hours cancel out and have no mean direction.
func circularMeanHour(hours []float64) (float64, bool) {
	var sinSum, cosSum float64
	for _, h := range hours {
		theta := 2 * math.Pi * h / 24
		sinSum += math.Sin(theta)
		cosSum += math.Cos(theta)
	}
	if math.Hypot(sinSum, cosSum) < 1e-9*float64(len(hours)) {
		return 0, false
	}
	mu := math.Atan2(sinSum, cosSum) * 24 / (2 * math.Pi)
	if mu < 0 {
		mu += 24
	}
	if mu >= 24 {
		mu -= 24
	}
	return mu, true
}

// hourDistance returns the signed distance from mu to h the short way
// round the clock, in [-12,12).
func hourDistance(h, mu float64) float64 {
	d := math.Mod(h-mu+12, 24)
	if d < 0 {
		d += 24
	}
	return d - 12
}
