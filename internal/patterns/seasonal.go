package patterns

import (
	"fmt"
	"math"
	"time"
)

// DefaultSeasonalDominance is the share of an entity's normalized activity
// a single season must hold to be reported.
const DefaultSeasonalDominance = 0.6

// Season names reported in Result.Season.
const (
	SeasonWinter = "winter"
	SeasonSpring = "spring"
	SeasonSummer = "summer"
	SeasonAutumn = "autumn"
)

var seasonOrder = []string{SeasonWinter, SeasonSpring, SeasonSummer, SeasonAutumn}

// SeasonOf maps a month to its meteorological season (northern hemisphere).
func SeasonOf(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return SeasonWinter
	case time.March, time.April, time.May:
		return SeasonSpring
	case time.June, time.July, time.August:
		return SeasonSummer
	default:
		return SeasonAutumn
	}
}

// SeasonalDetector reports entities whose activity concentrates in one
// season. Activity is normalized per day of each season covered by the data
// so that uneven coverage does not fake a seasonal pattern.
type SeasonalDetector struct {
	base
	dominance float64
}

// NewSeasonalDetector creates a seasonal detector. A zero dominance selects
// DefaultSeasonalDominance.
func NewSeasonalDetector(t Thresholds, dominance float64) (*SeasonalDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if dominance == 0 {
		dominance = DefaultSeasonalDominance
	}
	if math.IsNaN(dominance) || dominance <= 0.25 || dominance > 1 {
		return nil, fmt.Errorf("%w: seasonal dominance must be within (0.25, 1], got %v", ErrInvalidConfig, dominance)
	}
	return &SeasonalDetector{base: b, dominance: dominance}, nil
}

// Type implements Detector.
func (d *SeasonalDetector) Type() PatternType { return Seasonal }

// Detect implements Detector.
func (d *SeasonalDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	groups := byEntity(activations(events))
	if len(groups) == 0 {
		return results, nil
	}

	coverage := make(map[string]int, len(seasonOrder))
	for _, s := range seasonOrder {
		season := s
		coverage[s] = calendarDays(events, func(t time.Time) bool { return SeasonOf(t) == season })
	}
	covered := 0
	for _, days := range coverage {
		if days > 0 {
			covered++
		}
	}
	// A single covered season makes every entity look seasonal.
	if covered < 2 {
		return results, nil
	}

	for _, entityID := range sortedKeys(groups) {
		perSeason := make(map[string][]Event)
		for _, e := range groups[entityID] {
			s := SeasonOf(e.Timestamp)
			perSeason[s] = append(perSeason[s], e)
		}

		rates := make(map[string]float64, len(seasonOrder))
		var rateSum float64
		for _, s := range seasonOrder {
			if coverage[s] == 0 {
				continue
			}
			rates[s] = float64(len(perSeason[s])) / float64(coverage[s])
			rateSum += rates[s]
		}
		if rateSum == 0 {
			continue
		}

		for _, s := range seasonOrder {
			share := rates[s] / rateSum
			occurrences := len(perSeason[s])
			if share < d.dominance || occurrences < d.thresholds.MinOccurrences {
				continue
			}
			activeDays := distinctDays(perSeason[s])

			r := newResult(Seasonal, CalculateConfidence(activeDays, coverage[s], share), occurrences)
			r.EntityID = entityID
			r.Season = s
			r.AvgValue = floatPtr(round(rates[s], 4))
			r.Description = fmt.Sprintf("%s is mostly active in %s (%.0f%% of normalized activity)", entityID, s, share*100)
			r.Metadata["season_share"] = Float(round(share, 4))
			r.Metadata["active_days"] = Int(int64(activeDays))
			r.Metadata["season_days"] = Int(int64(coverage[s]))
			results = append(results, r)
		}
	}
	return results, nil
}
