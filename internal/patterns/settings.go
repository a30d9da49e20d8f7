package patterns

import (
	"fmt"
	"time"
)

// Settings holds the tuning knobs of every detector. Zero values select each
// detector's default.
type Settings struct {
	Thresholds         Thresholds
	Enabled            []PatternType
	CoOccurrenceWindow time.Duration
	Sequence           SequenceConfig
	Contextual         ContextualConfig
	DurationMaxCV      float64
	DayTypeDominance   float64
	RoomWindow         time.Duration
	SeasonalDominance  float64
	AnomalySensitivity float64
	FrequencyMaxCV     float64
}

// DefaultSettings returns settings with every detector enabled and default
// thresholds.
func DefaultSettings() Settings {
	return Settings{
		Thresholds: DefaultThresholds(),
		Sequence:   DefaultSequenceConfig(),
		Contextual: DefaultContextualConfig(),
	}
}

// NewDetector builds the detector for a single pattern type.
func NewDetector(t PatternType, s Settings) (Detector, error) {
	th := s.Thresholds
	switch t {
	case TimeOfDay:
		return NewTimeOfDayDetector(th)
	case CoOccurrence:
		return NewCoOccurrenceDetector(th, s.CoOccurrenceWindow)
	case Sequence:
		cfg := s.Sequence
		if cfg.Length == 0 {
			cfg.Length = DefaultSequenceLength
		}
		if cfg.MaxGap == 0 {
			cfg.MaxGap = DefaultSequenceMaxGap
		}
		return NewSequenceDetector(th, cfg)
	case Contextual:
		cfg := s.Contextual
		if cfg.MinLift == 0 {
			cfg.MinLift = DefaultContextualMinLift
		}
		if len(cfg.ContextDomains) == 0 && len(cfg.Attributes) == 0 {
			cfg.ContextDomains = DefaultContextualConfig().ContextDomains
		}
		return NewContextualDetector(th, cfg)
	case Duration:
		return NewDurationDetector(th, s.DurationMaxCV)
	case DayType:
		return NewDayTypeDetector(th, s.DayTypeDominance)
	case RoomBased:
		return NewRoomBasedDetector(th, s.RoomWindow)
	case Seasonal:
		return NewSeasonalDetector(th, s.SeasonalDominance)
	case Anomaly:
		return NewAnomalyDetector(th, s.AnomalySensitivity)
	case Frequency:
		return NewFrequencyDetector(th, s.FrequencyMaxCV)
	default:
		return nil, fmt.Errorf("%w: unknown pattern type %d", ErrInvalidConfig, int(t))
	}
}

// NewDetectors builds the enabled detectors in pattern type order. An empty
// Enabled list selects all ten.
func NewDetectors(s Settings) ([]Detector, error) {
	enabled := s.Enabled
	if len(enabled) == 0 {
		enabled = AllPatternTypes()
	}
	want := make(map[PatternType]bool, len(enabled))
	for _, t := range enabled {
		if _, ok := patternTypeNames[t]; !ok {
			return nil, fmt.Errorf("%w: unknown pattern type %d", ErrInvalidConfig, int(t))
		}
		want[t] = true
	}

	detectors := make([]Detector, 0, len(want))
	for _, t := range AllPatternTypes() {
		if !want[t] {
			continue
		}
		d, err := NewDetector(t, s)
		if err != nil {
			return nil, fmt.Errorf("building %s detector: %w", t, err)
		}
		detectors = append(detectors, d)
	}
	return detectors, nil
}
