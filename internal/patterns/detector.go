package patterns

import (
	"errors"
	"fmt"
	"math"

	"github.com/zorak1103/ha-patterns/internal/logging"
)

// Default detection thresholds.
const (
	DefaultMinOccurrences = 3
	DefaultMinConfidence  = 0.7
)

// Confidence weights. A frequent but scattered pattern must score below one
// that is both frequent and tightly clustered.
const (
	frequencyWeight   = 0.6
	consistencyWeight = 0.4
)

// ErrInvalidConfig is wrapped by every constructor validation error.
var ErrInvalidConfig = errors.New("invalid detector configuration")

// DetectorError reports a failed detection run.
type DetectorError struct {
	Type PatternType
	Err  error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("%s detector failed: %v", e.Type, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

// Detector scans an event batch for one pattern type. Implementations must
// treat the input as read-only and return an empty slice for empty input.
type Detector interface {
	Type() PatternType
	Thresholds() Thresholds
	Detect(events []Event) ([]Result, error)
}

// Thresholds gate which detected patterns survive filtering.
type Thresholds struct {
	MinOccurrences int
	MinConfidence  float64
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinOccurrences: DefaultMinOccurrences,
		MinConfidence:  DefaultMinConfidence,
	}
}

// Validate checks that the thresholds are usable.
func (t Thresholds) Validate() error {
	if t.MinOccurrences < 1 {
		return fmt.Errorf("%w: min_occurrences must be >= 1, got %d", ErrInvalidConfig, t.MinOccurrences)
	}
	if math.IsNaN(t.MinConfidence) || t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be within [0, 1], got %v", ErrInvalidConfig, t.MinConfidence)
	}
	return nil
}

// Allows reports whether a single result clears both thresholds.
func (t Thresholds) Allows(r Result) bool {
	return r.Occurrences >= t.MinOccurrences && r.Confidence >= t.MinConfidence
}

// base carries the thresholds shared by every detector.
type base struct {
	thresholds Thresholds
}

func newBase(t Thresholds) (base, error) {
	if err := t.Validate(); err != nil {
		return base{}, err
	}
	return base{thresholds: t}, nil
}

// Thresholds returns the detector's filtering thresholds.
func (b base) Thresholds() Thresholds {
	return b.thresholds
}

// CalculateConfidence blends how often a pattern occurred with how
// consistent its occurrences were: 60% frequency, 40% consistency.
func CalculateConfidence(occurrences, totalPossible int, consistency float64) float64 {
	if totalPossible == 0 {
		return 0
	}
	frequency := math.Min(float64(occurrences)/float64(max(totalPossible, 1)), 1)
	return clamp01(frequencyWeight*frequency + consistencyWeight*clamp01(consistency))
}

// FilterByThresholds keeps results that clear both thresholds. The input is
// not modified.
func FilterByThresholds(t Thresholds, results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if t.Allows(r) {
			out = append(out, r)
		}
	}
	return out
}

// DetectAndFilterErr runs a detector and filters its output. Panics inside
// Detect are recovered and returned as a *DetectorError.
func DetectAndFilterErr(d Detector, events []Event) (results []Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			results = nil
			err = &DetectorError{Type: d.Type(), Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	raw, err := d.Detect(events)
	if err != nil {
		return nil, &DetectorError{Type: d.Type(), Err: err}
	}
	return FilterByThresholds(d.Thresholds(), raw), nil
}

// DetectAndFilter runs a detector and never fails: any error is logged and
// an empty slice returned, so one broken detector cannot abort a scan.
func DetectAndFilter(d Detector, events []Event, logger *logging.Logger) []Result {
	results, err := DetectAndFilterErr(d, events)
	if err != nil {
		if logger == nil {
			logger = logging.Default()
		}
		logger.Error("Pattern detection failed", "pattern_type", d.Type().String(), "error", err)
		return []Result{}
	}
	return results
}
