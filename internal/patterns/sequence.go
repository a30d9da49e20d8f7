package patterns

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Sequence defaults.
const (
	DefaultSequenceLength = 3
	DefaultSequenceMaxGap = 5 * time.Minute
)

// SequenceConfig tunes the sequence detector.
type SequenceConfig struct {
	// Length is the number of entities in a chain.
	Length int
	// MaxGap bounds the time between two consecutive chain steps.
	MaxGap time.Duration
}

// DefaultSequenceConfig returns the default sequence configuration.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		Length: DefaultSequenceLength,
		MaxGap: DefaultSequenceMaxGap,
	}
}

// SequenceDetector mines recurring ordered chains of distinct entities.
type SequenceDetector struct {
	base
	cfg SequenceConfig
}

// NewSequenceDetector creates a sequence detector.
func NewSequenceDetector(t Thresholds, cfg SequenceConfig) (*SequenceDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if cfg.Length < 2 {
		return nil, fmt.Errorf("%w: sequence length must be >= 2, got %d", ErrInvalidConfig, cfg.Length)
	}
	if cfg.MaxGap <= 0 {
		return nil, fmt.Errorf("%w: sequence max gap must be positive, got %s", ErrInvalidConfig, cfg.MaxGap)
	}
	return &SequenceDetector{base: b, cfg: cfg}, nil
}

// Type implements Detector.
func (d *SequenceDetector) Type() PatternType { return Sequence }

// Config returns the detector configuration.
func (d *SequenceDetector) Config() SequenceConfig { return d.cfg }

type chainStats struct {
	entities []string
	spans    []float64
	steps    [][]float64
}

// Detect implements Detector.
func (d *SequenceDetector) Detect(events []Event) ([]Result, error) {
	acts := activations(events)
	results := []Result{}
	if len(acts) < d.cfg.Length {
		return results, nil
	}

	firstCounts := make(map[string]int)
	for _, e := range acts {
		firstCounts[e.EntityID]++
	}

	chains := make(map[string]*chainStats)
	for i := range acts {
		chain, steps := d.chainFrom(acts, i)
		if chain == nil {
			continue
		}
		ids := make([]string, len(chain))
		for k, e := range chain {
			ids[k] = e.EntityID
		}
		key := strings.Join(ids, "\x00")
		cs, ok := chains[key]
		if !ok {
			cs = &chainStats{entities: ids}
			chains[key] = cs
		}
		cs.spans = append(cs.spans, chain[len(chain)-1].Timestamp.Sub(chain[0].Timestamp).Seconds())
		cs.steps = append(cs.steps, steps)
	}

	for _, key := range sortedKeys(chains) {
		cs := chains[key]
		occurrences := len(cs.spans)
		if occurrences < d.thresholds.MinOccurrences {
			continue
		}
		total := firstCounts[cs.entities[0]]
		consistency := consistencyFromSpread(cs.spans)

		r := newResult(Sequence, CalculateConfidence(occurrences, total, consistency), occurrences)
		r.Entities = slices.Clone(cs.entities)
		r.AvgValue = floatPtr(round(mean(cs.spans), 2))
		r.StdDev = floatPtr(round(stdDev(cs.spans), 2))
		r.Description = fmt.Sprintf("%s occur in order (%d times, avg span %.0fs)",
			strings.Join(cs.entities, " -> "), occurrences, mean(cs.spans))
		r.Metadata["sequence_length"] = Int(int64(len(cs.entities)))
		r.Metadata["max_gap_seconds"] = Float(d.cfg.MaxGap.Seconds())
		r.Metadata["opportunities"] = Int(int64(total))
		for step := 0; step < len(cs.entities)-1; step++ {
			gaps := make([]float64, 0, len(cs.steps))
			for _, s := range cs.steps {
				gaps = append(gaps, s[step])
			}
			r.Metadata[fmt.Sprintf("step_%d_avg_seconds", step+1)] = Float(round(mean(gaps), 2))
		}
		results = append(results, r)
	}
	return results, nil
}

// chainFrom builds the chain that starts at acts[start]: the next distinct
// entities in time order, each within MaxGap of the previous step. It
// returns nil when the chain cannot be completed.
func (d *SequenceDetector) chainFrom(acts []Event, start int) ([]Event, []float64) {
	chain := []Event{acts[start]}
	steps := make([]float64, 0, d.cfg.Length-1)
	seen := map[string]bool{acts[start].EntityID: true}
	last := acts[start]

	for j := start + 1; j < len(acts) && len(chain) < d.cfg.Length; j++ {
		e := acts[j]
		if e.Timestamp.Sub(last.Timestamp) > d.cfg.MaxGap {
			return nil, nil
		}
		if seen[e.EntityID] {
			continue
		}
		steps = append(steps, e.Timestamp.Sub(last.Timestamp).Seconds())
		chain = append(chain, e)
		seen[e.EntityID] = true
		last = e
	}
	if len(chain) < d.cfg.Length {
		return nil, nil
	}
	return chain, steps
}
