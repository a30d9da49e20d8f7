package patterns

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultContextualMinLift is how many times more likely than chance an
// entity must activate in a context to be reported.
const DefaultContextualMinLift = 1.2

// ContextualConfig tunes the contextual detector.
type ContextualConfig struct {
	// ContextDomains lists entity domains whose state is used as context
	// for every other entity (e.g. "sun" gives sun.sun above/below_horizon).
	ContextDomains []string
	// Attributes lists event attribute keys carried on the events themselves
	// that are used as context (e.g. "area" or a custom attribute).
	Attributes []string
	// MinLift is the minimum ratio between the entity's share of
	// activations in a context and the baseline share of that context.
	MinLift float64
}

// DefaultContextualConfig returns the default contextual configuration.
func DefaultContextualConfig() ContextualConfig {
	return ContextualConfig{
		ContextDomains: []string{"sun", "weather", "person"},
		MinLift:        DefaultContextualMinLift,
	}
}

// ContextualDetector associates entity activations with a context value,
// either the state of a context entity at that moment or an attribute
// carried on the event, and reports associations above chance.
type ContextualDetector struct {
	base
	cfg     ContextualConfig
	domains map[string]bool
}

// NewContextualDetector creates a contextual detector.
func NewContextualDetector(t Thresholds, cfg ContextualConfig) (*ContextualDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if cfg.MinLift < 1 {
		return nil, fmt.Errorf("%w: contextual min lift must be >= 1, got %v", ErrInvalidConfig, cfg.MinLift)
	}
	if len(cfg.ContextDomains) == 0 && len(cfg.Attributes) == 0 {
		return nil, fmt.Errorf("%w: contextual detector needs at least one context domain or attribute", ErrInvalidConfig)
	}
	domains := make(map[string]bool, len(cfg.ContextDomains))
	for _, dom := range cfg.ContextDomains {
		if dom = strings.TrimSpace(dom); dom != "" {
			domains[dom] = true
		}
	}
	return &ContextualDetector{base: b, cfg: cfg, domains: domains}, nil
}

// Type implements Detector.
func (d *ContextualDetector) Type() PatternType { return Contextual }

type contextKey struct {
	source string
	value  string
}

func domainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

// Detect implements Detector.
func (d *ContextualDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	ordered := sortedByTime(events)

	timelines := make(map[string][]Event)
	for _, e := range ordered {
		if d.domains[domainOf(e.EntityID)] {
			timelines[e.EntityID] = append(timelines[e.EntityID], e)
		}
	}
	contextSources := sortedKeys(timelines)

	perEntity := make(map[string]map[contextKey]int)
	entityTotals := make(map[string]map[string]int)
	baseline := make(map[contextKey]int)
	sourceTotals := make(map[string]int)

	for _, e := range ordered {
		if e.EntityID == "" || !e.IsActivation() || d.domains[domainOf(e.EntityID)] {
			continue
		}
		for _, key := range d.contextsAt(e, contextSources, timelines) {
			if perEntity[e.EntityID] == nil {
				perEntity[e.EntityID] = make(map[contextKey]int)
				entityTotals[e.EntityID] = make(map[string]int)
			}
			perEntity[e.EntityID][key]++
			entityTotals[e.EntityID][key.source]++
			baseline[key]++
			sourceTotals[key.source]++
		}
	}

	for _, entityID := range sortedKeys(perEntity) {
		counts := perEntity[entityID]
		keys := make([]contextKey, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].source != keys[j].source {
				return keys[i].source < keys[j].source
			}
			return keys[i].value < keys[j].value
		})

		for _, key := range keys {
			occurrences := counts[key]
			if occurrences < d.thresholds.MinOccurrences {
				continue
			}
			chance := float64(baseline[key]) / float64(sourceTotals[key.source])
			if chance >= 1 {
				continue
			}
			total := entityTotals[entityID][key.source]
			share := float64(occurrences) / float64(total)
			lift := share / chance
			if lift < d.cfg.MinLift {
				continue
			}
			consistency := clamp01((share - chance) / (1 - chance))

			r := newResult(Contextual, CalculateConfidence(occurrences, total, consistency), occurrences)
			r.EntityID = entityID
			r.Description = fmt.Sprintf("%s activates mostly when %s is %s (%.0f%% vs %.0f%% baseline)",
				entityID, key.source, key.value, share*100, chance*100)
			r.Metadata["context_source"] = String(key.source)
			r.Metadata["context_value"] = String(key.value)
			r.Metadata["lift"] = Float(round(lift, 4))
			r.Metadata["baseline_share"] = Float(round(chance, 4))
			r.Metadata["entity_share"] = Float(round(share, 4))
			if key.source == "area" {
				r.Area = key.value
			}
			results = append(results, r)
		}
	}
	return results, nil
}

// contextsAt returns the context values in force when e happened.
func (d *ContextualDetector) contextsAt(e Event, sources []string, timelines map[string][]Event) []contextKey {
	var keys []contextKey
	for _, src := range sources {
		tl := timelines[src]
		i := sort.Search(len(tl), func(i int) bool {
			return tl[i].Timestamp.After(e.Timestamp)
		})
		if i == 0 {
			continue
		}
		state := tl[i-1].State
		if state == "" || state == "unavailable" || state == "unknown" {
			continue
		}
		keys = append(keys, contextKey{source: src, value: state})
	}
	for _, attr := range d.cfg.Attributes {
		if v := e.Context(attr); v != "" {
			keys = append(keys, contextKey{source: attr, value: v})
		}
	}
	return keys
}
