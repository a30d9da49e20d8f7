package patterns

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultRoomWindow is the maximum pause between two activations in the same
// area for them to belong to one burst of activity.
const DefaultRoomWindow = 5 * time.Minute

// RoomBasedDetector finds sets of entities in the same area that tend to be
// activated together.
type RoomBasedDetector struct {
	base
	window time.Duration
}

// NewRoomBasedDetector creates a room-based detector. A zero window selects
// DefaultRoomWindow.
func NewRoomBasedDetector(t Thresholds, window time.Duration) (*RoomBasedDetector, error) {
	b, err := newBase(t)
	if err != nil {
		return nil, err
	}
	if window == 0 {
		window = DefaultRoomWindow
	}
	if window < 0 {
		return nil, fmt.Errorf("%w: room window must be positive, got %s", ErrInvalidConfig, window)
	}
	return &RoomBasedDetector{base: b, window: window}, nil
}

// Type implements Detector.
func (d *RoomBasedDetector) Type() PatternType { return RoomBased }

type roomSession struct {
	entities map[string]bool
	span     time.Duration
}

type roomSet struct {
	area     string
	entities []string
	spans    []float64
}

// Detect implements Detector.
func (d *RoomBasedDetector) Detect(events []Event) ([]Result, error) {
	results := []Result{}
	byArea := make(map[string][]Event)
	for _, e := range activations(events) {
		if e.Area != "" {
			byArea[e.Area] = append(byArea[e.Area], e)
		}
	}

	for _, area := range sortedKeys(byArea) {
		sessions := d.sessions(byArea[area])
		sets := make(map[string]*roomSet)
		for _, s := range sessions {
			if len(s.entities) < 2 {
				continue
			}
			ids := sortedKeys(s.entities)
			key := strings.Join(ids, "\x00")
			rs, ok := sets[key]
			if !ok {
				rs = &roomSet{area: area, entities: ids}
				sets[key] = rs
			}
			rs.spans = append(rs.spans, s.span.Seconds())
		}

		for _, key := range sortedKeys(sets) {
			rs := sets[key]
			occurrences := len(rs.spans)
			if occurrences < d.thresholds.MinOccurrences {
				continue
			}
			involved := 0
			for _, s := range sessions {
				for _, id := range rs.entities {
					if s.entities[id] {
						involved++
						break
					}
				}
			}
			consistency := float64(occurrences) / float64(involved)

			r := newResult(RoomBased, CalculateConfidence(occurrences, len(sessions), consistency), occurrences)
			r.Area = area
			r.Entities = slices.Clone(rs.entities)
			r.AvgValue = floatPtr(round(mean(rs.spans), 2))
			r.StdDev = floatPtr(round(stdDev(rs.spans), 2))
			r.Description = fmt.Sprintf("In %s, %s are used together (%d of %d activity bursts)",
				area, strings.Join(rs.entities, ", "), occurrences, len(sessions))
			r.Metadata["sessions"] = Int(int64(len(sessions)))
			r.Metadata["sessions_involving"] = Int(int64(involved))
			r.Metadata["window_seconds"] = Float(d.window.Seconds())
			results = append(results, r)
		}
	}
	return results, nil
}

// sessions splits time-ordered activations into bursts separated by more
// than the window.
func (d *RoomBasedDetector) sessions(acts []Event) []roomSession {
	var out []roomSession
	var cur *roomSession
	var start, last time.Time
	for _, e := range acts {
		if cur == nil || e.Timestamp.Sub(last) > d.window {
			if cur != nil {
				cur.span = last.Sub(start)
				out = append(out, *cur)
			}
			cur = &roomSession{entities: make(map[string]bool)}
			start = e.Timestamp
		}
		cur.entities[e.EntityID] = true
		last = e.Timestamp
	}
	if cur != nil {
		cur.span = last.Sub(start)
		out = append(out, *cur)
	}
	return out
}
