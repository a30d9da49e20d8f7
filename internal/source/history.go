package source

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/zorak1103/ha-patterns/internal/homeassistant"
	"github.com/zorak1103/ha-patterns/internal/logging"
	"github.com/zorak1103/ha-patterns/internal/patterns"
)

// HistorySource reads state changes from the Home Assistant recorder.
type HistorySource struct {
	client     homeassistant.Client
	entities   []string
	attributes []string
	logger     *logging.Logger
}

// HistoryOption configures a HistorySource.
type HistoryOption func(*HistorySource)

// WithEntities restricts the source to the given entity ids. By default
// every entity returned by get_states is queried.
func WithEntities(ids ...string) HistoryOption {
	return func(s *HistorySource) { s.entities = ids }
}

// WithAttributes copies the named state attributes onto each event so they
// can serve as detection context.
func WithAttributes(keys ...string) HistoryOption {
	return func(s *HistorySource) { s.attributes = keys }
}

// WithLogger sets the source logger.
func WithLogger(l *logging.Logger) HistoryOption {
	return func(s *HistorySource) { s.logger = l }
}

// NewHistorySource creates a source backed by client.
func NewHistorySource(client homeassistant.Client, opts ...HistoryOption) *HistorySource {
	s := &HistorySource{client: client}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	return s
}

// entityInfo is what the registries tell us about one entity.
type entityInfo struct {
	area        string
	deviceClass string
}

// Events implements Source. Consecutive entries with an unchanged state
// (attribute-only updates) are collapsed into the first one. Events are
// returned in timestamp order.
func (s *HistorySource) Events(ctx context.Context, w Window) ([]patterns.Event, error) {
	ids := s.entities
	if len(ids) == 0 {
		states, err := s.client.GetStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing entities: %w", err)
		}
		for _, st := range states {
			ids = append(ids, st.EntityID)
		}
		slices.Sort(ids)
	}
	if len(ids) == 0 {
		return []patterns.Event{}, nil
	}

	info := s.resolveEntities(ctx)

	start := w.Start
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	history, err := s.client.GetHistory(ctx, ids, start, w.End)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	var events []patterns.Event
	for _, id := range slices.Sorted(maps.Keys(history)) {
		events = append(events, s.convert(id, history[id], info[id], w)...)
	}
	if events == nil {
		events = []patterns.Event{}
	}
	slices.SortStableFunc(events, func(a, b patterns.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	s.logger.Debug("Loaded history", "entities", len(history), "events", len(events),
		"start", w.Start.Format(time.RFC3339), "end", w.End.Format(time.RFC3339))
	return events, nil
}

// convert turns one entity's history into events. Attributes are only sent
// when they change, so the last seen values are carried forward.
func (s *HistorySource) convert(entityID string, entries []homeassistant.HistoryEntry, info entityInfo, w Window) []patterns.Event {
	var out []patterns.Event
	deviceClass := info.deviceClass
	carried := make(map[string]string, len(s.attributes))
	prevState := ""
	first := true

	for _, h := range entries {
		if dc := h.Attribute("device_class"); dc != "" {
			deviceClass = dc
		}
		for _, key := range s.attributes {
			if v := h.Attribute(key); v != "" {
				carried[key] = v
			}
		}
		if !first && h.State == prevState {
			continue
		}
		first = false
		prevState = h.State

		// Detectors read wall-clock hours, so use the local zone (TZ).
		ts := h.Time().Local()
		if !w.Contains(ts) {
			continue
		}
		e := patterns.Event{
			EntityID:    entityID,
			Timestamp:   ts,
			State:       h.State,
			Area:        info.area,
			DeviceClass: deviceClass,
		}
		if len(carried) > 0 {
			e.Attributes = maps.Clone(carried)
		}
		out = append(out, e)
	}
	return out
}

// resolveEntities maps entity ids to area names and device classes using
// the entity, device and area registries. Registry failures only cost the
// area context, so they are logged and ignored.
func (s *HistorySource) resolveEntities(ctx context.Context) map[string]entityInfo {
	info := make(map[string]entityInfo)

	entities, err := s.client.GetEntityRegistry(ctx)
	if err != nil {
		s.logger.Warn("Entity registry unavailable, events will carry no area", "error", err)
		return info
	}
	devices, err := s.client.GetDeviceRegistry(ctx)
	if err != nil {
		s.logger.Warn("Device registry unavailable, using entity areas only", "error", err)
	}
	areas, err := s.client.GetAreaRegistry(ctx)
	if err != nil {
		s.logger.Warn("Area registry unavailable, using area ids as names", "error", err)
	}

	deviceArea := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceArea[d.ID] = d.AreaID
	}
	areaName := make(map[string]string, len(areas))
	for _, a := range areas {
		areaName[a.AreaID] = a.Name
	}

	for _, e := range entities {
		areaID := e.AreaID
		if areaID == "" {
			areaID = deviceArea[e.DeviceID]
		}
		name := areaName[areaID]
		if name == "" {
			name = areaID
		}
		info[e.EntityID] = entityInfo{area: name, deviceClass: e.EffectiveDeviceClass()}
	}
	return info
}
