// Package source loads entity state changes for pattern detection, either
// from Home Assistant's recorder or from an exported events file.
package source

import (
	"context"
	"slices"
	"time"

	"github.com/zorak1103/ha-patterns/internal/patterns"
)

// Window bounds the events a source returns. A zero Start or End leaves
// that side open.
type Window struct {
	Start time.Time
	End   time.Time
}

// LastDays returns the window covering the days before now.
func LastDays(now time.Time, days int) Window {
	return Window{Start: now.AddDate(0, 0, -days), End: now}
}

// Contains reports whether t falls inside the window. Start is inclusive,
// End exclusive.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// Source provides the events of a time window.
type Source interface {
	Events(ctx context.Context, w Window) ([]patterns.Event, error)
}

// Static is an in-memory event list.
type Static []patterns.Event

// Events implements Source.
func (s Static) Events(_ context.Context, w Window) ([]patterns.Event, error) {
	out := make([]patterns.Event, 0, len(s))
	for _, e := range s {
		if w.Contains(e.Timestamp) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FilterEntities keeps the events of the given entities. An empty list keeps
// everything. The input is not modified.
func FilterEntities(events []patterns.Event, entityIDs []string) []patterns.Event {
	if len(entityIDs) == 0 {
		return slices.Clone(events)
	}
	keep := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		keep[id] = true
	}
	out := make([]patterns.Event, 0, len(events))
	for _, e := range events {
		if keep[e.EntityID] {
			out = append(out, e)
		}
	}
	return out
}
