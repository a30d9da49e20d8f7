// Package homeassistant provides a read-only WebSocket client for the Home
// Assistant API: entity states, recorded history and the registries used to
// place entities in areas.
package homeassistant

import (
	"context"
	"time"
)

// Client defines the Home Assistant operations needed to collect state
// history. All operations are performed via WebSocket connection.
type Client interface {
	// GetStates returns the current state of every entity.
	GetStates(ctx context.Context) ([]Entity, error)

	// GetHistory returns the state changes of the given entities between
	// start and end, keyed by entity id. A zero end means "now".
	GetHistory(ctx context.Context, entityIDs []string, start, end time.Time) (map[string][]HistoryEntry, error)

	// Registry operations
	GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error)
	GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error)
	GetAreaRegistry(ctx context.Context) ([]AreaRegistryEntry, error)
}

// getStringAttr safely extracts a string value from an attributes map.
// Returns an empty string if the key doesn't exist or the value is not a string.
func getStringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
