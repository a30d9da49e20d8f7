package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// commandSender sends a single WebSocket command and returns its result.
// *WSClient implements it; tests substitute a fake.
type commandSender interface {
	SendCommand(ctx context.Context, msgType string, payload map[string]any) (*WSResultMessage, error)
}

// historyBatchSize caps the entity ids sent in one history query so that a
// single response stays well below the read limit.
const historyBatchSize = 50

// wsClientImpl implements the Client interface using WebSocket commands.
type wsClientImpl struct {
	ws commandSender
}

// NewWSClientImpl creates a new WebSocket-based Client implementation.
func NewWSClientImpl(ws *WSClient) Client {
	return &wsClientImpl{ws: ws}
}

var _ Client = (*wsClientImpl)(nil)

// decodeResult sends cmd and unmarshals its result into out.
func (c *wsClientImpl) decodeResult(ctx context.Context, cmd string, payload map[string]any, out any) error {
	result, err := c.ws.SendCommand(ctx, cmd, payload)
	if err != nil {
		return fmt.Errorf("%s command failed: %w", cmd, err)
	}
	if len(result.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", cmd, err)
	}
	return nil
}

// GetStates retrieves all entity states via WebSocket.
func (c *wsClientImpl) GetStates(ctx context.Context) ([]Entity, error) {
	var entities []Entity
	if err := c.decodeResult(ctx, cmdGetStates, nil, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// GetHistory retrieves recorded state changes for the given entities.
// Large entity lists are split into several queries.
func (c *wsClientImpl) GetHistory(ctx context.Context, entityIDs []string, start, end time.Time) (map[string][]HistoryEntry, error) {
	history := make(map[string][]HistoryEntry, len(entityIDs))
	if len(entityIDs) == 0 {
		return history, nil
	}

	for batch := range slices.Chunk(entityIDs, historyBatchSize) {
		params := map[string]any{
			"start_time":               start.UTC().Format(time.RFC3339),
			"entity_ids":               batch,
			"minimal_response":         false,
			"no_attributes":            false,
			"significant_changes_only": false,
		}
		if !end.IsZero() {
			params["end_time"] = end.UTC().Format(time.RFC3339)
		}

		var part map[string][]HistoryEntry
		if err := c.decodeResult(ctx, cmdHistory, params, &part); err != nil {
			return nil, err
		}
		for id, entries := range part {
			history[id] = append(history[id], entries...)
		}
	}
	return history, nil
}

// GetEntityRegistry retrieves the entity registry.
func (c *wsClientImpl) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.decodeResult(ctx, cmdEntityRegistry, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetDeviceRegistry retrieves the device registry.
func (c *wsClientImpl) GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	var entries []DeviceRegistryEntry
	if err := c.decodeResult(ctx, cmdDeviceRegistry, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetAreaRegistry retrieves the area registry.
func (c *wsClientImpl) GetAreaRegistry(ctx context.Context) ([]AreaRegistryEntry, error) {
	var entries []AreaRegistryEntry
	if err := c.decodeResult(ctx, cmdAreaRegistry, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
