// Package homeassistant provides WebSocket message types for Home Assistant API.
package homeassistant

import "encoding/json"

// Message types exchanged during the authentication handshake.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"
)

// Command types sent by the client.
const (
	cmdGetStates      = "get_states"
	cmdHistory        = "history/history_during_period"
	cmdEntityRegistry = "config/entity_registry/list"
	cmdDeviceRegistry = "config/device_registry/list"
	cmdAreaRegistry   = "config/area_registry/list"
)

// WSAuthMessage is sent to authenticate with Home Assistant.
type WSAuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// WSAuthInvalid is received when authentication fails.
type WSAuthInvalid struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSResultMessage represents a command result from Home Assistant.
type WSResultMessage struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WSError        `json:"error,omitempty"`
}

// WSError represents an error in a WebSocket response.
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSCommandWithPayload represents a command with additional payload data.
type WSCommandWithPayload struct {
	ID      int64          `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON implements custom JSON marshaling to flatten payload into the message.
func (c *WSCommandWithPayload) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Payload)+2)
	for k, v := range c.Payload {
		m[k] = v
	}
	// id and type win over payload keys of the same name
	m["id"] = c.ID
	m["type"] = c.Type
	return json.Marshal(m)
}

// envelope holds the routing fields every message carries.
type envelope struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// parseEnvelope extracts the message id and type from a raw JSON message.
func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
