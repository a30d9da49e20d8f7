// Package homeassistant provides types for the Home Assistant WebSocket API.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlexibleString is a type that can unmarshal from either a JSON string or an array of strings.
// Home Assistant sometimes returns version fields as arrays instead of strings.
type FlexibleString string

// UnmarshalJSON implements json.Unmarshaler for FlexibleString.
func (fs *FlexibleString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fs = FlexibleString(str)
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*fs = FlexibleString(strings.Join(arr, ", "))
		return nil
	}

	*fs = ""
	return nil
}

// String returns the string value of FlexibleString.
func (fs FlexibleString) String() string {
	return string(fs)
}

// FlexibleIdentifier is a type that can unmarshal from either a JSON string or a number.
// Home Assistant sometimes returns identifiers as numbers instead of strings.
type FlexibleIdentifier string

// UnmarshalJSON implements json.Unmarshaler for FlexibleIdentifier.
func (fi *FlexibleIdentifier) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fi = FlexibleIdentifier(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*fi = FlexibleIdentifier(num.String())
		return nil
	}

	*fi = ""
	return nil
}

// String returns the string value of FlexibleIdentifier.
func (fi FlexibleIdentifier) String() string {
	return string(fi)
}

// Entity represents a Home Assistant entity state.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// DeviceClass returns the entity's device_class attribute, if any.
func (e Entity) DeviceClass() string {
	return getStringAttr(e.Attributes, "device_class")
}

// Context represents the context of a state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// HistoryEntry represents a single history entry for an entity.
// The WebSocket API returns a compact format with short field names.
// Attributes are only sent when they changed, so most entries carry none.
type HistoryEntry struct {
	State       string         `json:"s"`
	Attributes  map[string]any `json:"a,omitempty"`
	LastChanged float64        `json:"lc,omitempty"` // omitted when equal to lu
	LastUpdated float64        `json:"lu"`
}

// Time returns when the state last changed. Entries that omit lc changed
// at their lu timestamp.
func (h HistoryEntry) Time() time.Time {
	ts := h.LastChanged
	if ts == 0 {
		ts = h.LastUpdated
	}
	return unixSeconds(ts)
}

// unixSeconds converts a fractional Unix timestamp to UTC. Values that look
// like milliseconds are accepted too.
func unixSeconds(ts float64) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(int64(ts)).UTC()
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Attribute returns a history attribute rendered as a string. Non-string
// values are formatted with %v; missing keys yield "".
func (h HistoryEntry) Attribute(key string) string {
	v, ok := h.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// EntityRegistryEntry represents an entry in the Home Assistant entity registry.
type EntityRegistryEntry struct {
	EntityID   string `json:"entity_id"`
	Platform   string `json:"platform"`
	DeviceID   string `json:"device_id,omitempty"`
	AreaID     string `json:"area_id,omitempty"`
	DisabledBy string `json:"disabled_by,omitempty"`
	Name       string `json:"name,omitempty"`
	// DeviceClass is set by the user; OriginalDeviceClass by the integration.
	DeviceClass         string `json:"device_class,omitempty"`
	OriginalDeviceClass string `json:"original_device_class,omitempty"`
}

// EffectiveDeviceClass returns the user override or the integration's
// device class.
func (e EntityRegistryEntry) EffectiveDeviceClass() string {
	if e.DeviceClass != "" {
		return e.DeviceClass
	}
	return e.OriginalDeviceClass
}

// DeviceRegistryEntry represents an entry in the Home Assistant device registry.
type DeviceRegistryEntry struct {
	ID           string                 `json:"id"`
	Identifiers  [][]FlexibleIdentifier `json:"identifiers,omitempty"`
	Manufacturer string                 `json:"manufacturer,omitempty"`
	Model        FlexibleString         `json:"model,omitempty"`
	Name         string                 `json:"name,omitempty"`
	SWVersion    FlexibleString         `json:"sw_version,omitempty"`
	AreaID       string                 `json:"area_id,omitempty"`
	NameByUser   string                 `json:"name_by_user,omitempty"`
	DisabledBy   string                 `json:"disabled_by,omitempty"`
}

// AreaRegistryEntry represents an entry in the Home Assistant area registry.
type AreaRegistryEntry struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}
