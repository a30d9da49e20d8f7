// Package patterns implements the pattern detectors that scan Home Assistant
// state-change events and emit scored pattern hypotheses.
package patterns

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// PatternType identifies the kind of pattern a detector produces.
type PatternType int

// Pattern types, one per detector.
const (
	TimeOfDay PatternType = iota + 1
	CoOccurrence
	Sequence
	Contextual
	Duration
	DayType
	RoomBased
	Seasonal
	Anomaly
	Frequency
)

var patternTypeNames = map[PatternType]string{
	TimeOfDay:    "time_of_day",
	CoOccurrence: "co_occurrence",
	Sequence:     "sequence",
	Contextual:   "contextual",
	Duration:     "duration",
	DayType:      "day_type",
	RoomBased:    "room_based",
	Seasonal:     "seasonal",
	Anomaly:      "anomaly",
	Frequency:    "frequency",
}

// AllPatternTypes returns every pattern type in declaration order.
func AllPatternTypes() []PatternType {
	return []PatternType{
		TimeOfDay, CoOccurrence, Sequence, Contextual, Duration,
		DayType, RoomBased, Seasonal, Anomaly, Frequency,
	}
}

// String returns the wire value of the pattern type.
func (t PatternType) String() string {
	if name, ok := patternTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("pattern_type(%d)", int(t))
}

// ParsePatternType parses a wire value such as "time_of_day".
func ParsePatternType(s string) (PatternType, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for t, name := range patternTypeNames {
		if name == needle {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown pattern type: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t PatternType) MarshalText() ([]byte, error) {
	if _, ok := patternTypeNames[t]; !ok {
		return nil, fmt.Errorf("invalid pattern type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PatternType) UnmarshalText(data []byte) error {
	parsed, err := ParsePatternType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ValueKind tags the concrete type held by a metadata Value.
type ValueKind int

// Metadata value kinds.
const (
	KindString ValueKind = iota + 1
	KindFloat
	KindInt
	KindBool
)

// Value is a metadata value restricted to string, number or bool.
type Value struct {
	kind ValueKind
	s    string
	f    float64
	i    int64
	b    bool
}

// String creates a string metadata value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Float creates a floating point metadata value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Int creates an integer metadata value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Bool creates a boolean metadata value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value kind.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string payload and whether the value is a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Num returns the value as float64 for numeric kinds.
func (v Value) Num() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Boolean returns the bool payload and whether the value is a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Any returns the payload as a plain Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.s == o.s && v.f == o.f && v.i == o.i && v.b == o.b
}

// MarshalJSON encodes the value as a plain JSON scalar. Floats always carry
// a fraction or exponent so they decode back as KindFloat.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat && !math.IsInf(v.f, 0) && !math.IsNaN(v.f) {
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a JSON scalar. Integers decode as KindInt.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueOf converts a plain Go scalar into a Value.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid metadata number %q: %w", x.String(), err)
		}
		return Float(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %T", raw)
	}
}

// Metadata carries pattern-specific auxiliary data.
type Metadata map[string]Value

// Result is the uniform output of every detector.
type Result struct {
	PatternType PatternType
	Confidence  float64
	EntityID    string
	Entities    []string
	Description string
	Metadata    Metadata
	Hour        *int
	Minute      *int
	DayOfWeek   string
	Season      string
	Occurrences int
	AvgValue    *float64
	StdDev      *float64
	Area        string
	DeviceClass string
}

// newResult returns a Result with clamped confidence and non-nil metadata.
func newResult(t PatternType, confidence float64, occurrences int) Result {
	return Result{
		PatternType: t,
		Confidence:  clamp01(confidence),
		Occurrences: occurrences,
		Metadata:    Metadata{},
	}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ToMap serializes the result. Optional fields are present with nil values
// when unset.
func (r Result) ToMap() map[string]any {
	m := map[string]any{
		"pattern_type": r.PatternType.String(),
		"confidence":   r.Confidence,
		"entity_id":    optString(r.EntityID),
		"entities":     nil,
		"description":  optString(r.Description),
		"hour":         nil,
		"minute":       nil,
		"day_of_week":  optString(r.DayOfWeek),
		"season":       optString(r.Season),
		"occurrences":  r.Occurrences,
		"avg_value":    nil,
		"std_dev":      nil,
		"area":         optString(r.Area),
		"device_class": optString(r.DeviceClass),
	}
	if r.Entities != nil {
		m["entities"] = slices.Clone(r.Entities)
	}
	if r.Hour != nil {
		m["hour"] = *r.Hour
	}
	if r.Minute != nil {
		m["minute"] = *r.Minute
	}
	if r.AvgValue != nil {
		m["avg_value"] = *r.AvgValue
	}
	if r.StdDev != nil {
		m["std_dev"] = *r.StdDev
	}
	meta := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		meta[k] = v.Any()
	}
	m["metadata"] = meta
	return m
}

// FromMap rebuilds a Result from the layout produced by ToMap. It accepts
// both native Go numbers and values decoded from JSON.
func FromMap(m map[string]any) (Result, error) {
	rawType, ok := m["pattern_type"].(string)
	if !ok {
		return Result{}, fmt.Errorf("pattern_type is required")
	}
	pt, err := ParsePatternType(rawType)
	if err != nil {
		return Result{}, err
	}

	r := Result{PatternType: pt, Metadata: Metadata{}}

	if r.Confidence, err = floatField(m, "confidence"); err != nil {
		return Result{}, err
	}
	r.Confidence = clamp01(r.Confidence)

	occ, err := optIntField(m, "occurrences")
	if err != nil {
		return Result{}, err
	}
	if occ != nil {
		r.Occurrences = *occ
	}

	r.EntityID = stringField(m, "entity_id")
	r.Description = stringField(m, "description")
	r.DayOfWeek = stringField(m, "day_of_week")
	r.Season = stringField(m, "season")
	r.Area = stringField(m, "area")
	r.DeviceClass = stringField(m, "device_class")

	if r.Hour, err = optIntField(m, "hour"); err != nil {
		return Result{}, err
	}
	if r.Minute, err = optIntField(m, "minute"); err != nil {
		return Result{}, err
	}
	if r.AvgValue, err = optFloatField(m, "avg_value"); err != nil {
		return Result{}, err
	}
	if r.StdDev, err = optFloatField(m, "std_dev"); err != nil {
		return Result{}, err
	}

	switch ents := m["entities"].(type) {
	case nil:
	case []string:
		r.Entities = append([]string{}, ents...)
	case []any:
		r.Entities = make([]string, 0, len(ents))
		for _, e := range ents {
			s, ok := e.(string)
			if !ok {
				return Result{}, fmt.Errorf("entities must contain strings, got %T", e)
			}
			r.Entities = append(r.Entities, s)
		}
	default:
		return Result{}, fmt.Errorf("entities must be a list, got %T", ents)
	}

	switch meta := m["metadata"].(type) {
	case nil:
	case map[string]any:
		for k, raw := range meta {
			v, err := ValueOf(raw)
			if err != nil {
				return Result{}, fmt.Errorf("metadata %q: %w", k, err)
			}
			r.Metadata[k] = v
		}
	case Metadata:
		for k, v := range meta {
			r.Metadata[k] = v
		}
	default:
		return Result{}, fmt.Errorf("metadata must be an object, got %T", meta)
	}

	return r, nil
}

// MarshalJSON encodes the result using the ToMap layout.
func (r Result) MarshalJSON() ([]byte, error) {
	m := r.ToMap()
	meta := r.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	m["metadata"] = meta
	return json.Marshal(m)
}

// UnmarshalJSON decodes the ToMap layout.
func (r *Result) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) (float64, error) {
	f, err := optFloatField(m, key)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	return *f, nil
}

func optFloatField(m map[string]any, key string) (*float64, error) {
	switch x := m[key].(type) {
	case nil:
		return nil, nil
	case float64:
		return floatPtr(x), nil
	case int:
		return floatPtr(float64(x)), nil
	case int64:
		return floatPtr(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return floatPtr(f), nil
	default:
		return nil, fmt.Errorf("%s must be a number, got %T", key, x)
	}
}

func optIntField(m map[string]any, key string) (*int, error) {
	switch x := m[key].(type) {
	case nil:
		return nil, nil
	case int:
		return intPtr(x), nil
	case int64:
		return intPtr(int(x)), nil
	case float64:
		return intPtr(int(x)), nil
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return intPtr(int(i)), nil
	default:
		return nil, fmt.Errorf("%s must be an integer, got %T", key, x)
	}
}
