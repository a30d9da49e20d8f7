package handlers

import (
	"fmt"
	"math"

	"github.com/zorak1103/ha-patterns/internal/patterns"
)

// Argument helpers for decoded JSON tool arguments. Numbers arrive as
// float64, arrays as []any.

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func floatArg(args map[string]any, key string) (float64, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	f, ok := raw.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("%s must be a number", key)
	}
	return f, true, nil
}

func intArg(args map[string]any, key string) (int, bool, error) {
	f, ok, err := floatArg(args, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, false, fmt.Errorf("%s must be an integer", key)
	}
	return int(f), true, nil
}

func boolArg(args map[string]any, key string, def bool) (bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func patternTypesArg(args map[string]any, key string) ([]patterns.PatternType, error) {
	names, err := stringSliceArg(args, key)
	if err != nil {
		return nil, err
	}
	types := make([]patterns.PatternType, 0, len(names))
	for _, name := range names {
		t, err := patterns.ParsePatternType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func patternTypeNames() []string {
	all := patterns.AllPatternTypes()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.String()
	}
	return names
}
