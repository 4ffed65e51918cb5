// Package utils provides type assertion helpers for working with decoded
// JSON payloads, plus tiktoken-based token counting.
package utils

import (
	"encoding/json"
	"fmt"
)

// SafeAssert safely performs type assertion and returns the value and success status.
func SafeAssert[T any](value any) (T, bool) {
	if v, ok := value.(T); ok {
		return v, true
	}
	var zero T
	return zero, false
}

// MustAssert performs type assertion and panics with descriptive message if it fails.
func MustAssert[T any](value any, context string) T {
	if v, ok := value.(T); ok {
		return v
	}
	panic(fmt.Sprintf("type assertion failed in %s: expected %T, got %T", context, *new(T), value))
}

// AssertMapStringAny safely asserts a value as map[string]any.
func AssertMapStringAny(value any) (map[string]any, error) {
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("expected map[string]any, got %T", value)
}

// GetMapField safely gets a field from a map[string]any and asserts its type.
func GetMapField[T any](m map[string]any, key string) (T, error) {
	var zero T
	value, exists := m[key]
	if !exists {
		return zero, fmt.Errorf("field '%s' not found in map", key)
	}

	if typedValue, ok := value.(T); ok {
		return typedValue, nil
	}

	return zero, fmt.Errorf("field '%s' expected type %T, got %T", key, zero, value)
}

// GetMapFieldOr safely gets a field from a map[string]any with a default value.
func GetMapFieldOr[T any](m map[string]any, key string, defaultValue T) T {
	if value, err := GetMapField[T](m, key); err == nil {
		return value
	}
	return defaultValue
}

// GetNumberOr gets a numeric field from a decoded JSON map, coercing the
// types encoding/json may produce. Missing or non-numeric values return the
// default.
func GetNumberOr(m map[string]any, key string, defaultValue float64) float64 {
	value, exists := m[key]
	if !exists || value == nil {
		return defaultValue
	}
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetIntOr gets an integer field from a decoded JSON map, truncating
// floating-point values the way JSON decoding produces them.
func GetIntOr(m map[string]any, key string, defaultValue int) int {
	value, exists := m[key]
	if !exists || value == nil {
		return defaultValue
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	}
	return defaultValue
}

// GetListOfMaps coerces a decoded JSON array into []map[string]any,
// skipping elements of other types.
func GetListOfMaps(value any) []map[string]any {
	switch list := value.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
