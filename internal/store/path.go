package store

import (
	"fmt"
	"strings"
)

// GetPath reads the value at a dot-separated path inside doc.
func GetPath(doc Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(doc)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dot-separated path inside doc, creating missing
// intermediate maps. An intermediate that exists but is not a map is replaced.
func SetPath(doc Document, path string, value any) {
	parts := strings.Split(path, ".")
	m := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		child, ok := m[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[part] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

// IncPath adds delta to the numeric value at path, treating a missing field
// as zero. A present non-numeric value is an error: incrementing it would
// silently corrupt the document.
func IncPath(doc Document, path string, delta int) error {
	cur, ok := GetPath(doc, path)
	if !ok {
		SetPath(doc, path, float64(delta))
		return nil
	}
	switch n := cur.(type) {
	case float64:
		SetPath(doc, path, n+float64(delta))
	case int:
		SetPath(doc, path, float64(n+delta))
	default:
		return fmt.Errorf("store: field %q holds %T, not a number", path, cur)
	}
	return nil
}
