package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	d := Document{
		"v":             float64(1),
		"unread_counts": map[string]any{"bob": float64(2)},
	}

	v, ok := GetPath(d, "v")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	v, ok = GetPath(d, "unread_counts.bob")
	require.True(t, ok)
	assert.Equal(t, float64(2), v)

	_, ok = GetPath(d, "unread_counts.alice")
	assert.False(t, ok)
	// a scalar is not a container
	_, ok = GetPath(d, "v.deeper")
	assert.False(t, ok)
}

func TestSetPath_CreatesParents(t *testing.T) {
	d := Document{}
	SetPath(d, "last_read_timestamps.bob", "2026-03-01T10:00:00Z")
	stamps := d["last_read_timestamps"].(map[string]any)
	assert.Equal(t, "2026-03-01T10:00:00Z", stamps["bob"])

	SetPath(d, "last_read_timestamps.alice", "2026-03-02T10:00:00Z")
	assert.Len(t, stamps, 2)
}

func TestIncPath(t *testing.T) {
	d := Document{"unread_counts": map[string]any{"bob": float64(2)}}

	require.NoError(t, IncPath(d, "unread_counts.bob", 1))
	require.NoError(t, IncPath(d, "unread_counts.alice", 3))
	counts := d["unread_counts"].(map[string]any)
	assert.Equal(t, float64(3), counts["bob"])
	assert.Equal(t, float64(3), counts["alice"])

	d["name"] = "x"
	assert.Error(t, IncPath(d, "name", 1))
}
