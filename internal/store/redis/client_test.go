package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/store"
)

// newClient connects to the Redis named by TEST_REDIS_URL and wipes it.
// Tests are skipped when the variable is unset.
func newClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, c.FlushDB(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedis_CRUD(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	id, err := c.Create(ctx, "things", store.Document{"name": "first"})
	require.NoError(t, err)

	got, err := c.Get(ctx, "things", id)
	require.NoError(t, err)
	assert.Equal(t, "first", got["name"])
	assert.Equal(t, id, got.ID())

	require.NoError(t, c.Update(ctx, "things", id, store.Document{"name": "second"}))
	got, err = c.Get(ctx, "things", id)
	require.NoError(t, err)
	assert.Equal(t, "second", got["name"])

	require.NoError(t, c.Delete(ctx, "things", id))
	_, err = c.Get(ctx, "things", id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedis_CreateConflict(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.CreateWithID(ctx, "things", "t1", store.Document{"v": 1}))
	assert.ErrorIs(t, c.CreateWithID(ctx, "things", "t1", store.Document{"v": 2}), store.ErrExists)
}

func TestRedis_QueryOrderAndCursor(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.CreateWithID(ctx, "messages", fmt.Sprintf("m%d", i), store.Document{
			"timestamp": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		}))
	}

	page1, err := c.Query(ctx, store.Query{Collection: "messages", OrderBy: "timestamp", Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "m2", page1[0].ID())

	cursor := page1[1]["timestamp"].(string)
	page2, err := c.Query(ctx, store.Query{
		Collection: "messages", OrderBy: "timestamp", Desc: true, Limit: 2, StartAfter: cursor,
	})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "m0", page2[0].ID())
}

func TestRedis_BatchAtomicity(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.CreateWithID(ctx, "things", "a", store.Document{"v": 1}))
	err := c.Batch(ctx, []store.Write{
		{Kind: store.WriteUpdate, Collection: "things", ID: "a", Data: store.Document{"v": 2}},
		{Kind: store.WriteUpdate, Collection: "things", ID: "missing", Data: store.Document{"v": 2}},
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := c.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["v"])
}

func TestRedis_BatchIncrementAndSetField(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.CreateWithID(ctx, "conversations", "c1", store.Document{
		"unread_counts": map[string]any{"bob": 2, "alice": 3},
	}))

	// several writes to the same document in one batch compound instead of
	// overwriting each other
	err := c.Batch(ctx, []store.Write{
		{Kind: store.WriteIncrement, Collection: "conversations", ID: "c1", Field: "unread_counts.bob", Delta: 1},
		{Kind: store.WriteSetField, Collection: "conversations", ID: "c1", Field: "unread_counts.alice", Value: 0},
		{Kind: store.WriteSetField, Collection: "conversations", ID: "c1", Field: "last_read_timestamps.alice", Value: "2026-03-01T10:00:00Z"},
	})
	require.NoError(t, err)

	got, err := c.Get(ctx, "conversations", "c1")
	require.NoError(t, err)
	counts := got["unread_counts"].(map[string]any)
	assert.Equal(t, float64(3), counts["bob"])
	assert.Equal(t, float64(0), counts["alice"])
	stamps := got["last_read_timestamps"].(map[string]any)
	assert.Equal(t, "2026-03-01T10:00:00Z", stamps["alice"])

	assert.ErrorIs(t, c.Batch(ctx, []store.Write{
		{Kind: store.WriteIncrement, Collection: "conversations", ID: "ghost", Field: "unread_counts.bob", Delta: 1},
	}), store.ErrNotFound)
}

func TestRedis_SubscribeDeliversOnPublish(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	ch := make(chan store.Snapshot, 16)
	sub, err := c.Subscribe(ctx, store.Query{Collection: "messages", OrderBy: "timestamp"},
		func(snap store.Snapshot) { ch <- snap })
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case snap := <-ch:
		require.NoError(t, snap.Err)
		assert.Empty(t, snap.Docs)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, c.CreateWithID(ctx, "messages", "m1", store.Document{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}))

	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap := <-ch:
			require.NoError(t, snap.Err)
			if len(snap.Docs) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("never observed the created document")
		}
	}
}
