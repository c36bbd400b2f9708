package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id, ts string, fields Document) Document {
	d := Document{"id": id, "timestamp": ts}
	for k, v := range fields {
		d[k] = v
	}
	return d
}

func TestMatches(t *testing.T) {
	d := Document{
		"id":              "m1",
		"sender_id":       "alice",
		"is_read":         false,
		"participant_ids": []any{"alice", "bob"},
	}

	t.Run("equal", func(t *testing.T) {
		assert.True(t, Matches(d, Filter{Field: "sender_id", Op: OpEqual, Value: "alice"}))
		assert.False(t, Matches(d, Filter{Field: "sender_id", Op: OpEqual, Value: "bob"}))
		assert.True(t, Matches(d, Filter{Field: "is_read", Op: OpEqual, Value: false}))
	})

	t.Run("not equal", func(t *testing.T) {
		assert.True(t, Matches(d, Filter{Field: "sender_id", Op: OpNotEqual, Value: "bob"}))
		assert.False(t, Matches(d, Filter{Field: "sender_id", Op: OpNotEqual, Value: "alice"}))
	})

	t.Run("array contains", func(t *testing.T) {
		assert.True(t, Matches(d, Filter{Field: "participant_ids", Op: OpArrayContains, Value: "bob"}))
		assert.False(t, Matches(d, Filter{Field: "participant_ids", Op: OpArrayContains, Value: "eve"}))
		// non-array field never contains anything
		assert.False(t, Matches(d, Filter{Field: "sender_id", Op: OpArrayContains, Value: "alice"}))
	})

	t.Run("missing field", func(t *testing.T) {
		assert.False(t, Matches(d, Filter{Field: "nope", Op: OpEqual, Value: "x"}))
		assert.True(t, Matches(d, Filter{Field: "nope", Op: OpNotEqual, Value: "x"}))
	})
}

func TestEvalQuery_OrderAndLimit(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	docs := []Document{
		doc("b", base.Add(2*time.Second).Format(time.RFC3339Nano), nil),
		doc("a", base.Add(1*time.Second).Format(time.RFC3339Nano), nil),
		doc("c", base.Add(3*time.Second).Format(time.RFC3339Nano), nil),
	}

	asc := EvalQuery(docs, Query{OrderBy: "timestamp"})
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].ID())
	assert.Equal(t, "c", asc[2].ID())

	desc := EvalQuery(docs, Query{OrderBy: "timestamp", Desc: true, Limit: 2})
	require.Len(t, desc, 2)
	assert.Equal(t, "c", desc[0].ID())
	assert.Equal(t, "b", desc[1].ID())
}

func TestEvalQuery_CursorIsExclusive(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	docs := []Document{
		doc("a", base.Add(1*time.Second).Format(time.RFC3339Nano), nil),
		doc("b", base.Add(2*time.Second).Format(time.RFC3339Nano), nil),
		doc("c", base.Add(3*time.Second).Format(time.RFC3339Nano), nil),
	}

	// descending walk: page 1 is [c, b], cursor = b's timestamp, page 2 is [a]
	page1 := EvalQuery(docs, Query{OrderBy: "timestamp", Desc: true, Limit: 2})
	require.Len(t, page1, 2)
	cursor, _ := page1[1]["timestamp"].(string)

	page2 := EvalQuery(docs, Query{OrderBy: "timestamp", Desc: true, Limit: 2, StartAfter: cursor})
	require.Len(t, page2, 1)
	assert.Equal(t, "a", page2[0].ID())

	page3 := EvalQuery(docs, Query{OrderBy: "timestamp", Desc: true, Limit: 2, StartAfter: page2[0]["timestamp"].(string)})
	assert.Empty(t, page3)
}

func TestEvalQuery_EqualTimestampsOrderByID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	docs := []Document{
		doc("b", ts, nil),
		doc("c", ts, nil),
		doc("a", ts, nil),
	}

	asc := EvalQuery(docs, Query{OrderBy: "timestamp"})
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].ID())
	assert.Equal(t, "c", asc[2].ID())

	desc := EvalQuery(docs, Query{OrderBy: "timestamp", Desc: true})
	assert.Equal(t, "c", desc[0].ID())
	assert.Equal(t, "a", desc[2].ID())
}

func TestEvalQuery_CompositeCursorKeepsEqualTimestamps(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	docs := []Document{
		doc("a", ts, nil),
		doc("b", ts, nil),
		doc("c", ts, nil),
	}

	// a bare-timestamp cursor cannot separate these; the (timestamp, id)
	// pair walks all three without loss
	page1 := EvalQuery(docs, Query{OrderBy: "timestamp", Desc: true, Limit: 2})
	require.Len(t, page1, 2)
	assert.Equal(t, "c", page1[0].ID())
	assert.Equal(t, "b", page1[1].ID())

	page2 := EvalQuery(docs, Query{
		OrderBy: "timestamp", Desc: true, Limit: 2,
		StartAfter: ts, StartAfterID: "b",
	})
	require.Len(t, page2, 1)
	assert.Equal(t, "a", page2[0].ID())

	page3 := EvalQuery(docs, Query{
		OrderBy: "timestamp", Desc: true, Limit: 2,
		StartAfter: ts, StartAfterID: "a",
	})
	assert.Empty(t, page3)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	d, err := Encode(payload{ID: "x", Count: 7})
	require.NoError(t, err)
	assert.Equal(t, "x", d.ID())
	// JSON numbers come back as float64
	assert.Equal(t, float64(7), d["count"])

	var back payload
	require.NoError(t, Decode(d, &back))
	assert.Equal(t, 7, back.Count)
}

func TestCloneIsDeep(t *testing.T) {
	orig := Document{"id": "1", "tags": []any{"a"}}
	cp := Clone(orig)
	cp["tags"].([]any)[0] = "mutated"
	assert.Equal(t, "a", orig["tags"].([]any)[0])
}
