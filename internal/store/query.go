package store

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// normalize passes a filter value through its JSON shape so comparisons see
// the same types a stored Document holds (float64 numbers, []any slices).
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Matches reports whether doc satisfies a single filter.
func Matches(doc Document, f Filter) bool {
	field := doc[f.Field]
	want := normalize(f.Value)
	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(field, want)
	case OpNotEqual:
		return !reflect.DeepEqual(field, want)
	case OpArrayContains:
		arr, ok := field.([]any)
		if !ok {
			return false
		}
		for _, el := range arr {
			if reflect.DeepEqual(el, want) {
				return true
			}
		}
		return false
	}
	return false
}

// MatchesAll reports whether doc satisfies every filter of q.
func MatchesAll(doc Document, q Query) bool {
	for _, f := range q.Filters {
		if !Matches(doc, f) {
			return false
		}
	}
	return true
}

// orderKey extracts the OrderBy timestamp of a document. Documents without a
// parseable timestamp sort first.
func orderKey(doc Document, field string) time.Time {
	s, ok := doc[field].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EvalQuery applies filters, ordering, the StartAfter cursor and the limit of
// q to an unordered document set. Shared by backends that evaluate queries
// client-side (memory, redis).
func EvalQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if MatchesAll(doc, q) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		// Id is the tie-break so equal timestamps still give a total order.
		sort.SliceStable(out, func(i, j int) bool {
			ti, tj := orderKey(out[i], q.OrderBy), orderKey(out[j], q.OrderBy)
			if !ti.Equal(tj) {
				if q.Desc {
					return ti.After(tj)
				}
				return ti.Before(tj)
			}
			if q.Desc {
				return out[i].ID() > out[j].ID()
			}
			return out[i].ID() < out[j].ID()
		})
	}
	if q.StartAfter != "" && q.OrderBy != "" {
		cursor, err := time.Parse(time.RFC3339Nano, q.StartAfter)
		if err == nil {
			kept := out[:0]
			for _, doc := range out {
				if afterCursor(doc, q, cursor) {
					kept = append(kept, doc)
				}
			}
			out = kept
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// afterCursor reports whether doc lies strictly past the exclusive cursor in
// the query's direction. With StartAfterID set the comparison is on the
// (timestamp, id) pair, so documents sharing the cursor timestamp are not
// skipped across a page boundary.
func afterCursor(doc Document, q Query, cursor time.Time) bool {
	t := orderKey(doc, q.OrderBy)
	if !t.Equal(cursor) {
		if q.Desc {
			return t.Before(cursor)
		}
		return t.After(cursor)
	}
	if q.StartAfterID == "" {
		return false
	}
	if q.Desc {
		return doc.ID() < q.StartAfterID
	}
	return doc.ID() > q.StartAfterID
}

// Clone returns a deep copy of a document so callers can never alias the
// backend's stored state.
func Clone(doc Document) Document {
	out, err := Encode(doc)
	if err != nil {
		return nil
	}
	return out
}

// CloneValue returns a JSON-shaped copy of an arbitrary field value, so a
// staged write holds float64/string/map[string]any like a decoded document.
func CloneValue(v any) any {
	return normalize(v)
}

// CloneAll deep-copies a document slice.
func CloneAll(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, Clone(doc))
	}
	return out
}
