// Package store определяет интерфейс документного хранилища: CRUD по коллекциям,
// запросы с фильтрами и курсором, атомарные батчи и push-подписки со снапшотами.
// Реализации: memory.Client (для -dev и тестов), redis.Client, pg.Client.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the referenced document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned by CreateWithID when the id is already taken.
	ErrExists = errors.New("document already exists")
)

// Document is the wire shape of a stored document: JSON-compatible values only
// (string, float64, bool, nil, []any, map[string]any). The document id is kept
// in the "id" field.
type Document map[string]any

// ID returns the document id field, or "" if absent.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// FilterOp is a field comparison operator.
type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpNotEqual      FilterOp = "!="
	OpArrayContains FilterOp = "array-contains"
)

// Filter restricts a query to documents whose field matches value under op.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query describes a filtered, ordered, limited read over one collection.
// OrderBy must name a field holding an RFC3339 timestamp: backends order by
// parsed time, with the document id as tie-break, and (StartAfter,
// StartAfterID) is an exclusive cursor on that (timestamp, id) pair taken
// from the last document of the previous page. StartAfterID may be left
// empty, falling back to a bare-timestamp cursor that can skip a document
// sharing the cursor timestamp.
type Query struct {
	Collection   string
	Filters      []Filter
	OrderBy      string
	Desc         bool
	Limit        int
	StartAfter   string
	StartAfterID string
}

// Snapshot is one delivery of a subscription: the full ordered result set of
// the query at some point in time. Establishment and re-query failures arrive
// through Err with an empty Docs, never as a panic in the caller.
type Snapshot struct {
	Docs []Document
	Err  error
}

// WriteKind discriminates batch operations.
type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteUpdate
	WriteDelete
	// WriteIncrement adds Delta to the numeric field at path Field, reading
	// the current value inside the backend's transaction. Concurrent batches
	// never lose increments the way read-modify-write through the client does.
	WriteIncrement
	// WriteSetField sets the field at path Field to Value without touching
	// sibling keys of the same map.
	WriteSetField
)

// Write is a single operation inside an atomic batch. Data holds the full
// document for WriteCreate and the partial field set for WriteUpdate.
// Field is a dot-separated path ("unread_counts.user-1") for WriteIncrement
// and WriteSetField, at most two segments deep; path segments must not
// contain dots themselves.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Data       Document
	Field      string
	Delta      int
	Value      any
}

// Subscription is a live push subscription. Cancel is idempotent and
// synchronous: once it returns, no further callback fires.
type Subscription interface {
	Cancel()
}

// Store is the document store consumed by the sync core. All methods are safe
// for concurrent use. Batch is all-or-nothing: on error no target document
// changes.
type Store interface {
	Query(ctx context.Context, q Query) ([]Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Create(ctx context.Context, collection string, data Document) (string, error)
	CreateWithID(ctx context.Context, collection, id string, data Document) error
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	Batch(ctx context.Context, writes []Write) error
	Subscribe(ctx context.Context, q Query, fn func(Snapshot)) (Subscription, error)
	Close() error
}

// Encode converts a model struct into a Document via its JSON shape.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store.Encode: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store.Encode: %w", err)
	}
	return doc, nil
}

// Decode converts a Document back into a model struct via its JSON shape.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store.Decode: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store.Decode: %w", err)
	}
	return nil
}

// DecodeAll decodes a slice of documents into a slice of model structs.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := Decode(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
