// Package memory — документное хранилище в памяти для режима -dev и тестов.
// Семантика совпадает с остальными бэкендами: атомарные батчи под одним локом,
// подписки получают полный снапшот запроса после каждой мутации коллекции.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/marketchat/internal/store"
)

var errClosed = errors.New("memory store closed")

type Client struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Document
	subs        map[*subscription]struct{}
	closed      bool
}

func New() *Client {
	return &Client{
		collections: make(map[string]map[string]store.Document),
		subs:        make(map[*subscription]struct{}),
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	// Cancel outside the lock: Cancel waits for in-flight callbacks.
	for _, s := range subs {
		s.disp.Cancel()
	}
	return nil
}

func (c *Client) Get(ctx context.Context, collection, id string) (store.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errClosed
	}
	doc, ok := c.collections[collection][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.Clone(doc), nil
}

func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errClosed
	}
	return store.CloneAll(c.queryLocked(q)), nil
}

func (c *Client) queryLocked(q store.Query) []store.Document {
	col := c.collections[q.Collection]
	docs := make([]store.Document, 0, len(col))
	for _, doc := range col {
		docs = append(docs, doc)
	}
	return store.EvalQuery(docs, q)
}

func (c *Client) Create(ctx context.Context, collection string, data store.Document) (string, error) {
	id := uuid.New().String()
	if err := c.CreateWithID(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) CreateWithID(ctx context.Context, collection, id string, data store.Document) error {
	return c.apply(ctx, []store.Write{{Kind: store.WriteCreate, Collection: collection, ID: id, Data: data}})
}

func (c *Client) Update(ctx context.Context, collection, id string, fields store.Document) error {
	return c.apply(ctx, []store.Write{{Kind: store.WriteUpdate, Collection: collection, ID: id, Data: fields}})
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.apply(ctx, []store.Write{{Kind: store.WriteDelete, Collection: collection, ID: id}})
}

func (c *Client) Batch(ctx context.Context, writes []store.Write) error {
	return c.apply(ctx, writes)
}

// apply stages every write on cloned documents and commits only a fully
// valid batch, so a failed batch leaves all target documents unchanged.
// Increments read the current value under the same lock that serializes the
// batches: concurrent writers never lose increments.
func (c *Client) apply(ctx context.Context, writes []store.Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	// staged: collection -> id -> new document; nil marks a delete.
	staged := make(map[string]map[string]store.Document)
	lookup := func(collection, id string) (store.Document, bool) {
		if col, ok := staged[collection]; ok {
			if doc, ok := col[id]; ok {
				return doc, doc != nil
			}
		}
		doc, ok := c.collections[collection][id]
		return doc, ok
	}
	stage := func(collection, id string, doc store.Document) {
		col, ok := staged[collection]
		if !ok {
			col = make(map[string]store.Document)
			staged[collection] = col
		}
		col[id] = doc
	}

	for _, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("memory.apply: empty collection or id")
		}
		cur, exists := lookup(w.Collection, w.ID)
		switch w.Kind {
		case store.WriteCreate:
			if exists {
				return fmt.Errorf("memory.apply %s/%s: %w", w.Collection, w.ID, store.ErrExists)
			}
			doc := store.Clone(w.Data)
			if doc == nil {
				doc = store.Document{}
			}
			doc["id"] = w.ID
			stage(w.Collection, w.ID, doc)
		case store.WriteUpdate:
			if !exists {
				return fmt.Errorf("memory.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
			doc := store.Clone(cur)
			for k, v := range store.Clone(w.Data) {
				doc[k] = v
			}
			stage(w.Collection, w.ID, doc)
		case store.WriteIncrement:
			if !exists {
				return fmt.Errorf("memory.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
			if w.Field == "" {
				return fmt.Errorf("memory.apply %s/%s: empty field path", w.Collection, w.ID)
			}
			doc := store.Clone(cur)
			if err := store.IncPath(doc, w.Field, w.Delta); err != nil {
				return fmt.Errorf("memory.apply %s/%s: %w", w.Collection, w.ID, err)
			}
			stage(w.Collection, w.ID, doc)
		case store.WriteSetField:
			if !exists {
				return fmt.Errorf("memory.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
			if w.Field == "" {
				return fmt.Errorf("memory.apply %s/%s: empty field path", w.Collection, w.ID)
			}
			doc := store.Clone(cur)
			store.SetPath(doc, w.Field, store.CloneValue(w.Value))
			stage(w.Collection, w.ID, doc)
		case store.WriteDelete:
			if !exists {
				return fmt.Errorf("memory.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
			stage(w.Collection, w.ID, nil)
		default:
			return fmt.Errorf("memory.apply: unknown write kind %d", w.Kind)
		}
	}

	touched := make(map[string]struct{})
	for name, col := range staged {
		dst, ok := c.collections[name]
		if !ok {
			dst = make(map[string]store.Document)
			c.collections[name] = dst
		}
		for id, doc := range col {
			if doc == nil {
				delete(dst, id)
			} else {
				dst[id] = doc
			}
		}
		touched[name] = struct{}{}
	}

	for s := range c.subs {
		if _, ok := touched[s.q.Collection]; ok {
			s.disp.Deliver(store.Snapshot{Docs: store.CloneAll(c.queryLocked(s.q))})
		}
	}
	return nil
}

type subscription struct {
	c    *Client
	q    store.Query
	disp *store.Dispatcher
}

func (s *subscription) Cancel() {
	s.c.mu.Lock()
	delete(s.c.subs, s)
	s.c.mu.Unlock()
	s.disp.Cancel()
}

func (c *Client) Subscribe(ctx context.Context, q store.Query, fn func(store.Snapshot)) (store.Subscription, error) {
	s := &subscription{c: c, q: q, disp: store.NewDispatcher(fn)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.disp.Deliver(store.Snapshot{Err: errClosed})
		return s, nil
	}
	c.subs[s] = struct{}{}
	initial := store.CloneAll(c.queryLocked(q))
	c.mu.Unlock()

	s.disp.Deliver(store.Snapshot{Docs: initial})
	return s, nil
}
