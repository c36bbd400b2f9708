// Package listener owns the live store subscriptions of one session. The
// registry guarantees at most one active subscription per (kind, resource)
// and deterministic teardown of everything on sign-out.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/store"
)

// Kind names a logical resource class a subscription watches.
type Kind string

const (
	KindConversationList Kind = "conversation-list"
	KindMessageStream    Kind = "message-stream"
	KindLikeStream       Kind = "like-stream"
	KindReviewStream     Kind = "review-stream"
)

// Key identifies one logical subscription: the resource class plus the
// concrete resource (user id, conversation id, item id).
type Key struct {
	Kind     Kind
	Resource string
}

// Registry tracks the session's subscriptions. Constructed at login, torn
// down at logout; never shared between sessions.
type Registry struct {
	st store.Store

	mu   sync.Mutex
	subs map[Key]store.Subscription
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{st: st, subs: make(map[Key]store.Subscription)}
}

// Handle cancels one subscription. Safe to call multiple times.
type Handle struct {
	r   *Registry
	key Key
}

func (h *Handle) Cancel() {
	h.r.Unsubscribe(h.key.Kind, h.key.Resource)
}

// Subscribe installs a subscription for (kind, resource), cancelling any
// previous one for the same key first. Establishment failures are delivered
// to fn as an error snapshot, not returned synchronously: subscriptions are
// long-lived and their errors flow through the same channel as their data.
func (r *Registry) Subscribe(ctx context.Context, kind Kind, resource string, q store.Query, fn func(store.Snapshot)) *Handle {
	defer logger.DeferLogDuration("listener.Subscribe", time.Now())()
	key := Key{Kind: kind, Resource: resource}
	h := &Handle{r: r, key: key}

	r.mu.Lock()
	prev := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	sub, err := r.st.Subscribe(ctx, q, fn)
	if err != nil {
		fn(store.Snapshot{Err: fmt.Errorf("listener.Subscribe %s/%s: %w", kind, resource, err)})
		return h
	}

	r.mu.Lock()
	old := r.subs[key]
	r.subs[key] = sub
	r.mu.Unlock()
	if old != nil {
		old.Cancel()
	}
	return h
}

// Unsubscribe cancels and removes the subscription for (kind, resource).
// No-op if absent.
func (r *Registry) Unsubscribe(kind Kind, resource string) {
	key := Key{Kind: kind, Resource: resource}
	r.mu.Lock()
	sub := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// UnsubscribeAll cancels every registered subscription. A failing cancel
// never prevents the remaining ones from being cancelled; failures are
// collected and joined.
func (r *Registry) UnsubscribeAll() error {
	r.mu.Lock()
	subs := make(map[Key]store.Subscription, len(r.subs))
	for k, s := range r.subs {
		subs[k] = s
	}
	r.subs = make(map[Key]store.Subscription)
	r.mu.Unlock()

	var errs []error
	for key, sub := range subs {
		if err := cancelSafe(sub); err != nil {
			errs = append(errs, fmt.Errorf("listener.UnsubscribeAll %s/%s: %w", key.Kind, key.Resource, err))
		}
	}
	return errors.Join(errs...)
}

func cancelSafe(sub store.Subscription) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cancel panicked: %v", rec)
		}
	}()
	sub.Cancel()
	return nil
}

// ActiveCount returns the number of distinct live (kind, resource) pairs.
// Used for leak detection after teardown.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
