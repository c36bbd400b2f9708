package store

import "sync"

// Dispatcher serializes snapshot delivery for one subscription. Snapshots are
// coalesced: if a new snapshot arrives while the previous one is still being
// delivered, only the latest pending state is kept. Cancel blocks until any
// in-flight callback returns, so no callback fires after Cancel.
//
// Backends enqueue via Deliver in mutation order; delivery order therefore
// matches mutation order, with intermediate states possibly skipped.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *Snapshot
	closed  bool
	fn      func(Snapshot)
	wg      sync.WaitGroup
}

// NewDispatcher starts the delivery worker for fn.
func NewDispatcher(fn func(Snapshot)) *Dispatcher {
	d := &Dispatcher{fn: fn}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.pending == nil && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		snap := *d.pending
		d.pending = nil
		d.mu.Unlock()
		d.fn(snap)
	}
}

// Deliver enqueues a snapshot, replacing any not-yet-delivered one.
// No-op after Cancel.
func (d *Dispatcher) Deliver(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = &Snapshot{Docs: snap.Docs, Err: snap.Err}
	d.cond.Signal()
}

// Cancel stops delivery. Idempotent; returns only after the worker has exited.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	d.wg.Wait()
}
