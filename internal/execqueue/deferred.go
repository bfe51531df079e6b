package execqueue

import (
	"context"
	"sync"

	"github.com/tphakala/bankstream/internal/logger"
)

// DeferResult tells a DeferredQueue whether to keep a callback
type DeferResult int

const (
	// Done removes the callback
	Done DeferResult = iota
	// KeepRunning keeps the callback for the next Run
	KeepRunning
)

// DeferredFunc is a callback retried on every Run until it returns Done
type DeferredFunc func(ctx context.Context) DeferResult

// DeferredQueue collects callbacks that must wait for an external tick,
// typically a retry of work the engine refused earlier.
type DeferredQueue struct {
	name  string
	queue *Queue
	log   logger.Logger

	mu       sync.Mutex
	asyncFns []DeferredFunc
	syncFns  []DeferredFunc
	draining chan struct{} // non-nil while an async batch runs

	subsMu  sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewDeferredQueue creates a deferred queue whose async callbacks run on a
// private Queue
func NewDeferredQueue(name string, opts ...Option) *DeferredQueue {
	d := &DeferredQueue{
		name: name,
		subs: make(map[int]func()),
	}
	d.queue = New(name, opts...)
	d.log = d.queue.log
	return d
}

// AsyncDefer registers fn to run on the deferred queue's worker on each Run
func (d *DeferredQueue) AsyncDefer(fn DeferredFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.asyncFns = append(d.asyncFns, fn)
	d.mu.Unlock()
}

// SyncDefer registers fn to run inline inside Run
func (d *DeferredQueue) SyncDefer(fn DeferredFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.syncFns = append(d.syncFns, fn)
	d.mu.Unlock()
}

// OnSyncRun subscribes fn to the end of every Run. The returned func
// unsubscribes.
func (d *DeferredQueue) OnSyncRun(fn func()) (unsubscribe func()) {
	d.subsMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subsMu.Unlock()

	return func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
}

// Len returns the number of registered callbacks
func (d *DeferredQueue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.asyncFns) + len(d.syncFns)
}

// Run executes pending callbacks once. A Run issued while the previous
// async batch is still draining is a no-op.
func (d *DeferredQueue) Run(ctx context.Context) {
	d.mu.Lock()
	if d.draining != nil {
		d.mu.Unlock()
		return
	}

	asyncBatch := d.asyncFns
	d.asyncFns = nil
	syncBatch := d.syncFns
	d.syncFns = nil

	var draining chan struct{}
	if len(asyncBatch) > 0 {
		draining = make(chan struct{})
		d.draining = draining
	}
	d.mu.Unlock()

	if len(asyncBatch) > 0 {
		d.queue.Async("deferred batch", func(opCtx context.Context) {
			kept := runBatch(opCtx, asyncBatch)

			d.mu.Lock()
			d.asyncFns = append(kept, d.asyncFns...)
			d.draining = nil
			d.mu.Unlock()
			close(draining)
		})
	}

	if len(syncBatch) > 0 {
		if ctx == nil {
			ctx = context.Background()
		}
		kept := runBatch(ctx, syncBatch)

		d.mu.Lock()
		d.syncFns = append(kept, d.syncFns...)
		d.mu.Unlock()
	}

	d.notify()
}

// Wait blocks until the current async batch has drained
func (d *DeferredQueue) Wait() {
	d.mu.Lock()
	draining := d.draining
	d.mu.Unlock()

	if draining != nil {
		<-draining
	}
}

// Close closes the private queue. Callbacks still registered are dropped.
func (d *DeferredQueue) Close() {
	d.queue.Close()

	d.mu.Lock()
	dropped := len(d.asyncFns) + len(d.syncFns)
	d.asyncFns = nil
	d.syncFns = nil
	d.mu.Unlock()

	if dropped > 0 {
		d.log.Debug("deferred callbacks dropped on close", logger.Int("count", dropped))
	}
}

func (d *DeferredQueue) notify() {
	d.subsMu.Lock()
	subs := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subsMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func runBatch(ctx context.Context, batch []DeferredFunc) []DeferredFunc {
	var kept []DeferredFunc
	for _, fn := range batch {
		if fn(ctx) == KeepRunning {
			kept = append(kept, fn)
		}
	}
	return kept
}
