// Package registry maps resource IDs to their lifecycle state.
//
// Load and unload requests are dispatched on one handler queue. The map is
// guarded by a RWMutex: lookups take the read lock, creation re-checks under
// the write lock. A state is removed once its last reference is released
// and it is Closed, and terminated after the lock is dropped.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/resource"
)

// Sentinel errors
var (
	ErrNotFound      = errors.NewStd("resource not found")
	ErrNotStreamable = errors.NewStd("resource kind does not stream")
	ErrNotReady      = errors.NewStd("resource is not loaded")
	ErrShutdown      = errors.NewStd("registry is shut down")
)

// Factory builds the state of a descriptor
type Factory interface {
	Create(desc descriptor.Descriptor) (*resource.State, error)
}

type entry struct {
	desc  descriptor.Descriptor
	state *resource.State
}

// Registry owns every live resource state
type Registry struct {
	factory   Factory
	handler   *execqueue.Queue
	invariant InvariantHandler
	log       logger.Logger

	mu      sync.RWMutex
	entries map[uint32]*entry

	shutdown atomic.Bool
}

// Option configures a Registry
type Option func(*options)

type options struct {
	log       logger.Logger
	invariant InvariantHandler
	executor  execqueue.Executor
}

// WithLogger sets the registry logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithInvariantHandler replaces PanicOnViolation
func WithInvariantHandler(h InvariantHandler) Option {
	return func(o *options) { o.invariant = h }
}

// WithExecutor sets the executor of the handler queue
func WithExecutor(e execqueue.Executor) Option {
	return func(o *options) { o.executor = e }
}

// New creates an empty registry building states with factory
func New(settings conf.QueueSettings, factory Factory, opts ...Option) *Registry {
	o := options{invariant: PanicOnViolation}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}

	queueOpts := []execqueue.Option{
		execqueue.WithLogger(o.log),
		execqueue.WithMetricsLabel("registry"),
	}
	if settings.CloseWait > 0 {
		queueOpts = append(queueOpts, execqueue.WithCloseWarn(settings.CloseWait))
	}
	if o.executor != nil {
		queueOpts = append(queueOpts, execqueue.WithExecutor(o.executor))
	}

	return &Registry{
		factory:   factory,
		handler:   execqueue.New("registry handler", queueOpts...),
		invariant: o.invariant,
		log:       o.log,
		entries:   make(map[uint32]*entry),
	}
}

// Load takes a load reference on desc, creating its state if needed
func (r *Registry) Load(desc descriptor.Descriptor, cb func(ok bool)) {
	r.Acquire(desc, resource.OriginLoad, cb)
}

// Unload releases a load reference. Unknown IDs are logged.
func (r *Registry) Unload(desc descriptor.Descriptor, cb func()) {
	r.UnloadWithResult(desc, func(err error) {
		if err != nil {
			r.log.Warn("unload failed", logger.String("resource", desc.String()), logger.Error(err))
		}
		cb()
	})
}

// UnloadWithResult releases a load reference and reports unknown IDs
func (r *Registry) UnloadWithResult(desc descriptor.Descriptor, cb func(error)) {
	r.Release(desc.ID, resource.OriginLoad, cb)
}

// Acquire takes a reference of the given origin on desc
func (r *Registry) Acquire(desc descriptor.Descriptor, origin resource.Origin, cb func(ok bool)) {
	if r.shutdown.Load() {
		r.log.Warn("acquire after shutdown", logger.String("resource", desc.String()))
		cb(false)
		return
	}

	r.handler.Async("acquire", func(context.Context) {
		state, err := r.getOrCreate(desc, cb)
		if err != nil {
			return
		}

		state.IncrementCountAsync(origin, func(ok bool) {
			if !ok {
				r.scheduleDelete(desc.ID, state)
			}
			cb(ok)
		})
	})
}

// Release drops a reference of the given origin on id
func (r *Registry) Release(id uint32, origin resource.Origin, cb func(error)) {
	r.handler.Async("release", func(context.Context) {
		state, ok := r.Lookup(id)
		if !ok {
			cb(notFound(id))
			return
		}

		state.DecrementCountAsync(origin, r.deleteFn(id, state), func() { cb(nil) })
	})
}

// Lookup returns the live state of id
func (r *Registry) Lookup(id uint32) (*resource.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Descriptor returns the descriptor registered under id
func (r *Registry) Descriptor(id uint32) (descriptor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return descriptor.Descriptor{}, false
	}
	return e.desc, true
}

// Len returns the number of live states
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Each calls fn for every live state under the read lock
func (r *Registry) Each(fn func(desc descriptor.Descriptor, state *resource.State)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		fn(e.desc, e.state)
	}
}

// OpenStreamingResult returns the state of id if it can serve streaming
// reads right now
func (r *Registry) OpenStreamingResult(id uint32) (*resource.State, error) {
	state, ok := r.Lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	if _, streams := state.Hooks().(resource.Streamed); !streams {
		return nil, fmt.Errorf("%s: %w", state.Name(), ErrNotStreamable)
	}
	if !state.CanProcessFileOp() {
		return nil, fmt.Errorf("%s is %s: %w", state.Name(), state.CurrentState(), ErrNotReady)
	}
	return state, nil
}

// Shutdown drains the handler queue and terminates every remaining state
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.shutdown.Swap(true) {
		return nil
	}
	r.handler.Close()

	r.mu.Lock()
	remaining := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		remaining = append(remaining, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if len(remaining) > 0 {
		r.log.Info("terminating remaining resources", logger.Int("count", len(remaining)))
	}
	for i, e := range remaining {
		if err := ctx.Err(); err != nil {
			r.log.Warn("shutdown interrupted", logger.Int("unterminated", len(remaining)-i), logger.Error(err))
			return err
		}
		e.state.Term()
		currentMetrics().AddLive(e.state.Kind(), -1)
	}
	return nil
}

// getOrCreate runs on the handler queue. On error cb has been called.
func (r *Registry) getOrCreate(desc descriptor.Descriptor, cb func(bool)) (*resource.State, error) {
	r.mu.RLock()
	e, ok := r.entries[desc.ID]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if e, ok = r.entries[desc.ID]; !ok {
			// Shutdown collects entries under this lock after setting the flag
			if r.shutdown.Load() {
				r.mu.Unlock()
				r.log.Warn("acquire after shutdown", logger.String("resource", desc.String()))
				cb(false)
				return nil, ErrShutdown
			}
			state, err := r.factory.Create(desc)
			if err != nil {
				r.mu.Unlock()
				r.log.Error("create failed", logger.String("resource", desc.String()), logger.Error(err))
				cb(false)
				return nil, err
			}
			e = &entry{desc: desc, state: state}
			r.entries[desc.ID] = e
			r.mu.Unlock()

			currentMetrics().AddLive(state.Kind(), 1)
			r.log.Debug("resource created", logger.String("resource", desc.String()))
			return state, nil
		}
		r.mu.Unlock()
	}

	if !e.desc.Equal(desc) {
		v := Violation{Kind: ViolationDuplicateID, ID: desc.ID, Existing: e.desc, Incoming: desc}
		currentMetrics().RecordInvariantViolation(v.Kind)
		r.reportViolation(v, cb)
		return nil, v
	}
	return e.state, nil
}

// reportViolation runs the invariant handler on its own goroutine, outside
// the panic recovery of the handler queue, so a panicking handler ends the
// process. The failing request is answered once the handler returns.
func (r *Registry) reportViolation(v Violation, cb func(bool)) {
	go func() {
		defer cb(false)
		r.invariant(v)
	}()
}

func (r *Registry) deleteFn(id uint32, state *resource.State) func(cb func()) {
	return func(cb func()) {
		r.handler.Async("delete", func(context.Context) {
			r.deleteIfUnused(id, state)
			cb()
		})
	}
}

// scheduleDelete checks for deletion after a failed increment
func (r *Registry) scheduleDelete(id uint32, state *resource.State) {
	r.handler.Async("delete check", func(context.Context) {
		r.deleteIfUnused(id, state)
	})
}

func (r *Registry) deleteIfUnused(id uint32, state *resource.State) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state != state || !state.CanDelete() {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()

	state.Term()
	currentMetrics().AddLive(state.Kind(), -1)
	r.log.Debug("resource deleted", logger.String("resource", e.desc.String()))
}

func notFound(id uint32) error {
	return errors.New(fmt.Errorf("id %d: %w", id, ErrNotFound)).
		Component("registry").
		Category(errors.CategoryNotFound).
		ResourceContext(id, "").
		Build()
}
