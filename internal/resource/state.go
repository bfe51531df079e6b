// Package resource implements the reference-counted lifecycle shared by all
// resource kinds.
//
// A State owns one private execution queue. Every transition, counter update
// and hook continuation runs on that queue, so the state machine itself needs
// no locks. Requests are stamped with an operation number when they start and
// complete strictly in that order, whatever the latency of the hooks they
// trigger. A request that finds the machine busy, or that is ready before an
// earlier request, parks on the later queue and is retried when a transition
// completes or the ticker fires.
package resource

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// Term defaults
const (
	DefaultTermWait        = 10 * time.Millisecond
	DefaultTermMaxAttempts = 10
)

type laterOp struct {
	name string
	op   execqueue.Op
}

type request struct {
	origin Origin
	order  int
	ref    *reference // set on increments
}

// reference is the count taken by one increment. It is released at most once,
// either by a decrement of the same origin or by the rollback of a failed
// increment.
type reference struct {
	origin   Origin
	released bool
}

// State is the lifecycle of one resource
type State struct {
	name     string
	kind     string
	hooks    Hooks
	streamed bool
	ticker   Ticker
	log      logger.Logger

	termWait        time.Duration
	termMaxAttempts int

	queue atomic.Pointer[execqueue.Queue]

	state           atomic.Uint32
	loadCount       atomic.Int32
	streamingCount  atomic.Int32
	openedInstances atomic.Int32

	// queue-confined
	creationOpOrder int
	doneOpOrder     int
	later           []laterOp
	held            map[Origin]int
	pending         []*reference

	recurringRegistered atomic.Bool
}

// Option configures a State
type Option func(*stateConfig)

type stateConfig struct {
	ticker          Ticker
	log             logger.Logger
	executor        execqueue.Executor
	kind            string
	termWait        time.Duration
	termMaxAttempts int
}

// WithTicker sets the ticker that redrains deferred retries
func WithTicker(t Ticker) Option {
	return func(c *stateConfig) { c.ticker = t }
}

// WithLogger sets the state logger
func WithLogger(l logger.Logger) Option {
	return func(c *stateConfig) { c.log = l }
}

// WithExecutor sets the executor of the private queue
func WithExecutor(e execqueue.Executor) Option {
	return func(c *stateConfig) { c.executor = e }
}

// WithKind sets the kind label used in logs and metrics
func WithKind(kind string) Option {
	return func(c *stateConfig) { c.kind = kind }
}

// WithTermWait sets how long Term waits for in-flight requests
func WithTermWait(wait time.Duration, maxAttempts int) Option {
	return func(c *stateConfig) {
		if wait > 0 {
			c.termWait = wait
		}
		if maxAttempts > 0 {
			c.termMaxAttempts = maxAttempts
		}
	}
}

// New creates a Closed state driving hooks
func New(name string, hooks Hooks, opts ...Option) *State {
	cfg := stateConfig{
		kind:            "resource",
		termWait:        DefaultTermWait,
		termMaxAttempts: DefaultTermMaxAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = GetLogger()
	}
	log := cfg.log.With(logger.String("resource", name), logger.String("kind", cfg.kind))

	s := &State{
		name:            name,
		kind:            cfg.kind,
		hooks:           hooks,
		ticker:          cfg.ticker,
		log:             log,
		termWait:        cfg.termWait,
		termMaxAttempts: cfg.termMaxAttempts,
		held:            make(map[Origin]int),
	}
	if streamed, ok := hooks.(Streamed); ok {
		s.streamed = streamed.IsStreamed()
	}

	queueOpts := []execqueue.Option{
		execqueue.WithLogger(log),
		execqueue.WithMetricsLabel("resource"),
	}
	if cfg.executor != nil {
		queueOpts = append(queueOpts, execqueue.WithExecutor(cfg.executor))
	}
	s.queue.Store(execqueue.New(name, queueOpts...))
	return s
}

// Name returns the resource name
func (s *State) Name() string {
	return s.name
}

// Kind returns the kind label
func (s *State) Kind() string {
	return s.kind
}

// CurrentState returns the lifecycle status
func (s *State) CurrentState() Status {
	return Status(s.state.Load())
}

// LoadCount returns the number of references of any origin
func (s *State) LoadCount() int {
	return int(s.loadCount.Load())
}

// StreamingCount returns the number of streaming references
func (s *State) StreamingCount() int {
	return int(s.streamingCount.Load())
}

// OpenedInstances returns the number of increments not yet balanced by a
// completed decrement
func (s *State) OpenedInstances() int {
	return int(s.openedInstances.Load())
}

// Hooks returns the kind-specific hooks the state drives
func (s *State) Hooks() Hooks {
	return s.hooks
}

// IsStreamed reports whether engine loads require a streaming reference
func (s *State) IsStreamed() bool {
	return s.streamed
}

// CanDelete reports whether nothing references the state any more
func (s *State) CanDelete() bool {
	return s.openedInstances.Load() == 0 && s.CurrentState() == Closed && s.loadCount.Load() == 0
}

// CanProcessFileOp reports whether the data is loaded and can be read
func (s *State) CanProcessFileOp() bool {
	return s.CurrentState() == Loaded
}

// Terminated reports whether Term has released the private queue
func (s *State) Terminated() bool {
	return s.queue.Load() == nil
}

// Async runs op on the private queue. It returns false if the state was
// terminated and op did not run.
func (s *State) Async(name string, op execqueue.Op) bool {
	q := s.queue.Load()
	if q == nil {
		return false
	}
	q.Async(name, op)
	return true
}

// IncrementCountAsync adds a reference and brings the resource to the level
// origin requires. cb reports whether the resource is usable; on failure the
// reference has already been released.
func (s *State) IncrementCountAsync(origin Origin, cb func(ok bool)) {
	q := s.queue.Load()
	if q == nil {
		s.log.Error("increment on a terminated resource, failing immediately")
		cb(false)
		return
	}

	start := time.Now()
	s.openedInstances.Add(1)
	q.Async("increment", func(ctx context.Context) {
		req := request{origin: origin, order: s.creationOpOrder, ref: &reference{origin: origin}}
		s.creationOpOrder++
		if req.order == 0 {
			s.log.Trace("initial load")
		}

		s.pending = append(s.pending, req.ref)
		s.incrementLoadCount(origin)
		s.incrementOpen(ctx, req, func(ok bool) {
			result := metrics.ResultSuccess
			if !ok {
				result = metrics.ResultError
			}
			currentMetrics().RecordRequest(s.kind, "increment", result, time.Since(start))
			cb(ok)
		})
	})
}

// DecrementCountAsync releases a reference and unloads or closes as the
// remaining counters allow. deleteFn is called instead of cb when the state
// can be deleted; it must eventually call the function it is given.
func (s *State) DecrementCountAsync(origin Origin, deleteFn func(cb func()), cb func()) {
	q := s.queue.Load()
	if q == nil {
		s.log.Error("decrement on a terminated resource, returning immediately")
		cb()
		return
	}

	start := time.Now()
	q.Async("decrement", func(ctx context.Context) {
		req := request{origin: origin, order: s.creationOpOrder}
		s.creationOpOrder++

		finish := func() {
			currentMetrics().RecordRequest(s.kind, "decrement", metrics.ResultSuccess, time.Since(start))
			if deleteFn != nil && s.CanDelete() {
				deleteFn(cb)
				return
			}
			cb()
		}

		if !s.releaseReference(origin) {
			s.log.Warn("decrement without a matching increment", logger.String("origin", origin.String()))
			s.unbalancedDone(ctx, req, func() {
				currentMetrics().RecordRequest(s.kind, "decrement", metrics.ResultError, time.Since(start))
				cb()
			})
			return
		}

		s.decrementLoadCount(origin)
		s.decrementUnload(ctx, req, finish)
	})
}

// Term waits for in-flight requests and releases the private queue. After
// Term, increments fail and decrements return immediately.
func (s *State) Term() {
	q := s.queue.Load()
	if q == nil {
		return
	}

	for i := 0; s.recurringRegistered.Load() && i < s.termMaxAttempts; i++ {
		s.drain(q)
	}
	for i := 0; s.openedInstances.Load() > 0 && i < s.termMaxAttempts; i++ {
		s.drain(q)
	}

	if opened := s.openedInstances.Load(); opened > 0 {
		s.log.Error("terminating with active instances", logger.Int32("opened_instances", opened))
	}
	if status := s.CurrentState(); status != Closed {
		s.log.Warn("terminating unclosed resource", logger.String("state", status.String()))
	}
	if count := s.loadCount.Load(); count != 0 {
		s.log.Info("terminating with references held", logger.Int32("load_count", count))
	}

	if !s.queue.CompareAndSwap(q, nil) {
		return
	}
	q.CloseAndDelete()
}

func (s *State) drain(q *execqueue.Queue) {
	_ = q.AsyncWait(context.Background(), "term wait", func(context.Context) {})
	time.Sleep(s.termWait)
}

func (s *State) incrementOpen(ctx context.Context, req request, cb func(bool)) {
	if s.isBusy() {
		switch s.CurrentState() {
		case Unloading:
			s.setState(WillReload)
		case Closing:
			s.setState(WillReopen)
		}
		s.log.Trace("busy, retrying open later", logger.String("state", s.CurrentState().String()))
		s.asyncOpLater("increment open busy", func(ctx context.Context) {
			s.incrementOpen(ctx, req, cb)
		})
		return
	}

	if s.CurrentState() == CanReopen {
		s.setState(Closed)
	}

	if !s.canOpenFile() {
		s.incrementLoad(ctx, req, cb)
		return
	}

	s.setStateFrom(Closed, Opening)
	s.hooks.OpenFile(ctx, func(err error) {
		s.asyncOp("open done", func(ctx context.Context) {
			if err != nil {
				s.reportHookFailure("open", err)
				if s.CurrentState() == Opening {
					s.setState(Closed)
				} else {
					s.log.Warn("open failed in unexpected state", logger.String("state", s.CurrentState().String()))
				}
			} else if s.CurrentState() == Opening {
				s.setState(Opened)
			} else {
				s.log.Warn("open succeeded in unexpected state", logger.String("state", s.CurrentState().String()))
			}
			s.incrementLoad(ctx, req, cb)
		})
	})
}

func (s *State) incrementLoad(ctx context.Context, req request, cb func(bool)) {
	if s.isBusy() {
		switch s.CurrentState() {
		case Unloading:
			s.setState(WillReload)
		case Closing:
			s.setState(WillReopen)
		}
		s.log.Trace("busy, restarting increment later", logger.String("state", s.CurrentState().String()))
		s.asyncOpLater("increment load busy", func(ctx context.Context) {
			s.incrementOpen(ctx, req, cb)
		})
		return
	}

	if s.CurrentState() == CanReload {
		s.setState(Opened)
	}

	if !s.canLoadInEngine() {
		s.incrementDone(ctx, req, cb)
		return
	}

	s.setStateFrom(Opened, Loading)
	s.hooks.LoadInEngine(ctx, func(err error) {
		s.asyncOp("load done", func(ctx context.Context) {
			if err != nil {
				s.reportHookFailure("load", err)
				if s.CurrentState() == Loading {
					s.setState(Opened)
				} else {
					s.log.Warn("load failed in unexpected state", logger.String("state", s.CurrentState().String()))
				}
			} else if s.CurrentState() == Loading {
				s.setState(Loaded)
			} else {
				s.log.Warn("load succeeded in unexpected state", logger.String("state", s.CurrentState().String()))
			}
			s.incrementDone(ctx, req, cb)
		})
	})
}

func (s *State) incrementDone(ctx context.Context, req request, cb func(bool)) {
	if req.order < s.doneOpOrder {
		s.log.Error("operation completed out of order",
			logger.Int("op_order", req.order), logger.Int("done_order", s.doneOpOrder))
	}

	if s.isBusy() {
		s.asyncOpLater("increment done busy", func(ctx context.Context) {
			s.incrementDone(ctx, req, cb)
		})
		return
	}

	s.processLater()

	if req.order > s.doneOpOrder {
		s.log.Trace("waiting for earlier operations", logger.Int("ahead", req.order-s.doneOpOrder))
		s.asyncOpLater("increment done ordered", func(ctx context.Context) {
			s.incrementDone(ctx, req, cb)
		})
		return
	}

	status := s.CurrentState()
	var ok bool
	if req.origin == OriginStreaming {
		ok = status == Loaded
	} else {
		ok = status == Loaded ||
			(status == Opened && !s.canLoadInEngine()) ||
			(status == Closed && !s.canOpenFile())
	}

	if s.settleReference(req.ref, ok) {
		s.log.Warn("increment failed, releasing reference",
			logger.String("origin", req.origin.String()),
			logger.String("state", status.String()),
			logger.Int32("load_count", s.loadCount.Load()))
		s.decrementLoadCount(req.origin)
		s.decrementUnload(ctx, req, func() { cb(false) })
		return
	}

	s.doneOpOrder++
	if ok {
		s.log.Trace("increment done", logger.String("origin", req.origin.String()))
	} else {
		s.log.Debug("increment aborted, reference already released",
			logger.String("origin", req.origin.String()),
			logger.String("state", status.String()))
	}
	cb(ok)
}

// releaseReference takes one reference of origin away from its owner,
// preferring references whose increment already succeeded over pending ones.
// It reports false when no reference of origin is held.
func (s *State) releaseReference(origin Origin) bool {
	if s.held[origin] > 0 {
		s.held[origin]--
		return true
	}
	for _, ref := range s.pending {
		if ref.origin == origin && !ref.released {
			ref.released = true
			return true
		}
	}
	return false
}

// settleReference records the outcome of an increment and reports whether
// its reference must be rolled back
func (s *State) settleReference(ref *reference, ok bool) bool {
	s.pending = slices.DeleteFunc(s.pending, func(r *reference) bool { return r == ref })
	switch {
	case ref.released:
		return false
	case ok:
		s.held[ref.origin]++
		return false
	default:
		ref.released = true
		return true
	}
}

func (s *State) decrementUnload(ctx context.Context, req request, finish func()) {
	if s.isBusy() {
		s.asyncOpLater("decrement unload busy", func(ctx context.Context) {
			s.decrementUnload(ctx, req, finish)
		})
		return
	}

	if !s.canUnloadFromEngine() {
		s.decrementClose(ctx, req, finish)
		return
	}

	s.setState(Unloading)
	s.hooks.UnloadFromEngine(ctx, func(result UnloadResult) {
		s.asyncOp("unload done", func(ctx context.Context) {
			s.decrementUnloadCallback(ctx, req, finish, s.applyUnloadResult(result))
		})
	})
}

// applyUnloadResult moves the state after an unload hook and reports whether
// the unload must be retried
func (s *State) applyUnloadResult(result UnloadResult) OpResult {
	status := s.CurrentState()
	if status != Unloading && status != WillReload {
		s.log.Warn("unload finished in unexpected state",
			logger.String("state", status.String()), logger.String("result", result.String()))
		return OpDone
	}

	switch result {
	case UnloadDeferred:
		if status == WillReload {
			s.setState(Loaded)
			return OpDone
		}
		return OpDeferred
	case UnloadClosedFile:
		if status == Unloading {
			s.setState(Closed)
		} else {
			s.setState(CanReopen)
			s.processLater()
		}
	default:
		if status == Unloading {
			s.setState(Opened)
		} else {
			s.setState(CanReload)
			s.processLater()
		}
	}
	return OpDone
}

func (s *State) decrementUnloadCallback(ctx context.Context, req request, finish func(), result OpResult) {
	if result == OpDone {
		s.decrementClose(ctx, req, finish)
		return
	}

	switch s.CurrentState() {
	case WillReload:
		s.setState(Loaded)
		s.decrementDone(ctx, req, finish)
	case Unloading:
		s.setState(Loaded)
		currentMetrics().RecordDeferredRetry("unload")
		s.log.Debug("unload deferred by engine")
		s.asyncOpLater("decrement unload deferred", func(ctx context.Context) {
			s.decrementUnload(ctx, req, finish)
		})
	default:
		s.log.Warn("deferred unload in unexpected state", logger.String("state", s.CurrentState().String()))
		s.decrementClose(ctx, req, finish)
	}
}

func (s *State) decrementClose(ctx context.Context, req request, finish func()) {
	if s.isBusy() {
		s.asyncOpLater("decrement close busy", func(ctx context.Context) {
			s.decrementClose(ctx, req, finish)
		})
		return
	}

	if !s.canCloseFile() {
		s.decrementDone(ctx, req, finish)
		return
	}

	s.setState(Closing)
	s.hooks.CloseFile(ctx, func(result OpResult) {
		s.asyncOp("close done", func(ctx context.Context) {
			s.decrementCloseCallback(ctx, req, finish, s.applyCloseResult(result))
		})
	})
}

func (s *State) applyCloseResult(result OpResult) OpResult {
	status := s.CurrentState()
	if status != Closing && status != WillReopen {
		s.log.Warn("close finished in unexpected state", logger.String("state", status.String()))
		return OpDone
	}

	if result == OpDeferred {
		if status == WillReopen {
			s.setState(Opened)
			return OpDone
		}
		return OpDeferred
	}

	if status == Closing {
		s.setState(Closed)
	} else {
		s.setState(CanReopen)
		s.processLater()
	}
	return OpDone
}

func (s *State) decrementCloseCallback(ctx context.Context, req request, finish func(), result OpResult) {
	if result == OpDone {
		s.decrementDone(ctx, req, finish)
		return
	}

	switch s.CurrentState() {
	case WillReopen:
		s.setState(Opened)
		s.decrementDone(ctx, req, finish)
	case Closing:
		s.setState(Opened)
		currentMetrics().RecordDeferredRetry("close")
		s.log.Debug("close deferred")
		s.asyncOpLater("decrement close deferred", func(ctx context.Context) {
			s.decrementClose(ctx, req, finish)
		})
	default:
		s.log.Warn("deferred close in unexpected state", logger.String("state", s.CurrentState().String()))
		s.decrementClose(ctx, req, finish)
	}
}

func (s *State) decrementDone(ctx context.Context, req request, finish func()) {
	if req.order < s.doneOpOrder {
		s.log.Error("operation completed out of order",
			logger.Int("op_order", req.order), logger.Int("done_order", s.doneOpOrder))
	}

	if s.isBusy() {
		s.asyncOpLater("decrement done busy", func(ctx context.Context) {
			s.decrementDone(ctx, req, finish)
		})
		return
	}

	s.processLater()

	if req.order > s.doneOpOrder {
		s.log.Trace("waiting for earlier operations", logger.Int("ahead", req.order-s.doneOpOrder))
		s.asyncOpLater("decrement done ordered", func(ctx context.Context) {
			s.decrementDone(ctx, req, finish)
		})
		return
	}

	s.doneOpOrder++
	s.openedInstances.Add(-1)
	s.log.Trace("decrement done", logger.String("origin", req.origin.String()))
	finish()
}

// unbalancedDone completes a decrement that had nothing to release while
// keeping completion order
func (s *State) unbalancedDone(ctx context.Context, req request, cb func()) {
	if s.isBusy() {
		s.asyncOpLater("unbalanced done busy", func(ctx context.Context) {
			s.unbalancedDone(ctx, req, cb)
		})
		return
	}

	s.processLater()

	if req.order > s.doneOpOrder {
		s.asyncOpLater("unbalanced done ordered", func(ctx context.Context) {
			s.unbalancedDone(ctx, req, cb)
		})
		return
	}

	s.doneOpOrder++
	cb()
}

func (s *State) incrementLoadCount(origin Origin) {
	if origin == OriginStreaming {
		s.streamingCount.Add(1)
	}
	count := s.loadCount.Add(1)
	s.log.Trace("load count incremented",
		logger.Int32("load_count", count), logger.Int32("streaming_count", s.streamingCount.Load()))
}

func (s *State) decrementLoadCount(origin Origin) {
	if origin == OriginStreaming {
		s.streamingCount.Add(-1)
	}
	count := s.loadCount.Add(-1)
	s.log.Trace("load count decremented",
		logger.Int32("load_count", count), logger.Int32("streaming_count", s.streamingCount.Load()))
}

func (s *State) isBusy() bool {
	return s.CurrentState().IsBusy()
}

func (s *State) canOpenFile() bool {
	return s.CurrentState() == Closed && s.loadCount.Load() > 0
}

func (s *State) canLoadInEngine() bool {
	return s.CurrentState() == Opened && (!s.streamed || s.streamingCount.Load() > 0)
}

func (s *State) canUnloadFromEngine() bool {
	if s.CurrentState() != Loaded {
		return false
	}
	if s.streamed {
		return s.streamingCount.Load() == 0
	}
	return s.loadCount.Load() == 0
}

func (s *State) canCloseFile() bool {
	return s.CurrentState() == Opened && s.loadCount.Load() == 0
}

func (s *State) setState(next Status) {
	prev := Status(s.state.Swap(uint32(next)))
	if prev == next {
		return
	}
	currentMetrics().RecordTransition(prev.String(), next.String())
	s.log.Trace("state changed", logger.String("from", prev.String()), logger.String("to", next.String()))
}

// setStateFrom changes state, reporting a broken invariant if the current
// state is not expected
func (s *State) setStateFrom(expected, next Status) {
	if current := s.CurrentState(); current != expected {
		err := errors.Newf("state %s -> %s, expected %s", current, next, expected).
			Component("resource").
			Category(errors.CategoryState).
			Priority(errors.PriorityCritical).
			Context("resource", s.name).
			Context("kind", s.kind).
			Build()
		s.log.Error("unexpected state transition", logger.Error(err))
	}
	s.setState(next)
}

func (s *State) reportHookFailure(hook string, err error) {
	currentMetrics().RecordHookFailure(s.kind, hook)
	category := errors.CategoryOpenFailed
	if hook == "load" {
		category = errors.CategoryLoadFailed
	}
	enhanced := errors.New(err).
		Component("resource").
		Category(category).
		Context("resource", s.name).
		Context("kind", s.kind).
		Build()
	s.log.Warn("hook failed", logger.String("hook", hook), logger.Error(enhanced))
}

func (s *State) asyncOp(name string, op execqueue.Op) {
	q := s.queue.Load()
	if q == nil {
		op(context.Background())
		return
	}
	q.Async(name, op)
}

func (s *State) asyncOpLater(name string, op execqueue.Op) {
	s.registerRecurringCallback()
	s.later = append(s.later, laterOp{name: name, op: op})
}

func (s *State) processLater() {
	if len(s.later) == 0 {
		return
	}
	ops := s.later
	s.later = nil
	for _, item := range ops {
		s.asyncOp(item.name, item.op)
	}
	s.log.Trace("requeued later operations", logger.Int("count", len(ops)))
}

func (s *State) registerRecurringCallback() {
	if s.ticker == nil || s.recurringRegistered.Swap(true) {
		return
	}
	s.ticker.AsyncDefer(func(context.Context) execqueue.DeferResult {
		s.asyncOp("recurring", func(context.Context) {
			s.processLater()
			s.recurringRegistered.Store(false)
		})
		return execqueue.Done
	})
}
