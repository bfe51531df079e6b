// Package execqueue provides serial execution queues backed by a single
// on-demand worker.
//
// A Queue runs its ops one at a time in submission order. No goroutine is
// parked while the queue is empty: the first Async after an idle period
// launches a worker, and the worker stops as soon as it finds the FIFO empty.
// Producers and the worker coordinate through a small compare-and-swap ladder
// on the worker state:
//
//	Stopped -> Running         producer launches a worker
//	Running -> AddOp           producer tells the live worker to look again
//	AddOp   -> Running         worker acknowledges and keeps draining
//	Running -> Stopped         worker found nothing to do
//	*       -> Closing         Close or CloseAndDelete was requested
//	Closing -> Closed          worker sealed an empty FIFO
//
// Once the FIFO is sealed, Async runs the op inline on the caller so that
// no work is lost during shutdown.
package execqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// Op is a unit of work. ctx identifies the queue running it, see IsRunningIn.
type Op func(ctx context.Context)

// WorkerState is the state of a queue's worker
type WorkerState uint32

const (
	WorkerStopped WorkerState = iota
	WorkerRunning
	WorkerAddOp
	WorkerClosing
	WorkerClosed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "Stopped"
	case WorkerRunning:
		return "Running"
	case WorkerAddOp:
		return "AddOp"
	case WorkerClosing:
		return "Closing"
	case WorkerClosed:
		return "Closed"
	default:
		return fmt.Sprintf("WorkerState(%d)", uint32(s))
	}
}

// DefaultCloseWarn is how long Close waits before logging a stuck queue
const DefaultCloseWarn = 5 * time.Second

type queuedOp struct {
	name string
	op   Op
}

type queueKey struct{ q *Queue }

// Queue is a serial execution queue
type Queue struct {
	name      string
	label     string
	executor  Executor
	log       logger.Logger
	onDelete  func()
	closeWarn time.Duration

	state atomic.Uint32

	mu     sync.Mutex
	ops    []queuedOp
	sealed bool

	closed           chan struct{}
	deleteOnceClosed atomic.Bool
	deleteOnce       sync.Once
	deleted          atomic.Bool
}

// Option configures a Queue
type Option func(*Queue)

// WithExecutor sets how workers are launched. Defaults to GoExecutor.
func WithExecutor(e Executor) Option {
	return func(q *Queue) {
		if e != nil {
			q.executor = e
		}
	}
}

// WithLogger sets the queue logger
func WithLogger(l logger.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithOnDelete sets the hook run once the queue is Closed after
// CloseAndDelete
func WithOnDelete(fn func()) Option {
	return func(q *Queue) {
		q.onDelete = fn
	}
}

// WithMetricsLabel sets the queue label used for metrics. Defaults to the
// queue name. Queues created per resource should share one label.
func WithMetricsLabel(label string) Option {
	return func(q *Queue) {
		if label != "" {
			q.label = label
		}
	}
}

// WithCloseWarn sets how long Close waits before logging that the queue is
// not draining
func WithCloseWarn(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.closeWarn = d
		}
	}
}

// New creates an idle queue
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:      name,
		label:     name,
		executor:  GoExecutor{},
		closeWarn: DefaultCloseWarn,
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = GetLogger().With(logger.String("queue", name))
	}
	return q
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// State returns the current worker state
func (q *Queue) State() WorkerState {
	return WorkerState(q.state.Load())
}

// IsRunningIn reports whether ctx belongs to an op executing on q
func (q *Queue) IsRunningIn(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return ctx.Value(queueKey{q}) != nil
}

func (q *Queue) bind(ctx context.Context) context.Context {
	if q.IsRunningIn(ctx) {
		return ctx
	}
	return context.WithValue(ctx, queueKey{q}, true)
}

// Async enqueues op. If the queue is closed the op runs inline.
func (q *Queue) Async(name string, op Op) {
	if op == nil {
		return
	}
	if q.deleted.Load() {
		q.reportUseAfterDelete(name)
	}

	m := currentMetrics()

	q.mu.Lock()
	if q.sealed {
		q.mu.Unlock()
		m.RecordInlineFallback(q.label, metrics.ReasonClosing)
		q.log.Trace("queue closed, running op inline", logger.String("op", name))
		q.execute(q.bind(context.Background()), queuedOp{name: name, op: op})
		return
	}
	q.ops = append(q.ops, queuedOp{name: name, op: op})
	q.mu.Unlock()

	m.RecordEnqueued(q.label)
	q.startWorkerIfNeeded()
}

// AsyncWait enqueues op and blocks until it has run. When called from an op
// already running on q it runs op inline. If ctx is cancelled first it
// returns ctx.Err(); the op still runs.
func (q *Queue) AsyncWait(ctx context.Context, name string, op Op) error {
	if op == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if q.IsRunningIn(ctx) {
		currentMetrics().RecordInlineFallback(q.label, metrics.ReasonReentry)
		op(ctx)
		return nil
	}

	done := make(chan struct{})
	q.Async(name, func(opCtx context.Context) {
		defer close(done)
		op(opCtx)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and blocks until it is Closed. It must not be
// called from an op running on q.
func (q *Queue) Close() {
	q.requestClose()
	q.waitClosed()
}

// CloseAndDelete drains the queue in the background and runs the delete
// hook once it is Closed. The queue must not be used afterwards.
func (q *Queue) CloseAndDelete() {
	q.deleteOnceClosed.Store(true)
	q.requestClose()
	if q.State() == WorkerClosed {
		q.runDelete()
	}
}

// Closed returns a channel closed once the queue reaches Closed
func (q *Queue) Closed() <-chan struct{} {
	return q.closed
}

// Len returns the number of queued ops
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) requestClose() {
	q.Async("close", func(context.Context) {
		q.trySetRunningWorkerToClosing()
	})
}

func (q *Queue) waitClosed() {
	timer := time.NewTimer(q.closeWarn)
	defer timer.Stop()

	select {
	case <-q.closed:
		return
	case <-timer.C:
		q.log.Warn("queue still draining on close",
			logger.String("state", q.State().String()),
			logger.Int("pending", q.Len()),
			logger.Duration("waited", q.closeWarn))
	}
	<-q.closed
}

func (q *Queue) trySetRunningWorkerToClosing() {
	for {
		current := WorkerState(q.state.Load())
		switch current {
		case WorkerRunning, WorkerAddOp, WorkerStopped:
			if q.state.CompareAndSwap(uint32(current), uint32(WorkerClosing)) {
				q.log.Debug("queue closing", logger.String("from", current.String()))
				return
			}
		default:
			return
		}
	}
}

func (q *Queue) startWorkerIfNeeded() {
	if q.state.CompareAndSwap(uint32(WorkerRunning), uint32(WorkerAddOp)) {
		return
	}
	if q.state.CompareAndSwap(uint32(WorkerStopped), uint32(WorkerRunning)) {
		currentMetrics().RecordWorkerLaunched(q.label)
		q.executor.Launch(q.name, q.runWorker)
	}
}

func (q *Queue) runWorker() {
	ctx := q.bind(context.Background())
	for {
		for {
			item, ok := q.pop()
			if !ok {
				break
			}
			q.execute(ctx, item)
		}
		if !q.keepWorking() {
			return
		}
	}
}

func (q *Queue) pop() (queuedOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return queuedOp{}, false
	}
	item := q.ops[0]
	q.ops[0] = queuedOp{}
	q.ops = q.ops[1:]
	if len(q.ops) == 0 {
		q.ops = nil
	}
	return item, true
}

// keepWorking decides whether the worker loops again after finding the FIFO
// empty
func (q *Queue) keepWorking() bool {
	if q.state.CompareAndSwap(uint32(WorkerRunning), uint32(WorkerStopped)) {
		return false
	}
	if q.state.CompareAndSwap(uint32(WorkerAddOp), uint32(WorkerRunning)) {
		return true
	}

	state := q.State()
	if state == WorkerClosing {
		q.mu.Lock()
		if len(q.ops) > 0 {
			q.mu.Unlock()
			return true
		}
		q.sealed = true
		q.mu.Unlock()

		if q.state.CompareAndSwap(uint32(WorkerClosing), uint32(WorkerClosed)) {
			close(q.closed)
			currentMetrics().RecordClosed(q.label)
			q.log.Debug("queue closed")
			if q.deleteOnceClosed.Load() {
				q.runDelete()
			}
			return false
		}
		state = q.State()
	}

	q.log.Error("worker found queue in unexpected state", logger.String("state", state.String()))
	return false
}

func (q *Queue) runDelete() {
	q.deleteOnce.Do(func() {
		q.deleted.Store(true)
		if q.onDelete != nil {
			q.onDelete()
		}
	})
}

func (q *Queue) execute(ctx context.Context, item queuedOp) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf("op %q panicked: %v", item.name, r).
				Component("execqueue").
				Category(errors.CategoryQueue).
				Priority(errors.PriorityHigh).
				Context("queue", q.name).
				Build()
			q.log.Error("queued op panicked", logger.String("op", item.name), logger.Error(err))
		}
		currentMetrics().RecordExecuted(q.label, time.Since(start))
	}()
	item.op(ctx)
}

func (q *Queue) reportUseAfterDelete(name string) {
	err := errors.Newf("queue %s used after delete", q.name).
		Component("execqueue").
		Category(errors.CategoryQueue).
		Priority(errors.PriorityCritical).
		Context("op", name).
		Build()
	q.log.Error("queue used after delete", logger.String("op", name), logger.Error(err))
}
