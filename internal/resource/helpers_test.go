package resource

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/testutil"
)

const tickInterval = time.Millisecond

var errOpenFailed = errors.New("transient open failure")

// fakeHooks completes every hook on its own goroutine, optionally after a
// latency or once a gate is released
type fakeHooks struct {
	streamed bool
	latency  time.Duration // upper bound of a random delay, 0 for none

	openErr   error
	loadErr   error
	openFails atomic.Int32 // the next n opens fail with errOpenFailed

	unloadDefers atomic.Int32
	closeDefers  atomic.Int32
	unloadResult UnloadResult

	gates   map[string]chan struct{}
	started chan string

	opens, loads, unloads, closes atomic.Int32
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (f *fakeHooks) gate(hook string) chan struct{} {
	ch := make(chan struct{})
	f.gates[hook] = ch
	return ch
}

func (f *fakeHooks) IsStreamed() bool { return f.streamed }

func (f *fakeHooks) run(hook string, complete func()) {
	if _, gated := f.gates[hook]; gated {
		f.started <- hook
	}
	gate := f.gates[hook]
	var delay time.Duration
	if f.latency > 0 {
		delay = rand.N(f.latency) //nolint:gosec // test jitter
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if gate != nil {
			<-gate
		}
		complete()
	}()
}

func (f *fakeHooks) OpenFile(_ context.Context, done func(error)) {
	f.opens.Add(1)
	err := f.openErr
	if f.openFails.Add(-1) >= 0 {
		err = errOpenFailed
	}
	f.run("open", func() { done(err) })
}

func (f *fakeHooks) LoadInEngine(_ context.Context, done func(error)) {
	f.loads.Add(1)
	f.run("load", func() { done(f.loadErr) })
}

func (f *fakeHooks) UnloadFromEngine(_ context.Context, done func(UnloadResult)) {
	f.unloads.Add(1)
	f.run("unload", func() {
		if f.unloadDefers.Add(-1) >= 0 {
			done(UnloadDeferred)
			return
		}
		done(f.unloadResult)
	})
}

func (f *fakeHooks) CloseFile(_ context.Context, done func(OpResult)) {
	f.closes.Add(1)
	f.run("close", func() {
		if f.closeDefers.Add(-1) >= 0 {
			done(OpDeferred)
			return
		}
		done(OpDone)
	})
}

// newTicker returns a deferred queue run every tickInterval until the test
// ends
func newTicker(t *testing.T) *execqueue.DeferredQueue {
	t.Helper()

	d := execqueue.NewDeferredQueue("test ticker", execqueue.WithLogger(testutil.DiscardLogger()))
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.Run(context.Background())
			}
		}
	})

	t.Cleanup(func() {
		close(stop)
		wg.Wait()
		d.Close()
	})
	return d
}

func newTestState(t *testing.T, hooks Hooks) *State {
	t.Helper()
	s := New(t.Name(), hooks,
		WithTicker(newTicker(t)),
		WithLogger(testutil.DiscardLogger()),
		WithTermWait(time.Millisecond, 50),
	)
	t.Cleanup(s.Term)
	return s
}

// increment issues an increment and returns a channel receiving its result
func increment(s *State, origin Origin) <-chan bool {
	ch := make(chan bool, 1)
	s.IncrementCountAsync(origin, func(ok bool) { ch <- ok })
	return ch
}

// decrement issues a decrement and returns a channel closed by its callback.
// deleted receives a value if the delete path was taken.
func decrement(s *State, origin Origin, deleted chan<- Status) <-chan struct{} {
	done := make(chan struct{})
	s.DecrementCountAsync(origin,
		func(cb func()) {
			if deleted != nil {
				deleted <- s.CurrentState()
			}
			cb()
		},
		func() { close(done) },
	)
	return done
}
