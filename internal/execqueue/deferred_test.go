package execqueue

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/bankstream/internal/testutil"
)

func newTestDeferredQueue(t *testing.T) *DeferredQueue {
	t.Helper()
	d := NewDeferredQueue(t.Name(), WithLogger(testutil.DiscardLogger()))
	t.Cleanup(d.Close)
	return d
}

func TestDeferredKeepRunningUntilDone(t *testing.T) {
	t.Parallel()

	d := newTestDeferredQueue(t)

	var calls atomic.Int32
	d.AsyncDefer(func(context.Context) DeferResult {
		if calls.Add(1) < 3 {
			return KeepRunning
		}
		return Done
	})

	for range 5 {
		d.Run(context.Background())
		d.Wait()
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, d.Len())
}

func TestDeferredAsyncRunsOnQueue(t *testing.T) {
	t.Parallel()

	d := newTestDeferredQueue(t)

	onQueue := make(chan bool, 1)
	d.AsyncDefer(func(ctx context.Context) DeferResult {
		onQueue <- d.queue.IsRunningIn(ctx)
		return Done
	})
	d.Run(context.Background())

	assert.True(t, testutil.WaitForValue(t, onQueue, testutil.DefaultTestTimeout, "deferred callback did not run"))
}

func TestDeferredRunWhileDrainingIsNoop(t *testing.T) {
	t.Parallel()

	d := newTestDeferredQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	d.AsyncDefer(func(context.Context) DeferResult {
		close(started)
		<-release
		return Done
	})
	d.Run(context.Background())
	testutil.WaitForChannel(t, started, testutil.DefaultTestTimeout, "first batch did not start")

	var second atomic.Int32
	d.AsyncDefer(func(context.Context) DeferResult {
		second.Add(1)
		return Done
	})
	d.Run(context.Background())

	close(release)
	d.Wait()
	assert.Equal(t, int32(0), second.Load(), "Run during a drain must not start a new batch")
	assert.Equal(t, 1, d.Len())

	d.Run(context.Background())
	d.Wait()
	assert.Equal(t, int32(1), second.Load())
}

func TestDeferredSyncRunsInline(t *testing.T) {
	t.Parallel()

	d := newTestDeferredQueue(t)

	calls := 0
	d.SyncDefer(func(context.Context) DeferResult {
		calls++
		if calls == 1 {
			return KeepRunning
		}
		return Done
	})

	d.Run(context.Background())
	assert.Equal(t, 1, calls)
	d.Run(context.Background())
	assert.Equal(t, 2, calls)
	d.Run(context.Background())
	assert.Equal(t, 2, calls)
}

func TestDeferredOnSyncRunSubscribers(t *testing.T) {
	t.Parallel()

	d := newTestDeferredQueue(t)

	var notified atomic.Int32
	unsubscribe := d.OnSyncRun(func() { notified.Add(1) })

	d.Run(context.Background())
	d.Run(context.Background())
	require.Equal(t, int32(2), notified.Load())

	unsubscribe()
	d.Run(context.Background())
	assert.Equal(t, int32(2), notified.Load())
}

func TestDeferredCloseDropsCallbacks(t *testing.T) {
	t.Parallel()

	d := NewDeferredQueue("dropping", WithLogger(testutil.DiscardLogger()))
	d.AsyncDefer(func(context.Context) DeferResult { return KeepRunning })
	d.SyncDefer(func(context.Context) DeferResult { return KeepRunning })
	require.Equal(t, 2, d.Len())

	d.Close()
	assert.Equal(t, 0, d.Len())

	// Run after close executes nothing and does not block
	d.Run(context.Background())
	d.Wait()
}
