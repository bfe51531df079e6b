package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/resource"
	"github.com/tphakala/bankstream/internal/testutil"
)

// bankHooks complete every step on a fresh goroutine
type bankHooks struct {
	openErr error
}

func (h *bankHooks) OpenFile(_ context.Context, done func(error)) { go done(h.openErr) }
func (h *bankHooks) LoadInEngine(_ context.Context, done func(error)) { go done(nil) }
func (h *bankHooks) UnloadFromEngine(_ context.Context, done func(resource.UnloadResult)) {
	go done(resource.UnloadDone)
}
func (h *bankHooks) CloseFile(_ context.Context, done func(resource.OpResult)) {
	go done(resource.OpDone)
}

// streamHooks load into the engine only while streamed
type streamHooks struct {
	bankHooks
}

func (h *streamHooks) IsStreamed() bool { return true }

type testFactory struct {
	ticker    *execqueue.DeferredQueue
	createErr error
	openErr   error
	created   atomic.Int32
}

func (f *testFactory) Create(desc descriptor.Descriptor) (*resource.State, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created.Add(1)

	var hooks resource.Hooks = &bankHooks{openErr: f.openErr}
	if desc.Streaming {
		hooks = &streamHooks{bankHooks{openErr: f.openErr}}
	}
	return resource.New(desc.String(), hooks,
		resource.WithTicker(f.ticker),
		resource.WithKind(desc.Kind.String()),
		resource.WithLogger(testutil.DiscardLogger()),
		resource.WithTermWait(time.Millisecond, 50),
	), nil
}

func newTicker(t *testing.T) *execqueue.DeferredQueue {
	t.Helper()

	d := execqueue.NewDeferredQueue("test ticker", execqueue.WithLogger(testutil.DiscardLogger()))
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(time.Millisecond)
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

type recordingHandler struct {
	mu         sync.Mutex
	violations []Violation
}

func (h *recordingHandler) handle(v Violation) {
	h.mu.Lock()
	h.violations = append(h.violations, v)
	h.mu.Unlock()
}

func (h *recordingHandler) recorded() []Violation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Violation(nil), h.violations...)
}

func newTestRegistry(t *testing.T, factory *testFactory, opts ...Option) *Registry {
	t.Helper()
	if factory.ticker == nil {
		factory.ticker = newTicker(t)
	}
	opts = append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)
	r := New(conf.QueueSettings{CloseWait: time.Second}, factory, opts...)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func load(t *testing.T, r *Registry, desc descriptor.Descriptor) bool {
	t.Helper()
	ch := make(chan bool, 1)
	r.Load(desc, func(ok bool) { ch <- ok })
	return testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "load did not complete")
}

func acquire(t *testing.T, r *Registry, desc descriptor.Descriptor, origin resource.Origin) bool {
	t.Helper()
	ch := make(chan bool, 1)
	r.Acquire(desc, origin, func(ok bool) { ch <- ok })
	return testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "acquire did not complete")
}

func unload(t *testing.T, r *Registry, desc descriptor.Descriptor) error {
	t.Helper()
	ch := make(chan error, 1)
	r.UnloadWithResult(desc, func(err error) { ch <- err })
	return testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "unload did not complete")
}

func waitLen(t *testing.T, r *Registry, n int) {
	t.Helper()
	testutil.Eventually(t, func() bool { return r.Len() == n }, testutil.DefaultTestTimeout, "unexpected registry size")
}

func bank(id uint32, name string) descriptor.Descriptor {
	return descriptor.Descriptor{ID: id, Name: name, Path: name + ".bnk", Kind: descriptor.KindSoundBank}
}

func stream(id uint32, name string) descriptor.Descriptor {
	return descriptor.Descriptor{ID: id, Name: name, Path: name + ".wem", Kind: descriptor.KindMedia, Streaming: true}
}

func requireState(t *testing.T, r *Registry, id uint32) *resource.State {
	t.Helper()
	s, ok := r.Lookup(id)
	require.True(t, ok, "state %d not registered", id)
	return s
}
