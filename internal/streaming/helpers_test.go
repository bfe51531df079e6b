package streaming

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/media"
	"github.com/tphakala/bankstream/internal/registry"
	"github.com/tphakala/bankstream/internal/resource"
	"github.com/tphakala/bankstream/internal/testutil"
)

// gatedMedia holds OpenFile or CloseFile until its gate is closed
type gatedMedia struct {
	*media.MediaHooks
	openGate  chan struct{}
	closeGate chan struct{}
	closing   chan struct{}
}

func (g *gatedMedia) OpenFile(ctx context.Context, done func(error)) {
	if g.openGate == nil {
		g.MediaHooks.OpenFile(ctx, done)
		return
	}
	go func() {
		<-g.openGate
		g.MediaHooks.OpenFile(ctx, done)
	}()
}

func (g *gatedMedia) CloseFile(ctx context.Context, done func(resource.OpResult)) {
	if g.closeGate == nil {
		g.MediaHooks.CloseFile(ctx, done)
		return
	}
	close(g.closing)
	go func() {
		<-g.closeGate
		g.MediaHooks.CloseFile(ctx, done)
	}()
}

// gatedFactory wraps media hooks of the IDs it has gates for
type gatedFactory struct {
	inner *media.Factory
	eng   *engine.Engine
	files *filecache.Cache

	mu    sync.Mutex
	gated map[uint32]*gatedMedia
}

func (f *gatedFactory) gate(id uint32, open, closeFile bool) *gatedMedia {
	g := &gatedMedia{closing: make(chan struct{})}
	if open {
		g.openGate = make(chan struct{})
	}
	if closeFile {
		g.closeGate = make(chan struct{})
	}
	f.mu.Lock()
	f.gated[id] = g
	f.mu.Unlock()
	return g
}

func (f *gatedFactory) Create(desc descriptor.Descriptor) (*resource.State, error) {
	f.mu.Lock()
	g, ok := f.gated[desc.ID]
	f.mu.Unlock()
	if !ok {
		return f.inner.Create(desc)
	}

	g.MediaHooks = media.NewMediaHooks(desc, f.files, f.eng, testutil.DiscardLogger())
	return resource.New(desc.String(), g,
		resource.WithTicker(f.eng.Deferred()),
		resource.WithKind(desc.Kind.String()),
		resource.WithLogger(testutil.DiscardLogger()),
		resource.WithTermWait(time.Millisecond, 50),
	), nil
}

type fixture struct {
	root     string
	engine   *engine.Engine
	files    *filecache.Cache
	factory  *gatedFactory
	registry *registry.Registry
	bridge   *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := testutil.DiscardLogger()
	root := t.TempDir()

	eng := engine.New(conf.EngineSettings{TickInterval: time.Millisecond},
		engine.WithLogger(log), engine.WithGranularity(1024))
	files := filecache.New(conf.FileCacheSettings{Root: root, StatTTL: time.Minute}, filecache.WithLogger(log))
	factory := &gatedFactory{
		inner: media.NewFactory(eng, files, media.WithLogger(log), media.WithTermWait(time.Millisecond, 50)),
		eng:   eng,
		files: files,
		gated: make(map[uint32]*gatedMedia),
	}
	reg := registry.New(conf.QueueSettings{}, factory, registry.WithLogger(log))
	bridge := New(conf.StreamingSettings{WriteRoot: filepath.Join(root, "out"), WriteBuffer: 64}, reg, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { eng.Run(ctx) })

	t.Cleanup(func() {
		_ = bridge.CloseAll()
		testutil.Eventually(t, func() bool { return reg.Len() == 0 }, testutil.DefaultTestTimeout, "resources still registered")
		_ = reg.Shutdown(context.Background())
		cancel()
		wg.Wait()
		files.Close()
		eng.Close()
	})

	return &fixture{root: root, engine: eng, files: files, factory: factory, registry: reg, bridge: bridge}
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name), data, 0o600))
}

func (f *fixture) streamedMedia(t *testing.T, id uint32, size int, prefetch int64) (descriptor.Descriptor, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	name := filepath.Base(t.Name()) + ".wem"
	f.write(t, name, data)
	return descriptor.Descriptor{
		ID: id, Name: name, Path: name, Kind: descriptor.KindMedia,
		Streaming: true, PrefetchSize: prefetch,
	}, data
}

type readOutcome struct {
	data []byte
	err  error
}

func read(t *testing.T, b *Bridge, h Handle, req ReadRequest) readOutcome {
	t.Helper()
	ch := make(chan readOutcome, 1)
	require.NoError(t, b.Read(h, req, func(data []byte, err error) { ch <- readOutcome{data, err} }))
	return testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "read did not complete")
}
