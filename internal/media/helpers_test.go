package media

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
	"github.com/tphakala/bankstream/internal/resource"
	"github.com/tphakala/bankstream/internal/testutil"
)

const testGranularity = 2048

type fixture struct {
	root    string
	engine  *engine.Engine
	files   *filecache.Cache
	factory *Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := testutil.DiscardLogger()
	root := t.TempDir()
	eng := engine.New(conf.EngineSettings{TickInterval: time.Millisecond},
		engine.WithLogger(log), engine.WithGranularity(testGranularity))
	files := filecache.New(conf.FileCacheSettings{Root: root, StatTTL: time.Minute}, filecache.WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { eng.Run(ctx) })

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		files.Close()
		eng.Close()
	})

	return &fixture{
		root:    root,
		engine:  eng,
		files:   files,
		factory: NewFactory(eng, files, WithLogger(log), WithTermWait(time.Millisecond, 50)),
	}
}

func (f *fixture) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, name), data, 0o600))
}

func (f *fixture) state(t *testing.T, desc descriptor.Descriptor) *resource.State {
	t.Helper()
	s, err := f.factory.Create(desc)
	require.NoError(t, err)
	t.Cleanup(s.Term)
	return s
}

func (f *fixture) released(t *testing.T) {
	t.Helper()
	testutil.Eventually(t, func() bool { return f.files.OpenHandles() == 0 },
		testutil.DefaultTestTimeout, "file handles were not released")
}

func increment(t *testing.T, s *resource.State, origin resource.Origin) bool {
	t.Helper()
	ch := make(chan bool, 1)
	s.IncrementCountAsync(origin, func(ok bool) { ch <- ok })
	return testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "increment did not complete")
}

func decrementAsync(s *resource.State, origin resource.Origin) <-chan struct{} {
	done := make(chan struct{})
	s.DecrementCountAsync(origin, nil, func() { close(done) })
	return done
}

func decrement(t *testing.T, s *resource.State, origin resource.Origin) {
	t.Helper()
	testutil.WaitForChannel(t, decrementAsync(s, origin), testutil.DefaultTestTimeout, "decrement did not complete")
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}
