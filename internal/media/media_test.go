package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/resource"
	"github.com/tphakala/bankstream/internal/testutil"
)

func readFile(t *testing.T, src StreamSource, offset, size int64) []byte {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	src.ReadFile(offset, size, filecache.PriorityNormal, func(data []byte, err error) { ch <- result{data, err} })
	res := testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "read did not complete")
	require.NoError(t, res.err)
	return res.data
}

func TestInMemoryMediaLoadAndUnload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wavData := testutil.WriteWAV(t, f.root, "voice.wav", 4800)
	s := f.state(t, descriptor.Descriptor{ID: 1, Name: "voice", Path: "voice.wav", Kind: descriptor.KindMedia})

	require.True(t, increment(t, s, resource.OriginLoad))
	assert.Equal(t, resource.Loaded, s.CurrentState())

	entry, ok := f.engine.Lookup(descriptor.KindMedia, 1)
	require.True(t, ok)
	assert.Equal(t, engine.FormatWAV, entry.Format)
	assert.Equal(t, len(wavData), entry.Size)
	f.released(t)

	decrement(t, s, resource.OriginLoad)
	assert.Equal(t, resource.Closed, s.CurrentState())
	assert.Equal(t, 0, f.engine.Len())
}

func TestMemoryMediaSkipsFileCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.state(t, descriptor.Descriptor{
		ID: 2, Name: "beep", Kind: descriptor.KindMedia,
		Memory: true, Data: testutil.WAVBytes(t, 48000, 480),
	})

	require.True(t, increment(t, s, resource.OriginLoad))
	assert.Equal(t, resource.Loaded, s.CurrentState())
	assert.Equal(t, 0, f.files.OpenHandles())

	decrement(t, s, resource.OriginLoad)
	assert.Equal(t, resource.Closed, s.CurrentState())
}

func TestMemoryMediaWithoutDataFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.state(t, descriptor.Descriptor{ID: 3, Kind: descriptor.KindMedia, Memory: true})

	assert.False(t, increment(t, s, resource.OriginLoad))
	assert.Equal(t, resource.Closed, s.CurrentState())
	assert.Equal(t, 0, s.LoadCount())
}

func TestStreamedMediaLoadsWithStreamingReference(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	payload := patterned(8192)
	f.write(t, "music.wem", payload)
	s := f.state(t, descriptor.Descriptor{
		ID: 4, Name: "music", Path: "music.wem", Kind: descriptor.KindMedia,
		Streaming: true, PrefetchSize: 256,
	})
	src, ok := s.Hooks().(StreamSource)
	require.True(t, ok)
	assert.True(t, s.IsStreamed())

	require.True(t, increment(t, s, resource.OriginLoad))
	assert.Equal(t, resource.Opened, s.CurrentState())
	assert.Equal(t, 0, f.engine.Len())
	assert.Equal(t, 1, f.files.OpenHandles())

	require.True(t, increment(t, s, resource.OriginStreaming))
	assert.Equal(t, resource.Loaded, s.CurrentState())
	entry, ok := f.engine.Lookup(descriptor.KindMedia, 4)
	require.True(t, ok)
	assert.True(t, entry.Streamed)
	assert.Equal(t, 256, entry.Size)

	assert.Equal(t, int64(len(payload)), src.Size())
	head, ok := src.Prefetched(0, 128)
	require.True(t, ok)
	assert.Equal(t, payload[:128], head)
	_, ok = src.Prefetched(200, 100)
	assert.False(t, ok)
	assert.Equal(t, payload[4096:4196], readFile(t, src, 4096, 100))

	decrement(t, s, resource.OriginStreaming)
	assert.Equal(t, resource.Opened, s.CurrentState())
	assert.Equal(t, 0, f.engine.Len())

	decrement(t, s, resource.OriginLoad)
	assert.Equal(t, resource.Closed, s.CurrentState())
	f.released(t)
}

func TestStreamedMediaZeroPrefetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "ambience.wem", patterned(1024))
	s := f.state(t, descriptor.Descriptor{
		ID: 5, Path: "ambience.wem", Kind: descriptor.KindMedia, Streaming: true,
	})

	require.True(t, increment(t, s, resource.OriginStreaming))
	assert.Equal(t, resource.Loaded, s.CurrentState())

	entry, ok := f.engine.Lookup(descriptor.KindMedia, 5)
	require.True(t, ok)
	assert.Equal(t, engine.FormatStream, entry.Format)

	decrement(t, s, resource.OriginStreaming)
	assert.Equal(t, resource.Closed, s.CurrentState())
	f.released(t)
}

func TestMissingFileFailsIncrement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.state(t, descriptor.Descriptor{ID: 6, Path: "missing.wav", Kind: descriptor.KindMedia})

	assert.False(t, increment(t, s, resource.OriginLoad))
	assert.Equal(t, resource.Closed, s.CurrentState())
	assert.True(t, s.CanDelete())
}

func TestEngineRejectionClosesFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "garbage.wav", []byte("definitely not a wav file"))
	s := f.state(t, descriptor.Descriptor{ID: 7, Path: "garbage.wav", Kind: descriptor.KindMedia})

	assert.False(t, increment(t, s, resource.OriginLoad))
	assert.Equal(t, resource.Closed, s.CurrentState())
	assert.Equal(t, 0, f.engine.Len())
	f.released(t)
}

func TestUnloadDeferredWhilePinned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteWAV(t, f.root, "hit.wav", 480)
	s := f.state(t, descriptor.Descriptor{ID: 8, Path: "hit.wav", Kind: descriptor.KindMedia})

	require.True(t, increment(t, s, resource.OriginLoad))
	require.NoError(t, f.engine.Pin(descriptor.KindMedia, 8))

	done := decrementAsync(s, resource.OriginLoad)
	testutil.AssertNoValue(t, done, 50*time.Millisecond, "unload must wait for the pin")
	assert.Equal(t, 1, f.engine.Len())

	f.engine.Unpin(t.Context(), descriptor.KindMedia, 8)
	testutil.WaitForChannel(t, done, testutil.DefaultTestTimeout, "unload was not retried")
	assert.Equal(t, resource.Closed, s.CurrentState())
	assert.Equal(t, 0, f.engine.Len())
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.factory.Create(descriptor.Descriptor{ID: 9, Kind: descriptor.Kind(42)})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestFactoryBuildsKindHooks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		kind descriptor.Kind
		want any
	}{
		{descriptor.KindMedia, &MediaHooks{}},
		{descriptor.KindSoundBank, &SoundBankHooks{}},
		{descriptor.KindExternalSource, &ExternalSourceHooks{}},
	}
	for _, tt := range tests {
		hooks, err := f.factory.Hooks(descriptor.Descriptor{ID: 1, Kind: tt.kind})
		require.NoError(t, err)
		assert.IsType(t, tt.want, hooks, tt.kind.String())
	}
}
