package testutil

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

// WAVBytes encodes a mono 16-bit sine wave of numSamples samples
func WAVBytes(t *testing.T, sampleRate, numSamples int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	data := make([]int, numSamples)
	for i := range data {
		data[i] = int(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)) * math.MaxInt16 / 2)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	return out
}

// WriteWAV writes a WAV fixture under dir and returns its bytes
func WriteWAV(t *testing.T, dir, name string, numSamples int) []byte {
	t.Helper()
	data := WAVBytes(t, 48000, numSamples)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	return data
}

// FLACHeader returns a FLAC stream marker and a lone STREAMINFO block
func FLACHeader(sampleRate, channels, bitsPerSample int, totalSamples uint64) []byte {
	const streamInfoLen = 34

	b := make([]byte, 0, 4+4+streamInfoLen)
	b = append(b, 'f', 'L', 'a', 'C')
	// last metadata block, type STREAMINFO
	b = append(b, 0x80, 0, 0, streamInfoLen)

	info := make([]byte, streamInfoLen)
	binary.BigEndian.PutUint16(info[0:2], 4096)
	binary.BigEndian.PutUint16(info[2:4], 4096)
	packed := uint64(sampleRate)<<44 | //nolint:gosec // fixture values are small
		uint64(channels-1)<<41 | //nolint:gosec // fixture values are small
		uint64(bitsPerSample-1)<<36 | //nolint:gosec // fixture values are small
		totalSamples&(1<<36-1)
	binary.BigEndian.PutUint64(info[10:18], packed)

	return append(b, info...)
}
