package media

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/testutil"
)

func writeSync(t *testing.T, w *WriteState, offset int64, data []byte) error {
	t.Helper()
	ch := make(chan error, 1)
	w.Write(offset, data, func(err error) { ch <- err })
	return testutil.WaitForValue(t, ch, testutil.DefaultTestTimeout, "write did not complete")
}

func openTestWrite(t *testing.T, bufferSize int) (*WriteState, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "captures", "out.bin")
	w, err := OpenWrite(path, bufferSize, testutil.DiscardLogger())
	require.NoError(t, err)
	return w, path
}

func TestWriteSequentialIsBuffered(t *testing.T) {
	t.Parallel()

	w, path := openTestWrite(t, 64)

	require.NoError(t, writeSync(t, w, 0, []byte("hello ")))
	require.NoError(t, writeSync(t, w, 6, []byte("world")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "small sequential writes stay in the buffer")

	require.NoError(t, w.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11), w.Written())
}

func TestWriteFlushesWhenBufferFills(t *testing.T) {
	t.Parallel()

	w, path := openTestWrite(t, 16)
	chunk := bytes.Repeat([]byte{'a'}, 10)

	require.NoError(t, writeSync(t, w, 0, chunk))
	require.NoError(t, writeSync(t, w, 10, chunk))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())

	require.NoError(t, w.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'a'}, 20), data)
}

func TestWriteAtOtherOffset(t *testing.T) {
	t.Parallel()

	w, path := openTestWrite(t, 32)

	require.NoError(t, writeSync(t, w, 0, []byte("0123456789")))
	require.NoError(t, writeSync(t, w, 2, []byte("ab")))
	require.NoError(t, writeSync(t, w, 12, []byte("end")))

	require.NoError(t, w.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "01ab456789\x00\x00end", string(data))
}

func TestWriteLargerThanBuffer(t *testing.T) {
	t.Parallel()

	w, path := openTestWrite(t, 8)
	big := patterned(100)

	require.NoError(t, writeSync(t, w, 0, []byte("head")))
	require.NoError(t, writeSync(t, w, 4, big))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("head"), big...), data)
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	w, _ := openTestWrite(t, 8)
	require.NoError(t, w.Close())

	require.ErrorIs(t, writeSync(t, w, 0, []byte("late")), ErrWriteClosed)
	require.ErrorIs(t, w.Close(), ErrWriteClosed)
}

func TestWriteRejectsNegativeOffset(t *testing.T) {
	t.Parallel()

	w, _ := openTestWrite(t, 8)
	defer func() { require.NoError(t, w.Close()) }()

	require.ErrorIs(t, writeSync(t, w, -1, []byte("x")), ErrInvalidWrite)
}

func TestOpenWriteValidatesBufferSize(t *testing.T) {
	t.Parallel()

	_, err := OpenWrite(filepath.Join(t.TempDir(), "x.bin"), 0, testutil.DiscardLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
