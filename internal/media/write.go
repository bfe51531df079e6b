package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/logger"
)

// WriteState is a file opened for streaming writes. Sequential writes are
// collected in a ring buffer and flushed when the buffer fills, when a
// write jumps to another offset, and on Close. All file access runs on a
// private queue.
type WriteState struct {
	path  string
	file  *os.File
	buf   *ringbuffer.RingBuffer
	pos   int64 // file offset of the first buffered byte
	queue *execqueue.Queue
	log   logger.Logger

	closed  atomic.Bool
	written atomic.Int64
}

// OpenWrite creates or truncates path for writing
func OpenWrite(path string, bufferSize int, log logger.Logger) (*WriteState, error) {
	if log == nil {
		log = GetLogger()
	}
	if bufferSize <= 0 {
		return nil, errors.Newf("write buffer size must be positive, got %d", bufferSize).
			Component("media").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, writeError(err, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, writeError(err, path)
	}

	log = log.With(logger.String("path", path))
	return &WriteState{
		path:  path,
		file:  f,
		buf:   ringbuffer.New(bufferSize),
		queue: execqueue.New("write "+filepath.Base(path), execqueue.WithLogger(log), execqueue.WithMetricsLabel("write")),
		log:   log,
	}, nil
}

// Path returns the file path
func (w *WriteState) Path() string {
	return w.path
}

// Written returns the number of bytes accepted so far
func (w *WriteState) Written() int64 {
	return w.written.Load()
}

// Async runs op on the private queue
func (w *WriteState) Async(name string, op execqueue.Op) {
	w.queue.Async(name, op)
}

// Write stores data at offset. cb runs on the private queue once the data
// is buffered or written.
func (w *WriteState) Write(offset int64, data []byte, cb func(error)) {
	w.queue.Async("write", func(context.Context) {
		cb(w.write(offset, data))
	})
}

func (w *WriteState) write(offset int64, data []byte) error {
	if w.closed.Load() {
		return ErrWriteClosed
	}
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWrite, offset)
	}
	if len(data) == 0 {
		return nil
	}

	if offset != w.pos+int64(w.buf.Length()) {
		if err := w.flush(); err != nil {
			return err
		}
		w.pos = offset
	}
	if len(data) > w.buf.Free() {
		if err := w.flush(); err != nil {
			return err
		}
	}

	if len(data) > w.buf.Capacity() {
		if err := w.writeAt(w.pos, data); err != nil {
			return err
		}
		w.pos += int64(len(data))
	} else if _, err := w.buf.Write(data); err != nil {
		return writeError(err, w.path)
	}

	w.written.Add(int64(len(data)))
	return nil
}

// flush writes the buffered bytes at their offset
func (w *WriteState) flush() error {
	n := w.buf.Length()
	if n == 0 {
		return nil
	}
	chunk := make([]byte, n)
	read, err := w.buf.Read(chunk)
	if err != nil {
		return writeError(err, w.path)
	}
	if err := w.writeAt(w.pos, chunk[:read]); err != nil {
		return err
	}
	w.pos += int64(read)
	return nil
}

func (w *WriteState) writeAt(offset int64, data []byte) error {
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return writeError(err, w.path)
	}
	if _, err := w.file.Write(data); err != nil {
		return writeError(err, w.path)
	}
	return nil
}

// Close flushes the buffer, closes the file and releases the queue. It must
// not be called from a write callback.
func (w *WriteState) Close() error {
	var closeErr error
	err := w.queue.AsyncWait(context.Background(), "close", func(context.Context) {
		if w.closed.Swap(true) {
			closeErr = ErrWriteClosed
			return
		}
		flushErr := w.flush()
		if err := w.file.Close(); err != nil {
			flushErr = errors.Join(flushErr, writeError(err, w.path))
		}
		closeErr = flushErr
	})
	w.queue.Close()
	if err != nil {
		return err
	}
	if closeErr == nil {
		w.log.Debug("write target closed", logger.Int64("bytes", w.written.Load()))
	}
	return closeErr
}

func writeError(err error, path string) error {
	return errors.New(err).
		Component("media").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
