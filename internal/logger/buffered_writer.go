package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	// DefaultBufferSize batches JSON records before they hit the file
	DefaultBufferSize = 32 * 1024

	// DefaultFlushInterval bounds how long a record can sit in the buffer
	DefaultFlushInterval = 2 * time.Second

	// LogFilePermissions is rw------- for log files
	LogFilePermissions = 0o600
)

// BufferedFileWriter is a goroutine-safe buffered appender with periodic
// flushing.
type BufferedFileWriter struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	path     string
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// NewBufferedFileWriter opens path for appending and starts the flush loop.
func NewBufferedFileWriter(path string, interval time.Duration) (*BufferedFileWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFilePermissions) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	w := &BufferedFileWriter{
		file:     file,
		writer:   bufio.NewWriterSize(file, DefaultBufferSize),
		path:     path,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.flushLoop()

	return w, nil
}

func (w *BufferedFileWriter) flushLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// errors surface on the next Write
			_ = w.Flush()
		}
	}
}

// Write buffers p.
func (w *BufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("log writer for %s is closed", w.path)
	}
	return w.writer.Write(p)
}

// Flush pushes buffered bytes to the OS without fsync.
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	return nil
}

// Close flushes, syncs and closes the file. Safe to call more than once.
func (w *BufferedFileWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true

		var errs []error
		if err := w.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", w.path, err))
		}
		if err := w.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", w.path, err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", w.path, err))
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

var _ io.WriteCloser = (*BufferedFileWriter)(nil)
