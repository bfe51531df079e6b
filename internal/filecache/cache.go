// Package filecache opens resource files asynchronously and serves ranged
// reads from them.
//
// Opens run on a dedicated queue. Reads run on their own goroutines, limited
// by a weighted semaphore so a burst of low priority reads cannot starve
// streaming. Handles are released through a delete queue that waits for reads
// still in flight.
package filecache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// Sentinel errors
var (
	ErrEmptyFile     = errors.NewStd("file is empty")
	ErrHandleClosed  = errors.NewStd("file handle is closed")
	ErrInvalidRange  = errors.NewStd("invalid read range")
	ErrCacheShutdown = errors.NewStd("file cache is shut down")
)

const (
	// DefaultReadSlots bounds concurrent non-critical reads
	DefaultReadSlots = 8

	// closeRetryDelay is how long CloseAndDelete waits for in-flight reads
	closeRetryDelay = time.Millisecond
)

// Cache opens files relative to a root directory
type Cache struct {
	root  string
	stats *cache.Cache
	slots *semaphore.Weighted
	log   logger.Logger

	openQueue   *execqueue.Queue
	deleteQueue *execqueue.Queue

	openHandles atomic.Int32
	shutdown    atomic.Bool
}

// Option configures a Cache
type Option func(*options)

type options struct {
	log       logger.Logger
	readSlots int64
	executor  execqueue.Executor
}

// WithLogger sets the cache logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithReadSlots sets how many non-critical reads may run at once
func WithReadSlots(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.readSlots = n
		}
	}
}

// WithExecutor sets the executor of the open and delete queues
func WithExecutor(e execqueue.Executor) Option {
	return func(o *options) { o.executor = e }
}

// New creates a file cache from settings
func New(settings conf.FileCacheSettings, opts ...Option) *Cache {
	o := options{readSlots: DefaultReadSlots}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}

	ttl := settings.StatTTL
	if ttl <= 0 {
		ttl = conf.DefaultStatTTL
	}

	queueOpts := func(name string) []execqueue.Option {
		qo := []execqueue.Option{execqueue.WithLogger(o.log.With(logger.String("queue", name)))}
		if o.executor != nil {
			qo = append(qo, execqueue.WithExecutor(o.executor))
		}
		return qo
	}

	return &Cache{
		root: settings.Root,
		// no janitor goroutine, expired entries are purged on Open
		stats:       cache.New(ttl, 0),
		slots:       semaphore.NewWeighted(o.readSlots),
		log:         o.log,
		openQueue:   execqueue.New("filecache open", queueOpts("filecache open")...),
		deleteQueue: execqueue.New("filecache delete", queueOpts("filecache delete")...),
	}
}

// Root returns the directory paths are resolved against
func (c *Cache) Root() string {
	return c.root
}

// OpenHandles returns the number of handles not yet released
func (c *Cache) OpenHandles() int {
	return int(c.openHandles.Load())
}

// Resolve joins path to the cache root unless it is absolute
func (c *Cache) Resolve(path string) string {
	if filepath.IsAbs(path) || c.root == "" {
		return path
	}
	return filepath.Join(c.root, path)
}

// InvalidateStat drops the cached size of path
func (c *Cache) InvalidateStat(path string) {
	c.stats.Delete(c.Resolve(path))
}

// Open opens path asynchronously and resolves its size. done runs on the
// open queue.
func (c *Cache) Open(path string, done func(*Handle, error)) {
	if c.shutdown.Load() {
		done(nil, ErrCacheShutdown)
		return
	}

	h := &Handle{cache: c, path: c.Resolve(path)}
	h.requests.Add(1)
	c.openQueue.Async("open "+path, func(context.Context) {
		defer h.requests.Add(-1)

		if err := h.open(); err != nil {
			c.log.Debug("open failed", logger.String("path", h.path), logger.Error(err))
			done(nil, err)
			return
		}
		c.openHandles.Add(1)
		c.log.Trace("file opened", logger.String("path", h.path), logger.Int64("size", h.size))
		done(h, nil)
	})
}

// Close drains the queues. Handles still open are not closed.
func (c *Cache) Close() {
	if c.shutdown.Swap(true) {
		return
	}
	c.openQueue.Close()
	c.deleteQueue.Close()
	if n := c.openHandles.Load(); n > 0 {
		c.log.Warn("file cache closed with open handles", logger.Int32("handles", n))
	}
}

func (c *Cache) statSize(path string, f *os.File) (int64, error) {
	if v, ok := c.stats.Get(path); ok {
		if size, ok := v.(int64); ok {
			currentMetrics().RecordStatLookup(true)
			return size, nil
		}
	}
	currentMetrics().RecordStatLookup(false)

	if c.stats.ItemCount() > 0 {
		c.stats.DeleteExpired()
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	c.stats.SetDefault(path, size)
	return size, nil
}

// handleClosed marks a closed handle in Handle.requests
const handleClosed int32 = 1 << 30

// Handle is an open file
type Handle struct {
	cache *Cache
	path  string
	file  *os.File
	size  int64

	// requests in flight, with handleClosed set once the file is closed
	requests atomic.Int32
}

func (h *Handle) open() error {
	f, err := os.Open(h.path)
	if err != nil {
		return errors.New(err).
			Component("filecache").
			Category(errors.CategoryOpenFailed).
			Context("path", h.path).
			Build()
	}

	size, err := h.cache.statSize(h.path, f)
	if err == nil && size <= 0 {
		err = ErrEmptyFile
	}
	if err != nil {
		_ = f.Close()
		return errors.New(fmt.Errorf("%s: %w", h.path, err)).
			Component("filecache").
			Category(errors.CategoryOpenFailed).
			Context("path", h.path).
			Build()
	}

	h.file = f
	h.size = size
	return nil
}

// Path returns the resolved file path
func (h *Handle) Path() string {
	return h.path
}

// Size returns the file size resolved at open
func (h *Handle) Size() int64 {
	return h.size
}

// RequestsInFlight returns the number of reads not yet completed
func (h *Handle) RequestsInFlight() int {
	return int(h.requests.Load() &^ handleClosed)
}

// Closed reports whether the file has been closed
func (h *Handle) Closed() bool {
	return h.requests.Load()&handleClosed != 0
}

// beginRequest registers a request unless the handle is closed
func (h *Handle) beginRequest() bool {
	for {
		v := h.requests.Load()
		if v&handleClosed != 0 {
			return false
		}
		if h.requests.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// ReadData reads size bytes at offset. Reads past the end of the file return
// the available bytes. cb runs on the read goroutine.
func (h *Handle) ReadData(offset, size int64, priority Priority, cb func([]byte, error)) {
	if h.file == nil || !h.beginRequest() {
		cb(nil, ErrHandleClosed)
		return
	}
	if offset < 0 || size <= 0 || offset >= h.size {
		h.requests.Add(-1)
		cb(nil, fmt.Errorf("%w: offset %d size %d file size %d", ErrInvalidRange, offset, size, h.size))
		return
	}
	size = min(size, h.size-offset)

	go func() {
		defer h.requests.Add(-1)

		if priority < PriorityCritical {
			if err := h.cache.slots.Acquire(context.Background(), 1); err != nil {
				cb(nil, err)
				return
			}
			defer h.cache.slots.Release(1)
		}

		start := time.Now()
		buf := make([]byte, size)
		n, err := h.file.ReadAt(buf, offset)
		currentMetrics().RecordReadDuration(metrics.SourceCache, time.Since(start))

		if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
			cb(nil, errors.New(err).
				Component("filecache").
				Category(errors.CategoryFileIO).
				Context("path", h.path).
				Context("offset", offset).
				Build())
			return
		}
		cb(buf[:n], nil)
	}()
}

// ReadAll reads the whole file
func (h *Handle) ReadAll(cb func([]byte, error)) {
	h.ReadData(0, h.size, PriorityNormal, cb)
}

// CloseAndDelete releases the handle once every read has completed. The
// handle must not be used afterwards.
func (h *Handle) CloseAndDelete() {
	h.cache.deleteQueue.Async("close "+h.path, func(context.Context) {
		h.onCloseAndDelete()
	})
}

func (h *Handle) onCloseAndDelete() {
	// close only once no request is in flight; later reads see the flag
	if !h.requests.CompareAndSwap(0, handleClosed) {
		if !h.Closed() {
			time.AfterFunc(closeRetryDelay, h.CloseAndDelete)
		}
		return
	}
	if err := h.file.Close(); err != nil {
		h.cache.log.Warn("close failed", logger.String("path", h.path), logger.Error(err))
	}
	h.cache.openHandles.Add(-1)
	h.cache.log.Trace("file closed", logger.String("path", h.path))
}
