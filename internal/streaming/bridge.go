// Package streaming connects engine stream requests to resource states.
//
// Opening a stream takes a streaming reference through the registry, which
// loads the resource into the engine. Every transfer runs on the private
// queue of its resource, so a read can never overlap an unload or close of
// the same resource. Files opened for writing bypass the registry and own a
// write queue of their own.
package streaming

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/media"
	"github.com/tphakala/bankstream/internal/observability/metrics"
	"github.com/tphakala/bankstream/internal/registry"
	"github.com/tphakala/bankstream/internal/resource"
)

// Sentinel errors
var (
	ErrOpenFailed       = errors.NewStd("stream open failed")
	ErrNotReady         = errors.NewStd("resource not ready for streaming")
	ErrInvalidHandle    = errors.NewStd("unknown stream handle")
	ErrWrongMode        = errors.NewStd("operation does not match stream mode")
	ErrNotStreamable    = errors.NewStd("resource kind does not stream")
	ErrDeadlineExceeded = errors.NewStd("transfer deadline exceeded")
	ErrClosed           = errors.NewStd("stream bridge is closed")
)

// Handle identifies an open stream
type Handle uuid.UUID

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// ReadRequest is one engine read
type ReadRequest struct {
	Offset   int64
	Size     int64
	Priority int8      // engine priority, see filecache.PriorityFromEngine
	Deadline time.Time // zero for none
}

// WriteRequest is one engine write
type WriteRequest struct {
	Offset int64
	Data   []byte
}

type stream struct {
	desc  descriptor.Descriptor
	state *resource.State
	write *media.WriteState
}

// Bridge serves engine stream requests
type Bridge struct {
	registry    *registry.Registry
	writeRoot   string
	writeBuffer int
	log         logger.Logger

	mu      sync.RWMutex
	streams map[Handle]*stream

	inFlight atomic.Int32
	peak     atomic.Int32
	closed   atomic.Bool
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the bridge logger
func WithLogger(l logger.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New creates a bridge resolving streams through reg
func New(settings conf.StreamingSettings, reg *registry.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		registry:    reg,
		writeRoot:   settings.WriteRoot,
		writeBuffer: settings.WriteBuffer,
		streams:     make(map[Handle]*stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = GetLogger()
	}
	if b.writeBuffer <= 0 {
		b.writeBuffer = conf.DefaultWriteBuffer
	}
	return b
}

// Open takes a streaming reference on desc. If ctx ends first the
// reference is released as soon as the open completes.
func (b *Bridge) Open(ctx context.Context, desc descriptor.Descriptor) (Handle, error) {
	if b.closed.Load() {
		return Handle{}, ErrClosed
	}

	result := make(chan bool, 1)
	b.registry.Acquire(desc, resource.OriginStreaming, func(ok bool) { result <- ok })

	var ok bool
	select {
	case ok = <-result:
	case <-ctx.Done():
		go func() {
			if <-result {
				b.release(desc)
			}
		}()
		return Handle{}, ctx.Err()
	}

	if !ok {
		return Handle{}, b.openError(desc, ErrOpenFailed)
	}
	state, found := b.registry.Lookup(desc.ID)
	if !found {
		b.release(desc)
		return Handle{}, b.openError(desc, ErrOpenFailed)
	}

	h := Handle(uuid.New())
	b.mu.Lock()
	b.streams[h] = &stream{desc: desc, state: state}
	b.mu.Unlock()

	currentMetrics().AddOpenHandles(1)
	b.log.Debug("stream opened", logger.String("resource", desc.String()), logger.String("handle", h.String()))
	return h, nil
}

// OpenWrite creates a file under the write root for streamed writes
func (b *Bridge) OpenWrite(_ context.Context, path string) (Handle, error) {
	if b.closed.Load() {
		return Handle{}, ErrClosed
	}
	if !filepath.IsAbs(path) && b.writeRoot != "" {
		path = filepath.Join(b.writeRoot, path)
	}

	ws, err := media.OpenWrite(path, b.writeBuffer, b.log)
	if err != nil {
		return Handle{}, err
	}

	h := Handle(uuid.New())
	b.mu.Lock()
	b.streams[h] = &stream{write: ws}
	b.mu.Unlock()

	currentMetrics().AddOpenHandles(1)
	return h, nil
}

// Read queues a read on the resource queue. cb runs once with the data or
// an error. The returned error covers requests that were not queued.
func (b *Bridge) Read(h Handle, req ReadRequest, cb func([]byte, error)) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}
	if s.write != nil {
		return ErrWrongMode
	}
	src, ok := streamSource(s.state)
	if !ok {
		return fmt.Errorf("%s: %w", s.desc, ErrNotStreamable)
	}

	b.begin(metrics.DirectionRead)
	finish := func(data []byte, err error) {
		b.end(metrics.DirectionRead, readResult(err), len(data))
		cb(data, err)
	}

	queued := s.state.Async("stream read", func(context.Context) {
		if !s.state.CanProcessFileOp() {
			finish(nil, fmt.Errorf("%s is %s: %w", s.desc, s.state.CurrentState(), ErrNotReady))
			return
		}
		if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
			finish(nil, ErrDeadlineExceeded)
			return
		}

		start := time.Now()
		if data, ok := src.Prefetched(req.Offset, req.Size); ok {
			currentMetrics().RecordReadDuration(metrics.SourcePrefetch, time.Since(start))
			finish(data, nil)
			return
		}
		src.ReadFile(req.Offset, req.Size, filecache.PriorityFromEngine(req.Priority), finish)
	})
	if !queued {
		b.end(metrics.DirectionRead, metrics.ResultNotReady, 0)
		return ErrNotReady
	}
	return nil
}

// Write queues a write on a handle opened with OpenWrite
func (b *Bridge) Write(h Handle, req WriteRequest, cb func(error)) error {
	s, err := b.lookup(h)
	if err != nil {
		return err
	}
	if s.write == nil {
		return ErrWrongMode
	}

	b.begin(metrics.DirectionWrite)
	s.write.Write(req.Offset, req.Data, func(err error) {
		result := metrics.ResultSuccess
		n := len(req.Data)
		if err != nil {
			result = metrics.ResultError
			n = 0
		}
		b.end(metrics.DirectionWrite, result, n)
		cb(err)
	})
	return nil
}

// Close ends a stream. Read streams release their streaming reference,
// write streams flush and close their file.
func (b *Bridge) Close(h Handle) error {
	b.mu.Lock()
	s, ok := b.streams[h]
	delete(b.streams, h)
	b.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}
	currentMetrics().AddOpenHandles(-1)

	if s.write != nil {
		return s.write.Close()
	}
	b.release(s.desc)
	b.log.Debug("stream closed", logger.String("resource", s.desc.String()), logger.String("handle", h.String()))
	return nil
}

// CloseAll closes every open stream and rejects new ones
func (b *Bridge) CloseAll() error {
	b.closed.Store(true)

	b.mu.RLock()
	handles := make([]Handle, 0, len(b.streams))
	for h := range b.streams {
		handles = append(handles, h)
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range handles {
		if err := b.Close(h); err != nil && !errors.Is(err, ErrInvalidHandle) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InFlight returns the number of transfers not yet completed
func (b *Bridge) InFlight() int {
	return int(b.inFlight.Load())
}

// PeakInFlight returns the highest InFlight seen
func (b *Bridge) PeakInFlight() int {
	return int(b.peak.Load())
}

// Streams returns the number of open streams
func (b *Bridge) Streams() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

func (b *Bridge) lookup(h Handle) (*stream, error) {
	b.mu.RLock()
	s, ok := b.streams[h]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", h, ErrInvalidHandle)
	}
	return s, nil
}

func (b *Bridge) release(desc descriptor.Descriptor) {
	b.registry.Release(desc.ID, resource.OriginStreaming, func(err error) {
		if err != nil {
			b.log.Warn("stream release failed", logger.String("resource", desc.String()), logger.Error(err))
		}
	})
}

func (b *Bridge) begin(direction string) {
	n := b.inFlight.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	currentMetrics().AddInFlight(direction, 1)
}

func (b *Bridge) end(direction, result string, n int) {
	b.inFlight.Add(-1)
	currentMetrics().AddInFlight(direction, -1)
	currentMetrics().RecordTransfer(direction, result, n)
}

// streamSource returns the reader of kinds that stream
func streamSource(state *resource.State) (media.StreamSource, bool) {
	hooks := state.Hooks()
	if _, streams := hooks.(resource.Streamed); !streams {
		return nil, false
	}
	src, ok := hooks.(media.StreamSource)
	return src, ok
}

func readResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, ErrNotReady):
		return metrics.ResultNotReady
	default:
		return metrics.ResultError
	}
}

func (b *Bridge) openError(desc descriptor.Descriptor, err error) error {
	return errors.New(fmt.Errorf("%s: %w", desc, err)).
		Component("streaming").
		Category(errors.CategoryStreaming).
		ResourceContext(desc.ID, desc.Name).
		Build()
}
