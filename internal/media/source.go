// Package media implements the resource kinds: media, sound banks and
// external sources, plus files opened for streaming writes.
package media

import (
	"fmt"
	"sync"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/resource"
)

// Sentinel errors
var (
	ErrNoData       = errors.NewStd("memory resource has no data")
	ErrNotOpen      = errors.NewStd("resource file is not open")
	ErrOutOfRange   = errors.NewStd("read outside resource data")
	ErrUnknownKind  = errors.NewStd("unknown resource kind")
	ErrWriteClosed  = errors.NewStd("write target is closed")
	ErrNoFileCache  = errors.NewStd("file backed resource without a file cache")
	ErrInvalidWrite = errors.NewStd("invalid write offset")
)

// StreamSource serves ranged reads of an opened resource
type StreamSource interface {
	// Size is the full size of the resource data
	Size() int64
	// Prefetched returns the range if it lies inside the data held in memory
	Prefetched(offset, size int64) ([]byte, bool)
	// ReadFile reads the range from the open file
	ReadFile(offset, size int64, priority filecache.Priority, cb func([]byte, error))
}

// fileSource holds the data of a resource between OpenFile and CloseFile.
// Non-streamed resources hold the whole payload, streamed ones hold the
// prefetch and keep the file open.
type fileSource struct {
	desc     descriptor.Descriptor
	files    *filecache.Cache
	log      logger.Logger
	prefetch int64

	mu     sync.RWMutex
	data   []byte
	handle *filecache.Handle
	size   int64
}

func newFileSource(desc descriptor.Descriptor, files *filecache.Cache, log logger.Logger) fileSource {
	if log == nil {
		log = GetLogger()
	}
	return fileSource{
		desc:     desc,
		files:    files,
		log:      log.With(logger.String("resource", desc.String())),
		prefetch: desc.PrefetchSize,
	}
}

func (s *fileSource) streamed() bool {
	return s.desc.Streaming && !s.desc.Memory
}

func (s *fileSource) open(done func(error)) {
	if s.desc.Memory {
		if len(s.desc.Data) == 0 {
			done(s.openError(ErrNoData))
			return
		}
		s.set(s.desc.Data, nil, int64(len(s.desc.Data)))
		done(nil)
		return
	}
	if s.files == nil {
		done(s.openError(ErrNoFileCache))
		return
	}

	s.files.Open(s.desc.Path, func(h *filecache.Handle, err error) {
		if err != nil {
			done(err)
			return
		}

		if !s.streamed() {
			h.ReadAll(func(data []byte, err error) {
				h.CloseAndDelete()
				if err != nil {
					done(err)
					return
				}
				s.set(data, nil, int64(len(data)))
				done(nil)
			})
			return
		}

		s.set(nil, h, h.Size())
		prefetch := min(s.prefetch, h.Size())
		if prefetch <= 0 {
			done(nil)
			return
		}
		h.ReadData(0, prefetch, filecache.PriorityHigh, func(data []byte, err error) {
			if err != nil {
				s.release()
				done(err)
				return
			}
			s.mu.Lock()
			s.data = data
			s.mu.Unlock()
			s.log.Trace("prefetched", logger.Int("bytes", len(data)))
			done(nil)
		})
	})
}

func (s *fileSource) set(data []byte, h *filecache.Handle, size int64) {
	s.mu.Lock()
	s.data = data
	s.handle = h
	s.size = size
	s.mu.Unlock()
}

// payload is what the engine receives on load
func (s *fileSource) payload() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// release drops the data and closes the file
func (s *fileSource) release() {
	s.mu.Lock()
	h := s.handle
	s.data = nil
	s.handle = nil
	s.size = 0
	s.mu.Unlock()

	if h != nil {
		h.CloseAndDelete()
	}
}

// Size implements StreamSource
func (s *fileSource) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Prefetched implements StreamSource
func (s *fileSource) Prefetched(offset, size int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 || size <= 0 || offset+size > int64(len(s.data)) {
		return nil, false
	}
	return s.data[offset : offset+size], true
}

// ReadFile implements StreamSource
func (s *fileSource) ReadFile(offset, size int64, priority filecache.Priority, cb func([]byte, error)) {
	s.mu.RLock()
	h := s.handle
	data := s.data
	s.mu.RUnlock()

	if h != nil {
		h.ReadData(offset, size, priority, cb)
		return
	}

	// whole payload in memory, serve what is available
	if offset < 0 || offset >= int64(len(data)) {
		cb(nil, fmt.Errorf("%w: offset %d of %d bytes", ErrOutOfRange, offset, len(data)))
		return
	}
	cb(data[offset:min(offset+size, int64(len(data)))], nil)
}

func (s *fileSource) openError(err error) error {
	return errors.New(err).
		Component("media").
		Category(errors.CategoryOpenFailed).
		ResourceContext(s.desc.ID, s.desc.Name).
		Build()
}

// unloadResult maps an engine unload error to the state machine result
func unloadResult(log logger.Logger, err error) resource.UnloadResult {
	switch {
	case err == nil:
		return resource.UnloadDone
	case errors.Is(err, engine.ErrInUse):
		return resource.UnloadDeferred
	default:
		log.Warn("engine unload failed", logger.Error(err))
		return resource.UnloadDone
	}
}
