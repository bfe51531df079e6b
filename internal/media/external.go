package media

import (
	"context"
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/resource"
)

// ExternalSourceHooks drives an external source, a sound supplied at play
// time. Unloads are deferred while the source is playing.
type ExternalSourceHooks struct {
	fileSource
	engine    *engine.Engine
	playCount atomic.Int32
}

// NewExternalSourceHooks creates the hooks of an external source. The
// prefetch is rounded up to the engine streaming granularity.
func NewExternalSourceHooks(desc descriptor.Descriptor, files *filecache.Cache, eng *engine.Engine, log logger.Logger) *ExternalSourceHooks {
	h := &ExternalSourceHooks{
		fileSource: newFileSource(desc, files, log),
		engine:     eng,
	}
	h.prefetch = roundUp(desc.PrefetchSize, int64(eng.StreamingGranularity()))
	return h
}

func roundUp(n, granularity int64) int64 {
	if n <= 0 || granularity <= 0 {
		return n
	}
	return (n + granularity - 1) / granularity * granularity
}

// PlayCount returns the number of active plays
func (h *ExternalSourceHooks) PlayCount() int {
	return int(h.playCount.Load())
}

// AddPlayCount registers a play
func (h *ExternalSourceHooks) AddPlayCount() {
	h.playCount.Add(1)
}

// RemovePlayCount ends a play
func (h *ExternalSourceHooks) RemovePlayCount() {
	if h.playCount.Add(-1) < 0 {
		h.playCount.Store(0)
		h.log.Warn("play count underflow")
	}
}

// IsStreamed implements resource.Streamed
func (h *ExternalSourceHooks) IsStreamed() bool {
	return h.streamed()
}

func (h *ExternalSourceHooks) OpenFile(_ context.Context, done func(error)) {
	h.open(done)
}

func (h *ExternalSourceHooks) LoadInEngine(_ context.Context, done func(error)) {
	done(h.engine.LoadExternal(h.desc.ID, h.payload(), h.streamed()))
}

func (h *ExternalSourceHooks) UnloadFromEngine(_ context.Context, done func(resource.UnloadResult)) {
	if plays := h.playCount.Load(); plays > 0 {
		h.log.Trace("unload deferred while playing", logger.Int32("plays", plays))
		done(resource.UnloadDeferred)
		return
	}
	done(unloadResult(h.log, h.engine.UnloadExternal(h.desc.ID)))
}

func (h *ExternalSourceHooks) CloseFile(_ context.Context, done func(resource.OpResult)) {
	h.release()
	done(resource.OpDone)
}
