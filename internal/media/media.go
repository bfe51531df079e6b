package media

import (
	"context"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/resource"
)

// MediaHooks drives a sound. In-memory media are read whole on open,
// streamed media keep their file open and load only their prefetch.
type MediaHooks struct {
	fileSource
	engine *engine.Engine
}

// NewMediaHooks creates the hooks of a media descriptor
func NewMediaHooks(desc descriptor.Descriptor, files *filecache.Cache, eng *engine.Engine, log logger.Logger) *MediaHooks {
	return &MediaHooks{
		fileSource: newFileSource(desc, files, log),
		engine:     eng,
	}
}

// IsStreamed implements resource.Streamed
func (h *MediaHooks) IsStreamed() bool {
	return h.streamed()
}

func (h *MediaHooks) OpenFile(_ context.Context, done func(error)) {
	h.open(done)
}

func (h *MediaHooks) LoadInEngine(_ context.Context, done func(error)) {
	done(h.engine.LoadMedia(h.desc.ID, h.payload(), h.streamed()))
}

func (h *MediaHooks) UnloadFromEngine(_ context.Context, done func(resource.UnloadResult)) {
	done(unloadResult(h.log, h.engine.UnloadMedia(h.desc.ID)))
}

func (h *MediaHooks) CloseFile(_ context.Context, done func(resource.OpResult)) {
	h.release()
	done(resource.OpDone)
}
