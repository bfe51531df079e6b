package media

import (
	"context"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/resource"
)

// SoundBankHooks drives a sound bank. Banks are always loaded whole.
//
// In view mode the engine reads the bank from the buffer held here, so the
// buffer lives until CloseFile. In copy mode the engine keeps its own copy
// and the buffer is released right after the load, so unloading also closes.
type SoundBankHooks struct {
	fileSource
	engine *engine.Engine
}

// NewSoundBankHooks creates the hooks of a sound bank descriptor
func NewSoundBankHooks(desc descriptor.Descriptor, files *filecache.Cache, eng *engine.Engine, log logger.Logger) *SoundBankHooks {
	desc.Streaming = false
	return &SoundBankHooks{
		fileSource: newFileSource(desc, files, log),
		engine:     eng,
	}
}

// OpenFile reads the bank. A bank supplied from memory has nothing to open.
func (h *SoundBankHooks) OpenFile(_ context.Context, done func(error)) {
	h.open(done)
}

func (h *SoundBankHooks) LoadInEngine(_ context.Context, done func(error)) {
	if err := h.engine.LoadBank(h.desc.ID, h.payload(), h.desc.Copy); err != nil {
		done(err)
		return
	}
	if h.desc.Copy {
		h.release()
		h.log.Trace("bank copied into engine, buffer released")
	}
	done(nil)
}

func (h *SoundBankHooks) UnloadFromEngine(_ context.Context, done func(resource.UnloadResult)) {
	result := unloadResult(h.log, h.engine.UnloadBank(h.desc.ID))
	if result == resource.UnloadDone && h.desc.Copy {
		result = resource.UnloadClosedFile
	}
	done(result)
}

func (h *SoundBankHooks) CloseFile(_ context.Context, done func(resource.OpResult)) {
	h.release()
	done(resource.OpDone)
}
