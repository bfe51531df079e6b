// Package engine is an in-process stand-in for the audio engine that
// resources are loaded into. It validates payloads, tracks what is loaded
// and refuses unloads while voices still play from the data.
package engine

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/logger"
)

// Sentinel errors
var (
	ErrInUse             = errors.NewStd("resource is in use by the engine")
	ErrNotLoaded         = errors.NewStd("resource is not loaded")
	ErrAlreadyLoaded     = errors.NewStd("resource is already loaded")
	ErrUnsupportedFormat = errors.NewStd("unsupported payload format")
	ErrInvalidPayload    = errors.NewStd("invalid payload")
	ErrEmptyPayload      = errors.NewStd("empty payload")
)

type key struct {
	kind descriptor.Kind
	id   uint32
}

// Entry describes a loaded resource
type Entry struct {
	Kind     descriptor.Kind
	ID       uint32
	Format   Format
	Size     int
	Streamed bool
	Copy     bool
	LoadedAt time.Time
}

type entry struct {
	Entry
	data []byte
}

// Engine tracks loaded media, banks and external sources
type Engine struct {
	granularity  int
	tickInterval time.Duration
	log          logger.Logger
	deferred     *execqueue.DeferredQueue

	mu      sync.Mutex
	entries map[key]*entry
	pins    map[key]int
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithGranularity sets the streaming block size
func WithGranularity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.granularity = n
		}
	}
}

// New creates an engine ticking at settings.TickInterval
func New(settings conf.EngineSettings, opts ...Option) *Engine {
	e := &Engine{
		granularity:  conf.DefaultGranularity,
		tickInterval: settings.TickInterval,
		entries:      make(map[key]*entry),
		pins:         make(map[key]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = GetLogger()
	}
	if e.tickInterval <= 0 {
		e.tickInterval = conf.DefaultTickInterval
	}
	e.deferred = execqueue.NewDeferredQueue("engine tick", execqueue.WithLogger(e.log))
	return e
}

// Formats returns the payload formats the engine accepts
func (e *Engine) Formats() []Format {
	return []Format{FormatWAV, FormatFLAC, FormatBank, FormatStream}
}

// StreamingGranularity returns the block size streamed reads are aligned to
func (e *Engine) StreamingGranularity() int {
	return e.granularity
}

// Deferred returns the queue redrained on every tick
func (e *Engine) Deferred() *execqueue.DeferredQueue {
	return e.deferred
}

// LoadMedia loads a sound. Streamed media carry only their prefetch, which
// may be empty.
func (e *Engine) LoadMedia(id uint32, data []byte, streamed bool) error {
	return e.loadAudio(descriptor.KindMedia, id, data, streamed)
}

// LoadExternal loads an external source
func (e *Engine) LoadExternal(id uint32, data []byte, streamed bool) error {
	return e.loadAudio(descriptor.KindExternalSource, id, data, streamed)
}

// LoadBank loads a sound bank. A copy load keeps a private copy of data,
// otherwise the engine keeps a view and data must stay valid until unload.
func (e *Engine) LoadBank(id uint32, data []byte, copyData bool) error {
	if len(data) == 0 {
		return e.loadError(descriptor.KindSoundBank, id, ErrEmptyPayload)
	}
	if err := validateBank(data); err != nil {
		return e.loadError(descriptor.KindSoundBank, id, err)
	}
	if copyData {
		data = bytes.Clone(data)
	}
	return e.insert(&entry{
		Entry: Entry{Kind: descriptor.KindSoundBank, ID: id, Format: FormatBank, Size: len(data), Copy: copyData},
		data:  data,
	})
}

func (e *Engine) loadAudio(kind descriptor.Kind, id uint32, data []byte, streamed bool) error {
	var format Format
	switch {
	case streamed:
		format = FormatStream
		if sniffed, ok := sniff(data); ok {
			format = sniffed
		}
		if format == FormatBank {
			return e.loadError(kind, id, ErrUnsupportedFormat)
		}
	case len(data) == 0:
		return e.loadError(kind, id, ErrEmptyPayload)
	default:
		var err error
		if format, err = validateAudio(data); err != nil {
			return e.loadError(kind, id, err)
		}
	}

	return e.insert(&entry{
		Entry: Entry{Kind: kind, ID: id, Format: format, Size: len(data), Streamed: streamed},
		data:  data,
	})
}

func (e *Engine) insert(en *entry) error {
	en.LoadedAt = time.Now()
	k := key{en.Kind, en.ID}

	e.mu.Lock()
	if _, exists := e.entries[k]; exists {
		e.mu.Unlock()
		return e.loadError(en.Kind, en.ID, ErrAlreadyLoaded)
	}
	e.entries[k] = en
	e.mu.Unlock()

	e.log.Debug("loaded",
		logger.String("kind", en.Kind.String()),
		logger.Uint32("id", en.ID),
		logger.String("format", string(en.Format)),
		logger.Int("size", en.Size))
	return nil
}

// UnloadMedia unloads a sound
func (e *Engine) UnloadMedia(id uint32) error {
	return e.unload(descriptor.KindMedia, id)
}

// UnloadBank unloads a sound bank
func (e *Engine) UnloadBank(id uint32) error {
	return e.unload(descriptor.KindSoundBank, id)
}

// UnloadExternal unloads an external source
func (e *Engine) UnloadExternal(id uint32) error {
	return e.unload(descriptor.KindExternalSource, id)
}

func (e *Engine) unload(kind descriptor.Kind, id uint32) error {
	k := key{kind, id}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.entries[k]; !ok {
		return ErrNotLoaded
	}
	if e.pins[k] > 0 {
		return ErrInUse
	}
	delete(e.entries, k)
	e.log.Debug("unloaded", logger.String("kind", kind.String()), logger.Uint32("id", id))
	return nil
}

// Pin marks a voice playing from a loaded resource
func (e *Engine) Pin(kind descriptor.Kind, id uint32) error {
	k := key{kind, id}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.entries[k]; !ok {
		return fmt.Errorf("pin %s %d: %w", kind, id, ErrNotLoaded)
	}
	e.pins[k]++
	return nil
}

// Unpin releases a voice and ticks so deferred unloads are retried
func (e *Engine) Unpin(ctx context.Context, kind descriptor.Kind, id uint32) {
	k := key{kind, id}

	e.mu.Lock()
	switch n := e.pins[k]; {
	case n > 1:
		e.pins[k] = n - 1
	case n == 1:
		delete(e.pins, k)
	default:
		e.mu.Unlock()
		e.log.Warn("unpin without pin", logger.String("kind", kind.String()), logger.Uint32("id", id))
		return
	}
	e.mu.Unlock()

	e.Tick(ctx)
}

// Pins returns the number of voices playing from a resource
func (e *Engine) Pins(kind descriptor.Kind, id uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pins[key{kind, id}]
}

// Lookup returns the entry of a loaded resource
func (e *Engine) Lookup(kind descriptor.Kind, id uint32) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[key{kind, id}]
	if !ok {
		return Entry{}, false
	}
	return en.Entry, true
}

// Loaded returns every loaded entry ordered by kind then ID
func (e *Engine) Loaded() []Entry {
	e.mu.Lock()
	keys := slices.SortedFunc(maps.Keys(e.entries), func(a, b key) int {
		if c := cmp.Compare(a.kind, b.kind); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.entries[k].Entry)
	}
	e.mu.Unlock()
	return out
}

// Len returns the number of loaded resources
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Tick redrains deferred work once
func (e *Engine) Tick(ctx context.Context) {
	e.deferred.Run(ctx)
}

// Run ticks until ctx is cancelled
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Close drops deferred work and logs resources still loaded
func (e *Engine) Close() {
	e.deferred.Wait()
	e.deferred.Close()
	if n := e.Len(); n > 0 {
		e.log.Warn("engine closed with resources loaded", logger.Int("loaded", n))
	}
}

func (e *Engine) loadError(kind descriptor.Kind, id uint32, err error) error {
	return errors.New(err).
		Component("engine").
		Category(errors.CategoryLoadFailed).
		ResourceContext(id, "").
		Context("kind", kind.String()).
		Build()
}
