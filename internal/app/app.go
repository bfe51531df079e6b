// Package app assembles the engine, file cache, registry and streaming bridge
// into one runnable system and offers blocking wrappers around their
// callback APIs for the command line tools.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/media"
	"github.com/tphakala/bankstream/internal/observability"
	"github.com/tphakala/bankstream/internal/registry"
	"github.com/tphakala/bankstream/internal/resource"
	"github.com/tphakala/bankstream/internal/streaming"
)

// Sentinel errors
var (
	ErrLoadFailed   = errors.NewStd("resource load failed")
	ErrNotStreaming = errors.NewStd("resource has no stream source")
	ErrNotQuiescent = errors.NewStd("resources still transitioning")
)

// DefaultReadTimeout bounds a single stream read issued by StreamRead
const DefaultReadTimeout = 5 * time.Second

// App owns every component of a running system
type App struct {
	settings *conf.Settings
	log      logger.Logger

	Engine   *engine.Engine
	Files    *filecache.Cache
	Factory  *media.Factory
	Registry *registry.Registry
	Bridge   *streaming.Bridge

	metrics  *observability.Metrics
	endpoint *observability.Endpoint

	cancel   context.CancelFunc
	quit     chan struct{}
	wg       sync.WaitGroup
	started  bool
	shutdown sync.Once
}

// Option configures an App
type Option func(*options)

type options struct {
	log       logger.Logger
	invariant registry.InvariantHandler
}

// WithLogger sets the logger handed to every component
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithInvariantHandler replaces the registry's duplicate ID handler
func WithInvariantHandler(h registry.InvariantHandler) Option {
	return func(o *options) { o.invariant = h }
}

// New builds the components from settings. Metrics are installed when
// enabled. Nothing runs until Start.
func New(settings *conf.Settings, opts ...Option) (*App, error) {
	if settings == nil {
		return nil, errors.Newf("settings cannot be nil").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}

	a := &App{
		settings: settings,
		log:      o.log,
		quit:     make(chan struct{}),
	}

	if settings.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, errors.New(err).
				Component("app").
				Category(errors.CategoryConfiguration).
				Context("operation", "create_metrics").
				Build()
		}
		endpoint, err := observability.NewEndpoint(settings, m)
		if err != nil {
			m.Detach()
			return nil, errors.New(err).
				Component("app").
				Category(errors.CategoryConfiguration).
				Context("operation", "create_metrics_endpoint").
				Build()
		}
		a.metrics = m
		a.endpoint = endpoint
	}

	a.Engine = engine.New(settings.Engine,
		engine.WithLogger(o.log.Module("engine")),
		engine.WithGranularity(settings.Streaming.Granularity),
	)
	a.Files = filecache.New(settings.FileCache, filecache.WithLogger(o.log.Module("filecache")))

	factoryOpts := []media.FactoryOption{media.WithLogger(o.log.Module("media"))}
	if settings.Resource.TermWait > 0 {
		factoryOpts = append(factoryOpts, media.WithTermWait(settings.Resource.TermWait, settings.Resource.TermMaxAttempts))
	}
	a.Factory = media.NewFactory(a.Engine, a.Files, factoryOpts...)

	regOpts := []registry.Option{registry.WithLogger(o.log.Module("registry"))}
	if o.invariant != nil {
		regOpts = append(regOpts, registry.WithInvariantHandler(o.invariant))
	}
	a.Registry = registry.New(settings.Queue, a.Factory, regOpts...)
	a.Bridge = streaming.New(settings.Streaming, a.Registry, streaming.WithLogger(o.log.Module("streaming")))

	return a, nil
}

// Start runs the engine tick loop and the metrics endpoint until Shutdown
func (a *App) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Go(func() {
		a.Engine.Run(runCtx)
	})

	if a.endpoint != nil {
		a.endpoint.Start(&a.wg, a.quit)
	}
	a.log.Info("system started",
		logger.String("root", a.Files.Root()),
		logger.Bool("metrics", a.endpoint != nil))
}

// Shutdown closes streams, terminates every resource and stops the
// background loops. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.shutdown.Do(func() {
		var errs []error
		if closeErr := a.Bridge.CloseAll(); closeErr != nil {
			errs = append(errs, closeErr)
		}
		if regErr := a.Registry.Shutdown(ctx); regErr != nil {
			errs = append(errs, regErr)
		}

		if a.cancel != nil {
			a.cancel()
		}
		close(a.quit)
		a.wg.Wait()

		a.Engine.Close()
		a.Files.Close()
		if a.metrics != nil {
			a.metrics.Detach()
		}
		err = errors.Join(errs...)
	})
	return err
}

// Metrics returns the installed metrics, or nil when disabled
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Load takes a load reference on desc and waits for the result. If ctx ends
// first a late successful load is released again.
func (a *App) Load(ctx context.Context, desc descriptor.Descriptor) error {
	result := make(chan bool, 1)
	a.Registry.Load(desc, func(ok bool) { result <- ok })

	select {
	case ok := <-result:
		if !ok {
			return errors.New(fmt.Errorf("%s: %w", desc, ErrLoadFailed)).
				Component("app").
				Category(errors.CategoryLoadFailed).
				ResourceContext(desc.ID, desc.Name).
				Build()
		}
		return nil
	case <-ctx.Done():
		go func() {
			if <-result {
				a.Registry.Unload(desc, func() {})
			}
		}()
		return ctx.Err()
	}
}

// Unload releases a load reference on desc and waits for it to be applied
func (a *App) Unload(ctx context.Context, desc descriptor.Descriptor) error {
	result := make(chan error, 1)
	a.Registry.UnloadWithResult(desc, func(err error) { result <- err })

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StreamRead opens a stream on desc, reads up to limit bytes from the start
// in granularity sized blocks and closes it. It returns the bytes read.
func (a *App) StreamRead(ctx context.Context, desc descriptor.Descriptor, limit int64) (int64, error) {
	h, err := a.Bridge.Open(ctx, desc)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := a.Bridge.Close(h); closeErr != nil {
			a.log.Debug("stream close failed", logger.String("resource", desc.String()), logger.Error(closeErr))
		}
	}()

	size, err := a.streamSize(desc)
	if err != nil {
		return 0, err
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	block := int64(a.settings.Streaming.Granularity)
	if block <= 0 {
		block = conf.DefaultGranularity
	}

	var total int64
	for total < limit {
		n, err := a.readBlock(ctx, h, total, min(block, limit-total))
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func (a *App) readBlock(ctx context.Context, h streaming.Handle, offset, size int64) (int64, error) {
	type reply struct {
		n   int64
		err error
	}
	result := make(chan reply, 1)
	req := streaming.ReadRequest{
		Offset:   offset,
		Size:     size,
		Priority: filecache.EngineDefaultPriority,
		Deadline: time.Now().Add(DefaultReadTimeout),
	}
	if err := a.Bridge.Read(h, req, func(data []byte, err error) {
		result <- reply{n: int64(len(data)), err: err}
	}); err != nil {
		return 0, err
	}

	select {
	case r := <-result:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a *App) streamSize(desc descriptor.Descriptor) (int64, error) {
	state, ok := a.Registry.Lookup(desc.ID)
	if !ok {
		return 0, registry.ErrNotFound
	}
	src, ok := state.Hooks().(media.StreamSource)
	if !ok {
		return 0, fmt.Errorf("%s: %w", desc, ErrNotStreaming)
	}
	return src.Size(), nil
}

// Violation describes a live state whose status disagrees with its counters
type Violation struct {
	Desc           descriptor.Descriptor
	Status         resource.Status
	LoadCount      int
	StreamingCount int
}

func (v Violation) String() string {
	return fmt.Sprintf("%s is %s with load=%d streaming=%d", v.Desc, v.Status, v.LoadCount, v.StreamingCount)
}

// Quiesce waits until no live state is mid-transition, polling every
// interval. It fails with ErrNotQuiescent if ctx ends first.
func (a *App) Quiesce(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		busy := 0
		a.Registry.Each(func(_ descriptor.Descriptor, state *resource.State) {
			if !isSettled(state.CurrentState()) {
				busy++
			}
		})
		if busy == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d busy: %w", busy, ErrNotQuiescent)
		case <-ticker.C:
		}
	}
}

// WaitDrained waits until the registry holds no state, polling every
// interval
func (a *App) WaitDrained(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for a.Registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d live: %w", a.Registry.Len(), ErrNotQuiescent)
		case <-ticker.C:
		}
	}
	return nil
}

// CheckCounters returns every live state whose status breaks the rule that a
// state is Closed exactly when both of its counters are zero
func (a *App) CheckCounters() []Violation {
	var out []Violation
	a.Registry.Each(func(desc descriptor.Descriptor, state *resource.State) {
		status := state.CurrentState()
		loads, streams := state.LoadCount(), state.StreamingCount()
		if (status == resource.Closed) != (loads == 0 && streams == 0) {
			out = append(out, Violation{Desc: desc, Status: status, LoadCount: loads, StreamingCount: streams})
		}
	})
	return out
}

func isSettled(s resource.Status) bool {
	switch s {
	case resource.Closed, resource.Opened, resource.Loaded:
		return true
	default:
		return false
	}
}

// ManifestRoot resolves the root written in a manifest against the manifest's
// own directory. An empty root yields "".
func ManifestRoot(manifestPath, root string) string {
	if root == "" || filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(filepath.Dir(manifestPath), root)
}
