package media

import (
	"time"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/engine"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/resource"
)

// Factory builds the state of a descriptor for its kind
type Factory struct {
	engine *engine.Engine
	files  *filecache.Cache
	log    logger.Logger

	executor        execqueue.Executor
	termWait        time.Duration
	termMaxAttempts int
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithLogger sets the logger handed to states and hooks
func WithLogger(l logger.Logger) FactoryOption {
	return func(f *Factory) { f.log = l }
}

// WithExecutor sets the executor of every state queue
func WithExecutor(e execqueue.Executor) FactoryOption {
	return func(f *Factory) { f.executor = e }
}

// WithTermWait sets how long states wait for in-flight requests on Term
func WithTermWait(wait time.Duration, maxAttempts int) FactoryOption {
	return func(f *Factory) {
		f.termWait = wait
		f.termMaxAttempts = maxAttempts
	}
}

// NewFactory creates a factory loading into eng and reading through files
func NewFactory(eng *engine.Engine, files *filecache.Cache, opts ...FactoryOption) *Factory {
	f := &Factory{engine: eng, files: files}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = GetLogger()
	}
	return f
}

// Hooks builds the hooks of desc
func (f *Factory) Hooks(desc descriptor.Descriptor) (resource.Hooks, error) {
	switch desc.Kind {
	case descriptor.KindMedia:
		return NewMediaHooks(desc, f.files, f.engine, f.log), nil
	case descriptor.KindSoundBank:
		return NewSoundBankHooks(desc, f.files, f.engine, f.log), nil
	case descriptor.KindExternalSource:
		return NewExternalSourceHooks(desc, f.files, f.engine, f.log), nil
	default:
		return nil, errors.New(ErrUnknownKind).
			Component("media").
			Category(errors.CategoryValidation).
			ResourceContext(desc.ID, desc.Name).
			Context("kind", desc.Kind.String()).
			Build()
	}
}

// Create builds a Closed state for desc
func (f *Factory) Create(desc descriptor.Descriptor) (*resource.State, error) {
	hooks, err := f.Hooks(desc)
	if err != nil {
		return nil, err
	}

	opts := []resource.Option{
		resource.WithTicker(f.engine.Deferred()),
		resource.WithLogger(f.log),
		resource.WithKind(desc.Kind.String()),
		resource.WithTermWait(f.termWait, f.termMaxAttempts),
	}
	if f.executor != nil {
		opts = append(opts, resource.WithExecutor(f.executor))
	}
	return resource.New(desc.String(), hooks, opts...), nil
}
