package soak

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tphakala/bankstream/internal/app"
	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/logger"
)

const (
	quiesceTimeout  = 30 * time.Second
	quiescePoll     = 5 * time.Millisecond
	releaseTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ErrInvariant is returned when a resource ends the run in a state that
// disagrees with its reference counters
var ErrInvariant = errors.NewStd("resource state invariant violated")

type options struct {
	manifest    string
	workers     int
	duration    time.Duration
	rate        float64
	streamBytes int64
	seed        uint64
	metrics     bool
}

// Command creates the soak command.
func Command(settings *conf.Settings) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Hammer the registry with random concurrent load, unload and stream calls",
		Long: `Run workers issuing random Load, Unload and Stream calls against the
resources of a manifest. When the run ends every reference is released, the
system is left to settle and each remaining resource is checked to be Closed
exactly when its counters are zero.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.workers < 1 {
				return fmt.Errorf("workers must be at least 1, got %d", opts.workers)
			}
			if opts.duration <= 0 {
				return fmt.Errorf("duration must be positive, got %s", opts.duration)
			}
			if opts.metrics {
				settings.Metrics.Enabled = true
			}
			return run(cmd.Context(), cmd.OutOrStdout(), settings, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "", "Path to the resource manifest")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 4, "Number of concurrent workers")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "How long to run")
	cmd.Flags().Float64Var(&opts.rate, "rate", 200, "Operations per second across all workers, 0 for unlimited")
	cmd.Flags().Int64Var(&opts.streamBytes, "stream-bytes", 4*conf.DefaultGranularity, "Bytes read per stream operation")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "Random seed, 0 for a time based seed")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Serve Prometheus metrics during the run")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// counters are shared by every worker
type counters struct {
	loads, unloads, streams atomic.Int64
	failures                atomic.Int64
	bytes                   atomic.Int64
}

func run(ctx context.Context, out io.Writer, settings *conf.Settings, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := GetLogger()

	root, descs, err := descriptor.LoadManifest(opts.manifest)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return fmt.Errorf("manifest %s lists no resources", opts.manifest)
	}
	if root = app.ManifestRoot(opts.manifest, root); root != "" {
		settings.FileCache.Root = root
	}
	if opts.seed == 0 {
		opts.seed = uint64(time.Now().UnixNano()) //nolint:gosec // seed only
	}

	a, err := app.New(settings)
	if err != nil {
		return err
	}
	a.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", logger.Error(err))
		}
	}()

	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, opts.workers)

	log.Info("soak started",
		logger.Int("resources", len(descs)),
		logger.Int("workers", opts.workers),
		logger.Duration("duration", opts.duration),
		logger.Uint64("seed", opts.seed))

	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var stats counters
	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i := range opts.workers {
		w := &worker{
			app:     a,
			descs:   descs,
			limiter: limiter,
			rng:     rand.New(rand.NewPCG(opts.seed, uint64(i))), //nolint:gosec // load pattern only
			stats:   &stats,
			stream:  opts.streamBytes,
			held:    make(map[uint32]int),
		}
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	workErr := g.Wait()
	elapsed := time.Since(start)

	quiesceCtx, quiesceCancel := context.WithTimeout(context.WithoutCancel(ctx), quiesceTimeout)
	defer quiesceCancel()
	quiesceErr := a.Quiesce(quiesceCtx, quiescePoll)
	violations := a.CheckCounters()
	if quiesceErr == nil && workErr == nil {
		// every reference is released, so every state must go away
		quiesceErr = a.WaitDrained(quiesceCtx, quiescePoll)
	}

	fmt.Fprintf(out, "elapsed:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "loads:      %d\n", stats.loads.Load())
	fmt.Fprintf(out, "unloads:    %d\n", stats.unloads.Load())
	fmt.Fprintf(out, "streams:    %d (%d bytes, peak %d in flight)\n", stats.streams.Load(), stats.bytes.Load(), a.Bridge.PeakInFlight())
	fmt.Fprintf(out, "failures:   %d\n", stats.failures.Load())
	fmt.Fprintf(out, "live:       %d resources, %d engine entries\n", a.Registry.Len(), a.Engine.Len())
	fmt.Fprintf(out, "violations: %d\n", len(violations))
	for _, v := range violations {
		fmt.Fprintf(out, "  %s\n", v)
	}

	var errs []error
	if workErr != nil {
		errs = append(errs, workErr)
	}
	if quiesceErr != nil {
		errs = append(errs, quiesceErr)
	}
	if len(violations) > 0 {
		errs = append(errs, fmt.Errorf("%d resources: %w", len(violations), ErrInvariant))
	}
	return errors.Join(errs...)
}

type worker struct {
	app     *app.App
	descs   []descriptor.Descriptor
	limiter *rate.Limiter
	rng     *rand.Rand
	stats   *counters
	stream  int64

	// load references taken by this worker and not yet released
	held map[uint32]int
}

func (w *worker) run(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		desc := w.descs[w.rng.IntN(len(w.descs))]

		switch w.rng.IntN(3) {
		case 0:
			w.load(ctx, desc)
		case 1:
			if w.held[desc.ID] > 0 {
				w.unload(ctx, desc)
			} else {
				w.load(ctx, desc)
			}
		default:
			if streamable(desc) {
				w.streamRead(ctx, desc)
			} else {
				w.load(ctx, desc)
			}
		}
	}
	return w.releaseAll(ctx)
}

func (w *worker) load(ctx context.Context, desc descriptor.Descriptor) {
	if err := w.app.Load(ctx, desc); err != nil {
		w.fail(ctx, "load", desc, err)
		return
	}
	w.held[desc.ID]++
	w.stats.loads.Add(1)
}

func (w *worker) unload(ctx context.Context, desc descriptor.Descriptor) {
	// the reference is gone once the request is issued
	w.held[desc.ID]--
	if err := w.app.Unload(ctx, desc); err != nil {
		w.fail(ctx, "unload", desc, err)
		return
	}
	w.stats.unloads.Add(1)
}

func (w *worker) streamRead(ctx context.Context, desc descriptor.Descriptor) {
	n, err := w.app.StreamRead(ctx, desc, w.stream)
	w.stats.bytes.Add(n)
	if err != nil {
		w.fail(ctx, "stream", desc, err)
		return
	}
	w.stats.streams.Add(1)
}

// releaseAll drops every load reference still held once the run is over
func (w *worker) releaseAll(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	var errs []error
	for _, desc := range w.descs {
		for w.held[desc.ID] > 0 {
			w.held[desc.ID]--
			if err := w.app.Unload(releaseCtx, desc); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", desc, err))
				continue
			}
			w.stats.unloads.Add(1)
		}
	}
	return errors.Join(errs...)
}

// fail counts an operation error unless the run is simply ending
func (w *worker) fail(ctx context.Context, op string, desc descriptor.Descriptor, err error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return
	}
	w.stats.failures.Add(1)
	GetLogger().Debug("operation failed",
		logger.String("op", op),
		logger.String("resource", desc.String()),
		logger.Error(err))
}

func streamable(desc descriptor.Descriptor) bool {
	return desc.Streaming && desc.Kind != descriptor.KindSoundBank
}
