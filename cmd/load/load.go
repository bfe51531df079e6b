package load

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/bankstream/internal/app"
	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/logger"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	manifest    string
	streamBytes int64
}

// Command creates the load command.
func Command(settings *conf.Settings) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load every resource of a manifest and unload it again",
		Long: `Load each manifest entry, optionally stream the first bytes of streamed
entries, then unload it. Prints one result row per entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), settings, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "", "Path to the resource manifest")
	cmd.Flags().Int64Var(&opts.streamBytes, "stream-bytes", 0, "Bytes to stream from each streamed entry, 0 to skip")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

type result struct {
	desc     descriptor.Descriptor
	streamed int64
	elapsed  time.Duration
	err      error
}

func run(ctx context.Context, out io.Writer, settings *conf.Settings, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	root, descs, err := descriptor.LoadManifest(opts.manifest)
	if err != nil {
		return err
	}
	if root = app.ManifestRoot(opts.manifest, root); root != "" {
		settings.FileCache.Root = root
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
			GetLogger().Warn("shutdown incomplete", logger.Error(err))
		}
	}()

	results := make([]result, 0, len(descs))
	for _, desc := range descs {
		if err := ctx.Err(); err != nil {
			return err
		}
		results = append(results, loadOne(ctx, a, desc, opts.streamBytes))
	}

	return report(out, results)
}

func loadOne(ctx context.Context, a *app.App, desc descriptor.Descriptor, streamBytes int64) result {
	res := result{desc: desc}
	start := time.Now()

	if res.err = a.Load(ctx, desc); res.err != nil {
		res.elapsed = time.Since(start)
		return res
	}

	if streamBytes > 0 && streamable(desc) {
		res.streamed, res.err = a.StreamRead(ctx, desc, streamBytes)
	}

	if err := a.Unload(ctx, desc); err != nil && res.err == nil {
		res.err = err
	}
	res.elapsed = time.Since(start)
	return res
}

func streamable(desc descriptor.Descriptor) bool {
	return desc.Streaming && desc.Kind != descriptor.KindSoundBank
}

func report(out io.Writer, results []result) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tSTREAMED\tTIME\tRESULT")

	var errs []error
	for _, r := range results {
		status := "ok"
		if r.err != nil {
			status = r.err.Error()
			errs = append(errs, r.err)
		}
		name := r.desc.Name
		if name == "" {
			name = r.desc.Path
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			r.desc.ID, r.desc.Kind, name, r.streamed, r.elapsed.Round(time.Microsecond), status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d resources failed: %w", len(errs), len(results), errors.Join(errs...))
	}
	return nil
}
