package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/repatch/internal/config"
	"github.com/hupe1980/repatch/internal/diff"
	"github.com/hupe1980/repatch/internal/logging"
	"github.com/hupe1980/repatch/internal/manifest"
	"github.com/hupe1980/repatch/internal/watch"
	"github.com/hupe1980/repatch/pkg/repatch"
)

type watchOptions struct {
	showDiff bool
}

func newWatchCommand() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch <manifest-dir>",
		Short: "Watch class manifests and live-patch on change",
		Long: `Watch loads every class manifest under the given directory, then
monitors the directory for modification and re-evaluates changed
manifests in place. Redefined classes are patched member by member on
the already-registered class object.

Filesystem events are debounced; each reload reports the affected
source and, with --show-diff, a unified diff of the manifest text.
Use --poll to fall back to periodic polling on filesystems where
change notification is unreliable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.showDiff, "show-diff", true, "print a unified diff on each reload")
	f.Duration("debounce", 500*time.Millisecond, "debounce interval for file changes")
	f.Bool("poll", false, "poll for changes instead of using OS notifications")
	f.Duration("poll-interval", 2*time.Second, "polling period with --poll")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, dir string, opts *watchOptions) error {
	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)
	out := cmd.ErrOrStderr()

	regOpts := repatch.DefaultOptions()
	regOpts.Debounce = cfg.Debounce
	regOpts.Logger = logger
	regOpts.OnReload = func(res repatch.ReloadResult) {
		reportReload(out, res, opts.showDiff, !cfg.NoColor)
	}

	// The registry owns change detection; the notifier only tells it
	// when to look. Polling substitutes for fsnotify when asked.
	var reg *repatch.Registry

	if cfg.Poll {
		regOpts.Notifier = watch.NewPoller(cfg.PollInterval, func() {
			reg.CheckSources(ctx)
		})
	}

	reg = repatch.New(regOpts)
	defer reg.Close()

	eval := manifest.New(reg)
	reg.SetEvaluator(eval)

	// Initial load registers every manifest and its directory.
	if err := eval.LoadDir(ctx, dir); err != nil {
		return fmt.Errorf("loading manifests: %w", err)
	}

	fmt.Fprintf(out, "watching %s (%d classes, %d sources, debounce=%s, poll=%t)\n",
		dir, len(reg.Identities()), len(reg.Sources()), cfg.Debounce, cfg.Poll)

	// Trap SIGINT / SIGTERM for graceful shutdown.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()

	fmt.Fprintln(out, "\nshutting down watcher")

	return nil
}

// reportReload prints the status line for one reloaded source.
func reportReload(out io.Writer, res repatch.ReloadResult, showDiff, color bool) {
	now := time.Now().Format("15:04:05")

	if res.Err != nil {
		fmt.Fprintf(out, "[%s] %s → ERROR: %v\n", now, res.Source, res.Err)

		return
	}

	fmt.Fprintf(out, "[%s] %s → reloaded\n", now, res.Source)

	if showDiff && res.Diff != "" {
		diff.Write(out, res.Diff, color)
	}
}
