package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/blockbridge/internal/blockstore"
	"github.com/Norgate-AV/blockbridge/internal/build"
	"github.com/Norgate-AV/blockbridge/internal/config"
	"github.com/Norgate-AV/blockbridge/internal/executor"
	"github.com/Norgate-AV/blockbridge/internal/logging"
	"github.com/Norgate-AV/blockbridge/internal/pagecache"
)

var buildCmd = &cobra.Command{
	Use:          "build [site-dir]",
	Short:        "Build the site",
	Long:         `Render every page in the manifest, reusing cached pages whose inputs are unchanged.`,
	RunE:         runBuild,
	SilenceUsage: true,
	Args:         cobra.MaximumNArgs(1),
}

func init() {
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("out", "o", "", "Output directory")
	cmd.Flags().IntP("workers", "j", 0, "Concurrent block workers and page renders (default: number of CPUs)")
	cmd.Flags().Duration("timeout", 0, "Timeout for one block invocation or page render")
	cmd.Flags().Bool("no-cache", false, "Render every page even if its cache entry is fresh")
	cmd.Flags().Duration("block-ttl", 0, "Reuse stored block results for this long across builds (0 disables)")
	cmd.Flags().Int("chunk-threshold", 0, "Result size in bytes from which bridge entries load lazily")
	cmd.Flags().Bool("minify", false, "Minify generated bridge scripts")
}

// executorOptions configures block execution. Tests replace it to avoid
// spawning workers.
var executorOptions = func(cfg *config.Config) executor.Options {
	return executor.Options{
		Workers: cfg.Workers,
		Timeout: cfg.Timeout,
		Command: executor.WorkerCommand(workerCmdName),
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	if len(cfg.Pages) == 0 {
		return fmt.Errorf("no pages configured in %s", describeConfig(cfg))
	}

	exec, err := executor.New(executorOptions(cfg))
	if err != nil {
		return err
	}

	minify, _ := cmd.Flags().GetBool("minify")

	builder, err := build.New(cfg, build.Options{Invoker: exec, Minify: minify})
	if err != nil {
		return err
	}

	if cfg.StoreEnabled() {
		store, err := blockstore.Open(blockstore.Options{
			Dir:         cfg.StoreDir,
			TTL:         cfg.BlockTTL,
			Fingerprint: fingerprintFunc(builder),
		})
		if err != nil {
			return err
		}
		defer store.Close()

		if removed, err := store.Prune(); err != nil {
			logging.Warn("failed to prune block store", "error", err)
		} else if removed > 0 {
			logging.Debug("pruned expired block results", "count", removed)
		}

		builder.SetStore(store)
	}

	report, err := builder.Build(cmd.Context())
	if report != nil {
		printReport(cmd.OutOrStdout(), report, exec.Stats())
	}

	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	return nil
}

func fingerprintFunc(b *build.Builder) blockstore.FingerprintFunc {
	return func(basePath, modulePath string) (string, error) {
		return b.Fingerprint(basePath, modulePath), nil
	}
}

func printReport(w io.Writer, r *build.Report, stats executor.Stats) {
	fmt.Fprintf(w, "Rendered %d, reused %d, removed %d, failed %d page(s) in %s\n",
		len(r.Rendered), len(r.Reused), len(r.Removed), len(r.Failed), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Blocks: %d executed (%d failed, %d without response), %d table hits, %d store hits\n",
		stats.Executed, stats.Failed, stats.NoResponse, r.Memo.TableHits, r.Memo.StoreHits)
	fmt.Fprintf(w, "Recorded %d distinct invocation(s) of %d module(s)\n", r.Invocations, len(r.Modules))

	if r.CacheStatus == pagecache.Recovered {
		fmt.Fprintln(w, "Warning: page cache was unreadable and has been rebuilt")
	}
}

func describeConfig(cfg *config.Config) string {
	if cfg.ConfigFile != "" {
		return cfg.ConfigFile
	}

	return cfg.SiteDir + " (no .blockbridge config found)"
}
