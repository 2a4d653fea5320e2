package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/blockbridge/internal/config"
	"github.com/Norgate-AV/blockbridge/internal/logging"
	"github.com/Norgate-AV/blockbridge/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "blockbridge",
	Short: "Build-time block execution for static sites",
	Long: `Render a site's pages, executing their data blocks in isolated workers,
caching the results and shipping them to the browser through the block bridge.`,
	RunE:              runBuild,
	SilenceUsage:      true,
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: initLogging,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	addBuildFlags(rootCmd)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(workerCmd)
}

// initLogging sets up logging before config files are read, so only flags
// and the environment apply here
func initLogging(cmd *cobra.Command, _ []string) error {
	level := os.Getenv(config.EnvPrefix + "_LOG_LEVEL")

	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		level = f.Value.String()
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}

	logging.Init(level)
	return nil
}

// loadConfig runs the config loader and applies the configured log level
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	viper.Reset()

	cfg, err := config.NewLoader().LoadForBuild(cmd, args)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logging.Init(cfg.LogLevel)
	return cfg, nil
}
