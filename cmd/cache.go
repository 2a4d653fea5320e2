package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/blockbridge/internal/blockstore"
	"github.com/Norgate-AV/blockbridge/internal/config"
	"github.com/Norgate-AV/blockbridge/internal/pagecache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the page cache and block store",
}

var cacheStatsCmd = &cobra.Command{
	Use:          "stats [site-dir]",
	Short:        "Show cache statistics",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:          "clear [site-dir]",
	Short:        "Remove the page cache and all stored block results",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()

	loaded := pagecache.NewStore(cfg.CacheFile).Read()
	fmt.Fprintf(w, "Page cache: %s\n", cfg.CacheFile)
	fmt.Fprintf(w, "  Status: %s\n", loaded.Status)
	fmt.Fprintf(w, "  Pages: %d\n", len(loaded.Cache))

	if info, err := os.Stat(cfg.CacheFile); err == nil {
		fmt.Fprintf(w, "  Size: %d bytes\n", info.Size())
	}

	if _, err := os.Stat(cfg.StoreDir); os.IsNotExist(err) {
		fmt.Fprintf(w, "Block store: %s (not created)\n", cfg.StoreDir)
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	count, size, err := store.Stats()
	if err != nil {
		return fmt.Errorf("failed to read block store: %w", err)
	}

	fmt.Fprintf(w, "Block store: %s\n", store.Dir())
	fmt.Fprintf(w, "  Results: %d\n", count)
	fmt.Fprintf(w, "  Size: %d bytes\n", size)

	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := os.Remove(cfg.CacheFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove page cache: %w", err)
	}

	if _, err := os.Stat(cfg.StoreDir); err == nil {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Clear(); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
	return nil
}

// openStore opens the block store for maintenance. Keys are not computed,
// so no fingerprint is needed.
func openStore(cfg *config.Config) (*blockstore.Store, error) {
	return blockstore.Open(blockstore.Options{
		Dir: cfg.StoreDir,
		TTL: cfg.BlockTTL,
		Fingerprint: func(string, string) (string, error) {
			return "", fmt.Errorf("block store opened for maintenance only")
		},
	})
}
