package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/blockbridge/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. BLOCKBRIDGE_OUT_DIR
const EnvPrefix = "BLOCKBRIDGE"

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadForBuild loads configuration for the site in args[0], or the working
// directory when no argument is given
func (l *Loader) LoadForBuild(cmd *cobra.Command, args []string) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()
	siteDir := l.loadLocalConfig(args)
	l.bindEnv()
	l.bindCommandFlags(cmd)

	return Load(siteDir)
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("cache_file", DefaultCacheFile)
	viper.SetDefault("store_dir", DefaultStoreDir)
	viper.SetDefault("out_dir", DefaultOutDir)
	viper.SetDefault("timeout", DefaultTimeout)
	viper.SetDefault("block_ttl", DefaultBlockTTL)
	viper.SetDefault("chunk_threshold", DefaultChunkThreshold)
	viper.SetDefault("log_level", DefaultLogLevel)
	viper.SetDefault("verbose", DefaultVerbose)
	viper.SetDefault("no_cache", DefaultNoCache)
}

// GlobalConfigDir returns the directory holding the user's global config
func GlobalConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, "blockbridge")
}

// loadGlobalConfig loads global configuration from the user config directory
func (l *Loader) loadGlobalConfig() {
	globalDir := GlobalConfigDir()
	if globalDir == "" {
		return
	}

	for _, ext := range configExtensions {
		globalPath := filepath.Join(globalDir, "config."+ext)

		if _, err := os.Stat(globalPath); err == nil {
			viper.SetConfigFile(globalPath)

			if err := viper.ReadInConfig(); err != nil {
				logging.Warn("ignoring unreadable global config", "file", globalPath, "error", err)
				continue
			}

			break
		}
	}
}

// loadLocalConfig merges the site's local configuration over the global one
// and returns the site directory
func (l *Loader) loadLocalConfig(args []string) string {
	start := "."
	if len(args) > 0 {
		start = args[0]
	}

	dir, err := filepath.Abs(start)
	if err != nil {
		return start // silently ignore, Load() will handle validation
	}

	localPath := FindLocalConfig(dir)
	if localPath == "" {
		return dir
	}

	viper.SetConfigFile(localPath)
	if err := viper.MergeInConfig(); err != nil {
		// the page manifest lives here, so a parse error must be visible
		logging.Warn("ignoring unreadable site config", "file", localPath, "error", err)
	}

	return filepath.Dir(localPath)
}

// bindEnv lets BLOCKBRIDGE_* variables override config files
func (l *Loader) bindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	for key, flag := range map[string]string{
		"verbose":         "verbose",
		"log_level":       "log-level",
		"out_dir":         "out",
		"workers":         "workers",
		"timeout":         "timeout",
		"no_cache":        "no-cache",
		"block_ttl":       "block-ttl",
		"chunk_threshold": "chunk-threshold",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}
