package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultCacheFile      = "cache.btr"
	DefaultStoreDir       = ".blockbridge-cache"
	DefaultOutDir         = "dist"
	DefaultTimeout        = 30 * time.Second
	DefaultBlockTTL       = time.Duration(0)
	DefaultChunkThreshold = 16 * 1024
	DefaultLogLevel       = "info"
	DefaultVerbose        = false
	DefaultNoCache        = false
)

// Holds the configuration options for blockbridge
type Config struct {
	// Directory relative paths are resolved against
	SiteDir string

	// Config file that was read, if any
	ConfigFile string

	// Serialized page cache
	CacheFile string

	// Directory of the persistent block result store
	StoreDir string

	// Directory pages are written to
	OutDir string

	// Block invocations and page renders allowed to run at once
	Workers int

	// Bound on one block invocation or page render
	Timeout time.Duration

	// How long stored block results are reused across builds. Zero disables
	// the store.
	BlockTTL time.Duration

	// Result size from which bridge entries are emitted as chunks
	ChunkThreshold int

	LogLevel string

	// Enable verbose output
	Verbose bool

	// Render every page even if its cache entry is fresh
	NoCache bool

	Pages []Page
}

// Page is one entry of the page manifest
type Page struct {
	Path    string   `mapstructure:"path"`
	Content string   `mapstructure:"content"`
	Render  string   `mapstructure:"render"`
	Head    []string `mapstructure:"head"`
	Styles  string   `mapstructure:"styles"`
	Scripts []string `mapstructure:"scripts"`
	CSS     []string `mapstructure:"css"`
	Routes  []string `mapstructure:"routes"`
	Blocks  []Block  `mapstructure:"blocks"`
}

// Block is a block call site declared by a page
type Block struct {
	Name   string `mapstructure:"name"`
	Module string `mapstructure:"module"`

	// Argument lists executed before the page renders
	Prefetch [][]any `mapstructure:"prefetch"`
}

// Load builds a Config from viper. siteDir anchors relative paths.
func Load(siteDir string) (*Config, error) {
	cfg := &Config{
		SiteDir:        siteDir,
		ConfigFile:     viper.ConfigFileUsed(),
		CacheFile:      viper.GetString("cache_file"),
		StoreDir:       viper.GetString("store_dir"),
		OutDir:         viper.GetString("out_dir"),
		Workers:        viper.GetInt("workers"),
		Timeout:        viper.GetDuration("timeout"),
		BlockTTL:       viper.GetDuration("block_ttl"),
		ChunkThreshold: viper.GetInt("chunk_threshold"),
		LogLevel:       viper.GetString("log_level"),
		Verbose:        viper.GetBool("verbose"),
		NoCache:        viper.GetBool("no_cache"),
	}

	if err := viper.UnmarshalKey("pages", &cfg.Pages); err != nil {
		return nil, fmt.Errorf("invalid page manifest: %w", err)
	}

	// Apply defaults if not set
	if cfg.CacheFile == "" {
		cfg.CacheFile = DefaultCacheFile
	}

	if cfg.StoreDir == "" {
		cfg.StoreDir = DefaultStoreDir
	}

	if cfg.OutDir == "" {
		cfg.OutDir = DefaultOutDir
	}

	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SiteDir == "" {
		c.SiteDir = "."
	}

	abs, err := filepath.Abs(c.SiteDir)
	if err != nil {
		return fmt.Errorf("invalid site directory: %v", err)
	}
	c.SiteDir = abs

	c.CacheFile = c.resolve(c.CacheFile)
	c.StoreDir = c.resolve(c.StoreDir)
	c.OutDir = c.resolve(c.OutDir)

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1: %d", c.Workers)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive: %s", c.Timeout)
	}

	if c.BlockTTL < 0 {
		return fmt.Errorf("block_ttl must not be negative: %s", c.BlockTTL)
	}

	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return c.validatePages()
}

func (c *Config) validatePages() error {
	seen := make(map[string]bool)

	for _, p := range c.Pages {
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("page path must start with /: %q", p.Path)
		}

		if seen[p.Path] {
			return fmt.Errorf("duplicate page path: %s", p.Path)
		}
		seen[p.Path] = true

		for _, r := range p.Routes {
			if !strings.HasPrefix(r, "/") {
				return fmt.Errorf("page %s: route must start with /: %q", p.Path, r)
			}
		}

		names := make(map[string]bool)
		for _, b := range p.Blocks {
			if b.Name == "" || b.Module == "" {
				return fmt.Errorf("page %s: block needs a name and a module", p.Path)
			}

			if names[b.Name] {
				return fmt.Errorf("page %s: duplicate block name: %s", p.Path, b.Name)
			}
			names[b.Name] = true
		}
	}

	return nil
}

// StoreEnabled reports whether block results persist across builds
func (c *Config) StoreEnabled() bool {
	return c.BlockTTL > 0
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(c.SiteDir, path)
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}

	return false
}
