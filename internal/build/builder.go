// Package build renders the page manifest into static files.
//
// A build pass loads the page cache, reuses every page whose inputs hash
// the same as last time, renders the rest with their blocks executed
// through the memoizer, writes one HTML file per page route plus bridge
// chunks, and persists the whole cache again.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/blockbridge/internal/bridge"
	"github.com/Norgate-AV/blockbridge/internal/codegen"
	"github.com/Norgate-AV/blockbridge/internal/config"
	"github.com/Norgate-AV/blockbridge/internal/executor"
	"github.com/Norgate-AV/blockbridge/internal/jsrt"
	"github.com/Norgate-AV/blockbridge/internal/logging"
	"github.com/Norgate-AV/blockbridge/internal/pagecache"
	"github.com/Norgate-AV/blockbridge/internal/render"
	"github.com/Norgate-AV/blockbridge/internal/utils"
)

// Options configures a Builder
type Options struct {
	// Invoker executes blocks, normally an *executor.Executor
	Invoker bridge.Invoker

	// Store persists block results across builds. Optional.
	Store bridge.ResultStore

	// Loader bundles render scripts and block modules. Optional.
	Loader *jsrt.Loader

	// Minify shortens generated bridge scripts
	Minify bool
}

// Report summarises a build pass
type Report struct {
	Rendered []string
	Reused   []string
	Removed  []string
	Failed   []string

	// Invocations counts the distinct block calls recorded this pass, and
	// Modules lists the block modules they called
	Invocations int
	Modules     []string

	CacheStatus pagecache.Status
	Memo        bridge.MemoStats
	Duration    time.Duration
}

// Builder runs build passes for one site
type Builder struct {
	cfg      *config.Config
	invoker  bridge.Invoker
	store    bridge.ResultStore
	loader   *jsrt.Loader
	renderer *render.Renderer
	cache    *pagecache.Store
	minify   bool
}

// New creates a builder
func New(cfg *config.Config, opts Options) (*Builder, error) {
	if opts.Invoker == nil {
		return nil, errors.New("builder requires a block invoker")
	}

	loader := loaderOrNew(opts.Loader)

	return &Builder{
		cfg:      cfg,
		invoker:  opts.Invoker,
		store:    opts.Store,
		loader:   loader,
		renderer: render.New(loader),
		cache:    pagecache.NewStore(cfg.CacheFile),
		minify:   opts.Minify,
	}, nil
}

// SetStore attaches a persistent block result store
func (b *Builder) SetStore(store bridge.ResultStore) {
	b.store = store
}

// pageResult is the outcome of building one page
type pageResult struct {
	item   *pagecache.CacheItem
	chunks []codegen.Chunk
	reused bool
	err    error
}

// Build runs one pass. Pages that fail keep their previous cache entry and
// are reported; the pass still writes every other page and the cache. Only
// cancellation and cache write failures abort the pass.
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	loaded := b.cache.Read()
	cache := loaded.Cache
	report := &Report{CacheStatus: loaded.Status}

	logging.Debug("page cache loaded", "path", b.cache.Path(), "status", loaded.Status.String(), "pages", len(cache))

	memo := bridge.NewMemoizer(bridge.NewTable(), b.invoker, b.store)
	results := make([]pageResult, len(b.cfg.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for i, page := range b.cfg.Pages {
		g.Go(func() error {
			item, chunks, reused, err := b.buildPage(gctx, memo, page, cache)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			results[i] = pageResult{item: item, chunks: chunks, reused: reused, err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pageErrs []error
	keep := make(map[string]bool, len(b.cfg.Pages))

	for i, page := range b.cfg.Pages {
		keep[page.Path] = true
		res := results[i]

		switch {
		case res.err != nil:
			logging.Error("page failed", "page", page.Path, "error", res.err)
			report.Failed = append(report.Failed, page.Path)
			pageErrs = append(pageErrs, fmt.Errorf("page %s: %w", page.Path, res.err))
			continue
		case res.reused:
			report.Reused = append(report.Reused, page.Path)
		default:
			cache[page.Path] = res.item
			report.Rendered = append(report.Rendered, page.Path)
		}

		if err := b.writePage(page.Path, res.item, res.chunks); err != nil {
			return nil, err
		}
	}

	stale := make(map[string]*pagecache.CacheItem)
	for path, item := range cache {
		if !keep[path] {
			stale[path] = item
		}
	}

	report.Removed = cache.Prune(keep)
	for _, path := range report.Removed {
		b.removePage(path, stale[path])
	}

	b.pruneChunks(cache)

	if err := b.cache.Write(cache); err != nil {
		return nil, fmt.Errorf("failed to write page cache: %w", err)
	}

	report.Memo = memo.Stats()
	report.Invocations = memo.Table().Len()
	report.Modules = memo.Table().Modules()
	report.Duration = time.Since(start)

	return report, errors.Join(pageErrs...)
}

// buildPage returns the cached item when the page's inputs are unchanged,
// or renders a new one. cache is only read.
func (b *Builder) buildPage(ctx context.Context, memo *bridge.Memoizer, page config.Page, cache pagecache.Cache) (*pagecache.CacheItem, []codegen.Chunk, bool, error) {
	in, err := b.hashPage(page)
	if err != nil {
		return nil, nil, false, err
	}

	if previous, fresh := cache.Fresh(page.Path, in.hash); fresh && !b.cfg.NoCache && b.chunksPresent(previous) {
		logging.Debug("page unchanged", "page", page.Path)
		return previous, nil, true, nil
	}

	item, chunks, err := b.renderPage(ctx, memo, page, in)
	return item, chunks, false, err
}

func (b *Builder) renderPage(ctx context.Context, memo *bridge.Memoizer, page config.Page, in inputs) (*pagecache.CacheItem, []codegen.Chunk, error) {
	logging.Info("rendering page", "page", page.Path)

	scope := memo.Table().Scope(page.Path)
	blocks := codegenBlocks(page)
	ids := codegen.AssignIDs(blocks)

	if err := b.prefetch(ctx, memo, scope, page, ids); err != nil {
		return nil, nil, err
	}

	prelude, err := codegen.Generate(blocks, nil, codegen.Options{BuildTime: true})
	if err != nil {
		return nil, nil, err
	}

	content, err := b.renderer.Render(ctx, render.Request{
		BasePath:    b.cfg.SiteDir,
		ContentPath: page.Content,
		ScriptPath:  page.Render,
		Prelude:     prelude.Script,
		Page: render.PageData{
			Path:   page.Path,
			Head:   page.Head,
			Routes: page.Routes,
		},
		Timeout: b.cfg.Timeout,
		Hook:    render.Hook(ctx, memo, scope, b.cfg.SiteDir),
	})
	if err != nil {
		return nil, nil, err
	}

	out, err := codegen.Generate(blocks, scope, codegen.Options{
		ChunkThreshold: b.cfg.ChunkThreshold,
		Minify:         b.minify,
	})
	if err != nil {
		return nil, nil, err
	}

	item := &pagecache.CacheItem{
		Head:         page.Head,
		Content:      content,
		Styles:       page.Styles,
		Script:       out.Script,
		Blocks:       usedModules(scope),
		Scripts:      page.Scripts,
		CSS:          page.CSS,
		Routes:       page.Routes,
		LastModified: in.lastModified,
		Chunks:       chunkNames(out.Chunks),
		SourceHash:   in.hash,
	}

	return item, out.Chunks, nil
}

// prefetch executes the argument lists a page declares before it renders
func (b *Builder) prefetch(ctx context.Context, memo *bridge.Memoizer, scope *bridge.Scope, page config.Page, ids map[string]string) error {
	for _, block := range page.Blocks {
		for _, args := range block.Prefetch {
			serialized, err := bridge.SerializeArgs(args)
			if err != nil {
				return fmt.Errorf("block %s: %w", block.Name, err)
			}

			_, err = memo.Invoke(ctx, scope, ids[block.Name], executor.Invocation{
				BasePath:   b.cfg.SiteDir,
				ModulePath: block.Module,
				Args:       serialized,
			})

			switch {
			case err == nil:
			case errors.Is(err, executor.ErrNoResponse):
				logging.Warn("block returned no response", "page", page.Path, "block", block.Name)
			default:
				return fmt.Errorf("block %s: %w", block.Name, err)
			}
		}
	}

	return nil
}

// writePage writes the document for the page path and each extra route,
// and any new chunks
func (b *Builder) writePage(path string, item *pagecache.CacheItem, chunks []codegen.Chunk) error {
	doc := []byte(Document(item))

	for _, route := range append([]string{path}, item.Routes...) {
		file, err := utils.RouteFile(b.cfg.OutDir, route)
		if err != nil {
			return fmt.Errorf("page %s: %w", path, err)
		}

		if err := writeFile(file, doc); err != nil {
			return err
		}
	}

	for _, chunk := range chunks {
		if err := writeFile(filepath.Join(b.cfg.OutDir, codegen.ChunkDir, chunk.Name), chunk.Source); err != nil {
			return err
		}
	}

	return nil
}

// removePage deletes the documents of a page that left the manifest
func (b *Builder) removePage(path string, item *pagecache.CacheItem) {
	routes := []string{path}
	if item != nil {
		routes = append(routes, item.Routes...)
	}

	for _, route := range routes {
		file, err := utils.RouteFile(b.cfg.OutDir, route)
		if err != nil {
			continue
		}

		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			logging.Warn("failed to remove stale page", "file", file, "error", err)
		}
	}
}

// pruneChunks deletes chunk modules that no cached page loads
func (b *Builder) pruneChunks(cache pagecache.Cache) {
	dir := filepath.Join(b.cfg.OutDir, codegen.ChunkDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	live := make(map[string]bool)
	for _, item := range cache {
		if item == nil {
			continue
		}

		for _, name := range item.Chunks {
			live[name] = true
		}
	}

	for _, entry := range entries {
		if entry.IsDir() || live[entry.Name()] {
			continue
		}

		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			logging.Warn("failed to remove stale chunk", "chunk", entry.Name(), "error", err)
			continue
		}

		logging.Debug("removed stale chunk", "chunk", entry.Name())
	}
}

func (b *Builder) chunksPresent(item *pagecache.CacheItem) bool {
	for _, name := range item.Chunks {
		if _, err := os.Stat(filepath.Join(b.cfg.OutDir, codegen.ChunkDir, name)); err != nil {
			return false
		}
	}

	return true
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

func codegenBlocks(page config.Page) []codegen.Block {
	blocks := make([]codegen.Block, 0, len(page.Blocks))
	for _, blk := range page.Blocks {
		blocks = append(blocks, codegen.Block{Name: blk.Name, ModulePath: blk.Module})
	}

	return blocks
}

// usedModules lists the modules the page called, in call-site order
func usedModules(scope *bridge.Scope) []string {
	var modules []string
	for _, call := range scope.Calls() {
		if !slices.Contains(modules, call.ModulePath) {
			modules = append(modules, call.ModulePath)
		}
	}

	return modules
}

func chunkNames(chunks []codegen.Chunk) []string {
	var names []string
	for _, c := range chunks {
		names = append(names, c.Name)
	}

	return names
}
