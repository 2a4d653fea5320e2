package build

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/Norgate-AV/blockbridge/internal/codec"
	"github.com/Norgate-AV/blockbridge/internal/config"
	"github.com/Norgate-AV/blockbridge/internal/jsrt"
)

const (
	renderGlobal = "__render__"
	blockGlobal  = "__block__"
)

// inputs is the identity of everything a page is built from
type inputs struct {
	hash         string
	lastModified int64
}

// hashPage digests the page's manifest entry, its content file, and the
// bundled code of its render script and block modules. Bundles include
// their imports, so editing a dependency changes the hash.
func (b *Builder) hashPage(page config.Page) (inputs, error) {
	h := blake3.New()

	manifest, err := codec.Marshal(page)
	if err != nil {
		return inputs{}, fmt.Errorf("failed to encode page entry: %w", err)
	}

	h.Write(manifest)
	h.Write([]byte(strconv.Itoa(b.cfg.ChunkThreshold)))
	h.Write([]byte(strconv.FormatBool(b.minify)))

	var newest int64
	track := func(path string) {
		if path == "" {
			return
		}

		if !filepath.IsAbs(path) {
			path = filepath.Join(b.cfg.SiteDir, path)
		}

		if info, err := os.Stat(path); err == nil && info.ModTime().UnixMilli() > newest {
			newest = info.ModTime().UnixMilli()
		}
	}

	if page.Content != "" {
		data, err := os.ReadFile(b.sitePath(page.Content))
		if err != nil {
			return inputs{}, fmt.Errorf("failed to read content: %w", err)
		}

		h.Write([]byte{0})
		h.Write(data)
		track(page.Content)
	}

	if page.Render != "" {
		bundle, err := b.loader.Load(b.cfg.SiteDir, page.Render, renderGlobal)
		if err != nil {
			return inputs{}, fmt.Errorf("failed to load render script: %w", err)
		}

		h.Write([]byte{0})
		h.Write([]byte(bundle.Hash))
		track(page.Render)
	}

	for _, block := range page.Blocks {
		h.Write([]byte{0})
		h.Write([]byte(b.Fingerprint(b.cfg.SiteDir, block.Module)))
		track(block.Module)
	}

	return inputs{hash: hex.EncodeToString(h.Sum(nil)), lastModified: newest}, nil
}

// Fingerprint identifies the current code of a block module. A module that
// does not bundle gets a stable marker instead, so it still hashes.
func (b *Builder) Fingerprint(basePath, modulePath string) string {
	bundle, err := b.loader.Load(basePath, modulePath, blockGlobal)
	if err != nil {
		return "unloadable:" + modulePath
	}

	return bundle.Hash
}

func (b *Builder) sitePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(b.cfg.SiteDir, path)
}

// loaderOrNew returns l, or a fresh loader when l is nil
func loaderOrNew(l *jsrt.Loader) *jsrt.Loader {
	if l == nil {
		return jsrt.NewLoader()
	}

	return l
}
