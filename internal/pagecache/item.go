package pagecache

import "sort"

// CacheItem is the build-time rendering artifact for one page. Items are
// never patched: a re-render replaces the whole item.
type CacheItem struct {
	// Head holds the head tag strings in document order
	Head []string `cbor:"head"`

	// Content is the rendered HTML body content
	Content string `cbor:"content"`

	// Styles is the page's inline CSS
	Styles string `cbor:"styles"`

	// Script is the inline script, including the generated block bridge
	Script string `cbor:"script"`

	// Blocks lists the block modules the page used, in call-site order
	Blocks []string `cbor:"blocks"`

	// Scripts and CSS list additional URLs to load
	Scripts []string `cbor:"scripts"`
	CSS     []string `cbor:"css"`

	// Routes are extra paths this entry also serves
	Routes []string `cbor:"routes"`

	// LastModified is the newest input modification time, in Unix milliseconds
	LastModified int64 `cbor:"last_modified"`

	// Chunks lists the chunk modules the bridge script loads lazily
	Chunks []string `cbor:"chunks"`

	// SourceHash is the blake3 digest of every input that went into the item
	SourceHash string `cbor:"source_hash"`
}

// Cache maps a page path to its cached artifact
type Cache map[string]*CacheItem

// Fresh reports whether the cached item for path was produced from inputs
// with the given hash.
func (c Cache) Fresh(path, sourceHash string) (*CacheItem, bool) {
	item, ok := c[path]
	if !ok || item == nil || sourceHash == "" {
		return nil, false
	}

	return item, item.SourceHash == sourceHash
}

// Prune removes every entry whose path is not in keep and returns the removed paths.
func (c Cache) Prune(keep map[string]bool) []string {
	var removed []string
	for path := range c {
		if !keep[path] {
			delete(c, path)
			removed = append(removed, path)
		}
	}

	sort.Strings(removed)
	return removed
}
