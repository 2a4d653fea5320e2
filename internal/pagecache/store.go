// Package pagecache persists rendered page artifacts between builds.
//
// The cache file holds the whole page map as gzip-compressed CBOR. It is
// read once at the start of a build pass and written once at the end;
// there are no incremental updates. A missing, truncated or foreign file
// never fails a build: it is treated as an empty cache and reported
// through the store's recovery hook.
package pagecache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/Norgate-AV/blockbridge/internal/codec"
	"github.com/Norgate-AV/blockbridge/internal/logging"
)

// DefaultFileName is the default cache file name
const DefaultFileName = "cache.btr"

// Status describes how a cache was obtained
type Status int

const (
	// Loaded means the file existed and decoded cleanly
	Loaded Status = iota
	// Missing means there was no cache file yet
	Missing
	// Recovered means the file existed but could not be decoded
	Recovered
)

func (s Status) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Missing:
		return "missing"
	case Recovered:
		return "recovered"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// LoadResult is the outcome of Store.Read. Cache is never nil.
type LoadResult struct {
	Cache  Cache
	Status Status
	// Err is the decode failure behind a Recovered status
	Err error
}

// Store reads and writes one cache file
type Store struct {
	path string

	// OnRecover is called when an unreadable cache file is replaced by an
	// empty cache. Defaults to a warning log.
	OnRecover func(path string, err error)
}

// NewStore creates a store for the cache file at path
func NewStore(path string) *Store {
	return &Store{
		path: path,
		OnRecover: func(path string, err error) {
			logging.Warn("discarding unreadable page cache", "path", path, "error", err)
		},
	}
}

// Path returns the cache file path
func (s *Store) Path() string {
	return s.path
}

// Read loads the cache file. It never fails: any read, decompression or
// decode problem yields an empty cache with a Recovered status.
func (s *Store) Read() LoadResult {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadResult{Cache: Cache{}, Status: Missing}
		}

		return s.recover(fmt.Errorf("failed to read cache file: %w", err))
	}

	cache, err := Decode(raw)
	if err != nil {
		return s.recover(err)
	}

	return LoadResult{Cache: cache, Status: Loaded}
}

func (s *Store) recover(err error) LoadResult {
	if s.OnRecover != nil {
		s.OnRecover(s.path, err)
	}

	return LoadResult{Cache: Cache{}, Status: Recovered, Err: err}
}

// Write replaces the cache file with the full contents of cache. The data
// goes to a temporary file in the same directory which is synced and then
// renamed over the old file, so a crash leaves either the old or the new
// cache, never a torn one.
func (s *Store) Write(cache Cache) error {
	data, err := Encode(cache)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	return nil
}

// Encode serializes a cache to gzip-compressed CBOR
func Encode(cache Cache) ([]byte, error) {
	if cache == nil {
		cache = Cache{}
	}

	payload, err := codec.Marshal(cache)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress cache: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress cache: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses gzip-compressed CBOR produced by Encode
func Decode(data []byte) (Cache, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cache: %w", err)
	}

	cache := Cache{}
	if err := codec.Unmarshal(payload, &cache); err != nil {
		return nil, fmt.Errorf("failed to decode cache: %w", err)
	}

	if cache == nil {
		cache = Cache{}
	}

	return cache, nil
}
