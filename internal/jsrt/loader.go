package jsrt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/zeebo/blake3"
)

// Bundle is a module and its imports compiled to one classic script that
// assigns the module namespace to a global.
type Bundle struct {
	// Path is the absolute module path
	Path string

	// Global is the name the script assigns the module namespace to
	Global string

	// Source is the bundled script
	Source string

	// Hash is the blake3 digest of Source
	Hash string
}

// ErrModuleNotFound is returned when the module path does not resolve to a file
var ErrModuleNotFound = errors.New("module not found")

// Loader resolves module paths and bundles them with esbuild. Bundles are
// memoized per absolute path and global name for the loader's lifetime.
type Loader struct {
	bundles sync.Map // string -> *Bundle
}

// NewLoader creates a loader
func NewLoader() *Loader {
	return &Loader{}
}

// Resolve returns the absolute path of modulePath relative to basePath
func Resolve(basePath, modulePath string) (string, error) {
	if modulePath == "" {
		return "", fmt.Errorf("%w: empty module path", ErrModuleNotFound)
	}

	path := modulePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(basePath, modulePath)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", modulePath, err)
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, modulePath)
	}

	return abs, nil
}

// Load bundles the module at modulePath so that evaluating the result
// defines the global named global
func (l *Loader) Load(basePath, modulePath, global string) (*Bundle, error) {
	abs, err := Resolve(basePath, modulePath)
	if err != nil {
		return nil, err
	}

	key := global + "\x00" + abs
	if cached, ok := l.bundles.Load(key); ok {
		return cached.(*Bundle), nil
	}

	result := api.Build(api.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Outfile:       filepath.Join(filepath.Dir(abs), global+".js"),
		Bundle:        true,
		Write:         false,
		Format:        api.FormatIIFE,
		GlobalName:    global,
		Platform:      api.PlatformNeutral,
		MainFields:    []string{"module", "main"},
		Target:        api.ES2020,
		LogLevel:      api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failed to bundle %s: %s", modulePath, formatMessages(result.Errors))
	}

	if len(result.OutputFiles) == 0 {
		return nil, fmt.Errorf("failed to bundle %s: no output", modulePath)
	}

	source := string(result.OutputFiles[0].Contents)
	sum := blake3.Sum256(result.OutputFiles[0].Contents)

	bundle := &Bundle{
		Path:   abs,
		Global: global,
		Source: source,
		Hash:   hex.EncodeToString(sum[:]),
	}

	actual, _ := l.bundles.LoadOrStore(key, bundle)
	return actual.(*Bundle), nil
}

func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d: %s", m.Location.File, m.Location.Line, m.Text))
			continue
		}

		parts = append(parts, m.Text)
	}

	return strings.Join(parts, "; ")
}
