// Package codegen emits the bridge script shipped with each page.
//
// The script defines __blockBridge, which application code calls through
// globalThis.__blocks. During a build-time render the bridge forwards calls
// to the live hook; in the browser it answers from entries registered by
// the generated statements, keyed by call-site id and serialized arguments.
package codegen

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/zeebo/blake3"

	"github.com/Norgate-AV/blockbridge/internal/bridge"
	"github.com/Norgate-AV/blockbridge/internal/logging"
)

// Marker is where generated statements are spliced into the bridge source
const Marker = "/*@blockbridge:entries*/"

const (
	// DefaultChunkThreshold is the value size from which results move to chunks
	DefaultChunkThreshold = 16 * 1024

	// DefaultChunkBase is the URL prefix chunk modules are loaded from
	DefaultChunkBase = "/chunks/"

	// ChunkDir is the output directory for chunk modules
	ChunkDir = "chunks"
)

//go:embed bridge.js
var bridgeSource string

// ErrNoMarker is returned by Splice when the source has no entries marker
var ErrNoMarker = errors.New("bridge source has no entries marker")

// Block is one block call site of a page, in manifest order
type Block struct {
	Name       string
	ModulePath string
}

// Options controls generation
type Options struct {
	// BuildTime keeps the live hook path. Browser scripts leave it off and
	// the minifier drops the branch.
	BuildTime bool

	// ChunkThreshold is the serialized size from which a value is emitted as
	// a lazily loaded chunk. Zero uses DefaultChunkThreshold, negative
	// disables chunking.
	ChunkThreshold int

	// ChunkBase is the URL prefix for chunk imports
	ChunkBase string

	// Minify shortens the emitted script
	Minify bool
}

// Chunk is a module holding one large result
type Chunk struct {
	// Name is the file name under ChunkDir
	Name   string
	Source []byte
}

// Output is a generated bridge script
type Output struct {
	Script string
	Chunks []Chunk

	// IDs maps block name to call-site id
	IDs map[string]string
}

// AssignIDs gives each call site its position in blocks as id
func AssignIDs(blocks []Block) map[string]string {
	ids := make(map[string]string, len(blocks))
	for i, b := range blocks {
		ids[b.Name] = strconv.Itoa(i)
	}

	return ids
}

// Generate builds the bridge script for one page. scope may be nil, which
// emits no entries. Failure entries are skipped so the browser sees a miss.
func Generate(blocks []Block, scope *bridge.Scope, opts Options) (Output, error) {
	if opts.ChunkThreshold == 0 {
		opts.ChunkThreshold = DefaultChunkThreshold
	}

	if opts.ChunkBase == "" {
		opts.ChunkBase = DefaultChunkBase
	}

	out := Output{IDs: AssignIDs(blocks)}

	var stmts strings.Builder
	if scope != nil {
		for _, call := range scope.Calls() {
			entry, err := scope.Table().Lookup(call.ModulePath, call.Args)
			if err != nil {
				continue
			}

			if entry.Failed() {
				logging.Debug("skipping failed block entry", "page", scope.Page, "module", call.ModulePath, "args", call.Args)
				continue
			}

			value, err := entry.Resolve()
			if err != nil {
				return Output{}, fmt.Errorf("failed to resolve entry for %s: %w", call.ModulePath, err)
			}

			literal, chunk, err := entryLiteral(value, opts)
			if err != nil {
				return Output{}, fmt.Errorf("failed to encode entry for %s: %w", call.ModulePath, err)
			}

			if chunk != nil && !hasChunk(out.Chunks, chunk.Name) {
				out.Chunks = append(out.Chunks, *chunk)
			}

			fmt.Fprintf(&stmts, "registerEntry(%s, %s, %s);\n", jsString(call.ID), jsString(call.Args), literal)
		}
	}

	stmts.WriteString(blocksStatement(blocks, out.IDs))

	spliced, err := Splice(bridgeSource, stmts.String())
	if err != nil {
		return Output{}, err
	}

	script, err := transform(spliced, opts)
	if err != nil {
		return Output{}, err
	}

	out.Script = script
	return out, nil
}

// Splice inserts statements after the entries marker
func Splice(source, statements string) (string, error) {
	idx := strings.Index(source, Marker)
	if idx < 0 {
		return "", ErrNoMarker
	}

	end := idx + len(Marker)
	return source[:end] + "\n" + statements + source[end:], nil
}

func blocksStatement(blocks []Block, ids map[string]string) string {
	var b strings.Builder
	b.WriteString("globalThis.__blocks = {")

	for i, block := range blocks {
		if i > 0 {
			b.WriteString(",")
		}

		fmt.Fprintf(&b, "\n  %s: __blockBridge(%s, %s)", jsString(block.Name), jsString(block.ModulePath), jsString(ids[block.Name]))
	}

	b.WriteString("\n};\n")
	return b.String()
}

// entryLiteral returns the JavaScript expression registered for value: the
// value itself, or a thunk importing it from a chunk.
func entryLiteral(value json.RawMessage, opts Options) (string, *Chunk, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return "", nil, err
	}

	var escaped bytes.Buffer
	json.HTMLEscape(&escaped, compact.Bytes())

	if opts.ChunkThreshold < 0 || escaped.Len() < opts.ChunkThreshold {
		return escaped.String(), nil, nil
	}

	sum := blake3.Sum256(escaped.Bytes())
	name := hex.EncodeToString(sum[:8]) + ".js"

	chunk := &Chunk{
		Name:   name,
		Source: []byte("export default " + escaped.String() + ";\n"),
	}

	thunk := fmt.Sprintf("function () { return import(%s).then(function (m) { return m.default; }); }", jsString(opts.ChunkBase+name))
	return thunk, chunk, nil
}

func transform(source string, opts Options) (string, error) {
	define := "false"
	if opts.BuildTime {
		define = "true"
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:            api.LoaderJS,
		Target:            api.ES2020,
		Define:            map[string]string{"BUILD_TIME_RENDER": define},
		MinifySyntax:      opts.Minify,
		MinifyWhitespace:  opts.Minify,
		MinifyIdentifiers: false,
		LogLevel:          api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			msgs = append(msgs, m.Text)
		}

		return "", fmt.Errorf("failed to transform bridge script: %s", strings.Join(msgs, "; "))
	}

	return string(result.Code), nil
}

// jsString quotes s as a JavaScript string literal that is safe inside a
// script tag
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func hasChunk(chunks []Chunk, name string) bool {
	for _, c := range chunks {
		if c.Name == name {
			return true
		}
	}

	return false
}
