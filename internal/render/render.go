// Package render produces the HTML content of a page.
//
// Content comes from the page's .html or .md file. When the page has a
// render script it runs in V8 with the page data and the block bridge; calls
// made through the bridge reach the build's memoizer via the live hook.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Norgate-AV/blockbridge/internal/bridge"
	"github.com/Norgate-AV/blockbridge/internal/executor"
	"github.com/Norgate-AV/blockbridge/internal/jsrt"
	"github.com/Norgate-AV/blockbridge/internal/logging"
)

// PageData is what a render script receives as its second argument
type PageData struct {
	Path    string   `json:"path"`
	Content string   `json:"content"`
	Head    []string `json:"head"`
	Routes  []string `json:"routes"`
}

// Request describes one page render
type Request struct {
	BasePath    string
	ContentPath string
	ScriptPath  string

	// Prelude is the build-time bridge script
	Prelude string

	Page    PageData
	Timeout time.Duration

	// Hook answers bridge calls. Nil leaves the bridge to its table.
	Hook jsrt.Hook
}

// Renderer renders pages
type Renderer struct {
	js *jsrt.Renderer
}

// New creates a renderer. loader may be shared with other users of the
// same modules.
func New(loader *jsrt.Loader) *Renderer {
	return &Renderer{js: jsrt.NewRenderer(loader)}
}

// Render returns the page's HTML
func (r *Renderer) Render(ctx context.Context, req Request) (string, error) {
	content, err := LoadContent(req.BasePath, req.ContentPath)
	if err != nil {
		return "", err
	}

	if req.ScriptPath == "" {
		return content, nil
	}

	page := req.Page
	page.Content = content

	data, err := json.Marshal(page)
	if err != nil {
		return "", fmt.Errorf("failed to encode page data: %w", err)
	}

	return r.js.RenderPage(ctx, jsrt.RenderRequest{
		BasePath:   req.BasePath,
		ScriptPath: req.ScriptPath,
		Prelude:    req.Prelude,
		Page:       data,
		Hook:       req.Hook,
		Timeout:    req.Timeout,
	})
}

// Hook connects the bridge to memo for one page. Block failures surface in
// the render script as thrown messages; a block that produced no response
// reads as undefined.
func Hook(ctx context.Context, memo *bridge.Memoizer, scope *bridge.Scope, basePath string) jsrt.Hook {
	return func(modulePath, id, args string) (json.RawMessage, error) {
		serialized, err := bridge.CompactArgs(args)
		if err != nil {
			return nil, err
		}

		entry, err := memo.Invoke(ctx, scope, id, executor.Invocation{
			BasePath:   basePath,
			ModulePath: modulePath,
			Args:       serialized,
		})
		if err != nil {
			if errors.Is(err, executor.ErrNoResponse) {
				logging.Warn("block returned no response", "module", modulePath, "call_site", id)
				return nil, nil
			}

			return nil, err
		}

		if entry.Failed() {
			return nil, entry.Failure
		}

		return entry.Resolve()
	}
}
