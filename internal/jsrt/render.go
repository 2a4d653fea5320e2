package jsrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v8 "github.com/tommie/v8go"
)

const (
	renderGlobal = "__render__"

	// HookGlobal is the property the bridge probes for at build time
	HookGlobal = "__blockBridgeHook"

	// BlocksGlobal holds the page's bridge callables, keyed by block name
	BlocksGlobal = "__blocks"
)

// ErrRenderOutput is returned when a render script does not produce a string
var ErrRenderOutput = errors.New("render script must return a string")

// ErrRenderTimeout is returned when a page render runs past its timeout. The
// time counts blocks the page calls through the hook while it renders.
var ErrRenderTimeout = errors.New("page render timed out")

func renderTimeout(d time.Duration) error {
	return fmt.Errorf("%w after %s", ErrRenderTimeout, d)
}

// Hook answers a live bridge call made while a page renders. args is the
// serialized JSON argument array.
type Hook func(modulePath, id, args string) (json.RawMessage, error)

// RenderRequest describes one page render.
type RenderRequest struct {
	BasePath   string
	ScriptPath string

	// Prelude runs before the render script. It is expected to define
	// globalThis.__blocks.
	Prelude string

	// Page is passed to the render script as its second argument
	Page json.RawMessage

	Hook    Hook
	Timeout time.Duration
}

// Renderer runs page render scripts with the build-time bridge hook
// installed.
type Renderer struct {
	loader *Loader
}

// NewRenderer creates a renderer that shares loader with other runtimes.
// A nil loader gets a private one.
func NewRenderer(loader *Loader) *Renderer {
	if loader == nil {
		loader = NewLoader()
	}

	return &Renderer{loader: loader}
}

// RenderPage calls the default export of req.ScriptPath as
// fn(globalThis.__blocks, page) and returns the HTML it produces. The hook
// is only reachable for the duration of the call.
func (r *Renderer) RenderPage(ctx context.Context, req RenderRequest) (string, error) {
	bundle, err := r.loader.Load(req.BasePath, req.ScriptPath, renderGlobal)
	if err != nil {
		return "", fmt.Errorf("failed to load render script: %w", err)
	}

	page := req.Page
	if len(page) == 0 {
		page = json.RawMessage("null")
	}

	if !json.Valid(page) {
		return "", fmt.Errorf("page data is not valid JSON")
	}

	s, err := newSession(ctx, req.Timeout, renderTimeout)
	if err != nil {
		return "", err
	}
	defer s.close()

	if req.Hook != nil {
		if err := s.installHook(req.Hook); err != nil {
			return "", err
		}
		defer s.ctx.Global().Delete(HookGlobal)
	}

	if req.Prelude != "" {
		if _, err := s.run(req.Prelude, "prelude.js"); err != nil {
			if ierr := s.interrupted(); ierr != nil {
				return "", ierr
			}

			return "", fmt.Errorf("failed to run bridge prelude: %w", err)
		}
	}

	if _, err := s.run(bundle.Source, bundle.Path); err != nil {
		if ierr := s.interrupted(); ierr != nil {
			return "", ierr
		}

		return "", fmt.Errorf("failed to evaluate %s: %w", req.ScriptPath, err)
	}

	args := "[globalThis." + BlocksGlobal + " || {}, " + string(page) + "]"
	out, err := s.call(renderGlobal, args)
	if err != nil {
		return "", err
	}

	switch out.State {
	case stateMissing:
		return "", fmt.Errorf("%s has no default export", req.ScriptPath)
	case stateRejected:
		return "", fmt.Errorf("render script failed: %s", out.Payload)
	}

	var html string
	if err := json.Unmarshal([]byte(out.Payload), &html); err != nil {
		return "", ErrRenderOutput
	}

	return html, nil
}

// installHook exposes hook to JavaScript. A failing hook throws its message
// as a string.
func (s *session) installHook(hook Hook) error {
	tmpl := v8.NewFunctionTemplate(s.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		iso := info.Context().Isolate()

		throw := func(msg string) *v8.Value {
			val, err := v8.NewValue(iso, msg)
			if err != nil {
				return nil
			}

			return iso.ThrowException(val)
		}

		in := info.Args()
		if len(in) < 3 {
			return throw("bridge hook expects (modulePath, id, args)")
		}

		args, err := v8.JSONStringify(info.Context(), in[2])
		if err != nil {
			return throw(err.Error())
		}

		result, err := hook(in[0].String(), in[1].String(), args)
		if err != nil {
			return throw(err.Error())
		}

		if len(result) == 0 {
			return v8.Undefined(iso)
		}

		val, err := v8.JSONParse(info.Context(), string(result))
		if err != nil {
			return throw(err.Error())
		}

		return val
	})

	if err := s.ctx.Global().Set(HookGlobal, tmpl.GetFunction(s.ctx)); err != nil {
		return fmt.Errorf("failed to install bridge hook: %w", err)
	}

	return nil
}
