// Package jsrt executes JavaScript block modules and page render scripts in
// V8 isolates.
//
// Every call gets a fresh isolate and context, so no module state survives
// from one invocation to the next. Promises are settled by draining the
// microtask queue; there is no event loop, so a promise still pending after
// the queue drains can never settle and is reported as a failure.
package jsrt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"

	"github.com/Norgate-AV/blockbridge/internal/executor"
	"github.com/Norgate-AV/blockbridge/internal/logging"
)

const (
	blockGlobal   = "__block__"
	outcomeGlobal = "__outcome__"
)

// Runtime runs block modules. It implements executor.Runner.
type Runtime struct {
	loader *Loader
}

// NewRuntime creates a runtime with its own module loader
func NewRuntime() *Runtime {
	return &Runtime{loader: NewLoader()}
}

// RunBlock loads modulePath relative to basePath, calls its default export
// with the JSON array args spread as positional parameters and returns the
// settled value as JSON. It must only run inside a block worker process.
func (r *Runtime) RunBlock(ctx context.Context, basePath, modulePath, args string, timeout time.Duration) (json.RawMessage, error) {
	if err := executor.RequireIsolation(); err != nil {
		return nil, err
	}

	if err := validateArgs(args); err != nil {
		return nil, &executor.BlockError{Message: err.Error()}
	}

	bundle, err := r.loader.Load(basePath, modulePath, blockGlobal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", executor.ErrNoBlock, err)
	}

	s, err := newSession(ctx, timeout, blockTimeout)
	if err != nil {
		return nil, err
	}
	defer s.close()

	if _, err := s.run(bundle.Source, bundle.Path); err != nil {
		if s.interrupted() != nil {
			return nil, s.interrupted()
		}

		return nil, fmt.Errorf("%w: evaluating %s: %v", executor.ErrNoBlock, modulePath, err)
	}

	out, err := s.call(blockGlobal, args)
	if err != nil {
		return nil, err
	}

	if out.State == stateMissing {
		return nil, fmt.Errorf("%w: %s", executor.ErrNoBlock, modulePath)
	}

	if out.State == stateRejected {
		return nil, &executor.BlockError{Message: out.Payload}
	}

	return json.RawMessage(out.Payload), nil
}

func validateArgs(args string) error {
	trimmed := strings.TrimSpace(args)
	if !json.Valid([]byte(trimmed)) || !strings.HasPrefix(trimmed, "[") {
		return fmt.Errorf("arguments must be a JSON array, got %q", args)
	}

	return nil
}

const (
	stateFulfilled = "fulfilled"
	stateRejected  = "rejected"
	stateMissing   = "missing"
)

type outcome struct {
	State   string `json:"state"`
	Payload string `json:"payload"`
}

// session is one isolate and context with a watchdog
type session struct {
	iso *v8.Isolate
	ctx *v8.Context

	timeout   time.Duration
	timedOut  atomic.Bool
	onTimeout func(time.Duration) error
	parent    context.Context

	watchdog *time.Timer
	stopCtx  func() bool

	// mu keeps terminate from touching a disposed isolate
	mu     sync.Mutex
	closed bool
}

// blockTimeout reports a block that ran past its timeout as a block failure
func blockTimeout(d time.Duration) error {
	return &executor.BlockError{Message: fmt.Sprintf("block timed out after %s", d)}
}

func newSession(parent context.Context, timeout time.Duration, onTimeout func(time.Duration) error) (*session, error) {
	if timeout <= 0 {
		timeout = executor.DefaultTimeout
	}

	iso := v8.NewIsolate()

	global := v8.NewObjectTemplate(iso)
	if err := installConsole(iso, global); err != nil {
		iso.Dispose()
		return nil, fmt.Errorf("%w: failed to install console: %v", executor.ErrRuntimeUnavailable, err)
	}

	s := &session{
		iso:     iso,
		ctx:     v8.NewContext(iso, global),
		timeout:   timeout,
		onTimeout: onTimeout,
		parent:    parent,
	}

	s.watchdog = time.AfterFunc(timeout, func() { s.terminate(true) })
	s.stopCtx = context.AfterFunc(parent, func() { s.terminate(false) })

	return s, nil
}

// terminate stops running JavaScript. TerminateExecution is the one V8 call
// that is safe from another goroutine, and only while the isolate is alive.
func (s *session) terminate(timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if timedOut {
		s.timedOut.Store(true)
	}

	s.iso.TerminateExecution()
}

func (s *session) close() {
	s.watchdog.Stop()
	s.stopCtx()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.ctx.Close()
	s.iso.Dispose()
}

func (s *session) run(source, origin string) (*v8.Value, error) {
	return s.ctx.RunScript(source, origin)
}

// interrupted returns the reason execution was terminated, if any
func (s *session) interrupted() error {
	if s.timedOut.Load() {
		return s.onTimeout(s.timeout)
	}

	if err := s.parent.Err(); err != nil {
		return err
	}

	return nil
}

// call invokes the default export of the module namespace stored in global
// with argsExpr spliced in as the argument array, then settles the result.
func (s *session) call(global, argsExpr string) (outcome, error) {
	if _, err := s.run(harness(global, argsExpr), "harness.js"); err != nil {
		if ierr := s.interrupted(); ierr != nil {
			return outcome{}, ierr
		}

		return outcome{}, fmt.Errorf("failed to start call: %w", err)
	}

	s.ctx.PerformMicrotaskCheckpoint()

	val, err := s.run("globalThis."+outcomeGlobal+" ? JSON.stringify(globalThis."+outcomeGlobal+") : ''", "outcome.js")
	if err != nil {
		if ierr := s.interrupted(); ierr != nil {
			return outcome{}, ierr
		}

		return outcome{}, fmt.Errorf("failed to read outcome: %w", err)
	}

	raw := val.String()
	if raw == "" {
		return outcome{State: stateRejected, Payload: "returned a promise that never settled"}, nil
	}

	var out outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return outcome{}, fmt.Errorf("failed to decode outcome: %w", err)
	}

	return out, nil
}

// harness calls the module's default export (or the module itself when it
// is a function) and records a JSON-encoded outcome. Only the message of a
// thrown value is kept.
func harness(global, argsExpr string) string {
	return `(function (args) {
  var g = globalThis;
  delete g.` + outcomeGlobal + `;
  function settle(state, payload) { g.` + outcomeGlobal + ` = { state: state, payload: payload }; }
  function message(e) {
    if (e instanceof Error) return e.message;
    if (e && typeof e === "object" && typeof e.message === "string") return e.message;
    return String(e);
  }
  function fulfil(v) {
    try {
      var text = JSON.stringify(v === undefined ? null : v);
      settle("` + stateFulfilled + `", text === undefined ? "null" : text);
    }
    catch (e) { settle("` + stateRejected + `", message(e)); }
  }
  var mod = g.` + global + `;
  var fn = typeof mod === "function" ? mod : mod && mod["default"];
  if (typeof fn !== "function") { settle("` + stateMissing + `", ""); return; }
  var out;
  try { out = fn.apply(undefined, args); }
  catch (e) { settle("` + stateRejected + `", message(e)); return; }
  if (out && typeof out.then === "function") {
    Promise.resolve(out).then(fulfil, function (e) { settle("` + stateRejected + `", message(e)); });
  } else {
    fulfil(out);
  }
})(` + argsExpr + `);`
}

func installConsole(iso *v8.Isolate, global *v8.ObjectTemplate) error {
	console := v8.NewObjectTemplate(iso)

	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			parts := make([]string, 0, len(info.Args()))
			for _, arg := range info.Args() {
				parts = append(parts, arg.String())
			}

			msg := strings.Join(parts, " ")
			switch level {
			case "error":
				logging.Error("console", "message", msg)
			case "warn":
				logging.Warn("console", "message", msg)
			default:
				logging.Debug("console", "message", msg)
			}

			return nil
		})

		if err := console.Set(level, fn); err != nil {
			return err
		}
	}

	return global.Set("console", console)
}
