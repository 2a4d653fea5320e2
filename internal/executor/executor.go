// Package executor runs block modules in isolated worker processes.
//
// The orchestrating build process never executes block code itself. Each
// invocation is sent to a fresh worker process over an explicit
// request/response channel; the worker loads the module, calls its default
// export and answers with the resolved value or the failure message. Shared
// module state, runaway loops and memory growth stay inside the worker.
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Norgate-AV/blockbridge/internal/logging"
)

const (
	// DefaultTimeout bounds one block invocation
	DefaultTimeout = 30 * time.Second

	// killGrace is how long the orchestrator waits past the worker's own
	// watchdog before killing the process
	killGrace = 2 * time.Second
)

// Options configures an Executor
type Options struct {
	// Workers is the number of invocations allowed to run at once
	Workers int

	// Timeout bounds each invocation
	Timeout time.Duration

	// Command starts a worker process. Ignored when Channel is set.
	Command CommandFunc

	// Channel overrides the process channel
	Channel Channel
}

// Stats counts executor outcomes
type Stats struct {
	Executed   int64
	Failed     int64
	NoResponse int64
}

// Executor runs block invocations through a bounded set of workers
type Executor struct {
	channel Channel
	sem     chan struct{}
	timeout time.Duration

	executed   atomic.Int64
	failed     atomic.Int64
	noResponse atomic.Int64
}

// New creates an executor
func New(opts Options) (*Executor, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	channel := opts.Channel
	if channel == nil {
		if opts.Command == nil {
			return nil, fmt.Errorf("executor requires a worker command or channel")
		}

		token, err := newToken()
		if err != nil {
			return nil, fmt.Errorf("failed to create worker token: %w", err)
		}

		channel = NewProcessChannel(opts.Command, token)
	}

	return &Executor{
		channel: channel,
		sem:     make(chan struct{}, opts.Workers),
		timeout: opts.Timeout,
	}, nil
}

// Execute runs one invocation and returns its result. A block that throws,
// rejects, times out or crashes its worker yields a Result with Failure set
// and a nil error. ErrNoResponse means the module had nothing to call.
// Cancelling ctx kills the worker and returns ctx.Err().
func (e *Executor) Execute(ctx context.Context, inv Invocation) (Result, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-e.sem }()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout+killGrace)
	defer cancel()

	start := time.Now()
	resp, ok, err := e.channel.Call(callCtx, Request{
		BasePath:      inv.BasePath,
		ModulePath:    inv.ModulePath,
		Args:          inv.Args,
		TimeoutMillis: e.timeout.Milliseconds(),
	})

	log := logging.Logger().With("module", inv.ModulePath, "args", inv.Args, "duration", time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		if errors.Is(err, ErrIsolationViolation) {
			return Result{}, err
		}

		var exitErr *ExitError
		if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &exitErr) {
			msg := fmt.Sprintf("block timed out after %s", e.timeout)
			if exitErr != nil {
				msg = exitErr.Error()
			}

			e.executed.Add(1)
			e.failed.Add(1)
			log.Warn("block worker failed", "error", msg)

			return Result{Failure: &Failure{Message: msg}}, nil
		}

		return Result{}, fmt.Errorf("failed to execute %s: %w", inv.ModulePath, err)
	}

	if !ok {
		e.noResponse.Add(1)
		log.Warn("block worker returned no response")
		return Result{}, ErrNoResponse
	}

	result := resp.ToResult()
	e.executed.Add(1)
	if result.Failed() {
		e.failed.Add(1)
		log.Warn("block failed", "error", result.Failure.Message)
	} else {
		log.Debug("block executed")
	}

	return result, nil
}

// Stats returns a snapshot of the executor's counters
func (e *Executor) Stats() Stats {
	return Stats{
		Executed:   e.executed.Load(),
		Failed:     e.failed.Load(),
		NoResponse: e.noResponse.Load(),
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
