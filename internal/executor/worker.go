package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Norgate-AV/blockbridge/internal/codec"
	"github.com/Norgate-AV/blockbridge/internal/logging"
)

// WorkerEnv marks a process as an isolated block worker. Its value is the
// token the orchestrator also puts in the request.
const WorkerEnv = "BLOCKBRIDGE_WORKER"

// Runner executes one block inside a worker. It returns the resolved value
// as JSON, a *BlockError when the block threw or rejected, or an error
// wrapping ErrNoBlock when there is nothing to call.
type Runner interface {
	RunBlock(ctx context.Context, basePath, modulePath, args string, timeout time.Duration) (json.RawMessage, error)
}

// RequireIsolation fails unless the current process was started as a block worker
func RequireIsolation() error {
	if os.Getenv(WorkerEnv) == "" {
		return ErrIsolationViolation
	}

	return nil
}

// Responder writes the single response of a worker. Any further Send fails
// with ErrSecondResponse and writes nothing.
type Responder struct {
	enc  *codec.Encoder
	sent bool
}

// NewResponder creates a responder writing CBOR to w
func NewResponder(w io.Writer) *Responder {
	return &Responder{enc: codec.NewEncoder(w)}
}

// Send writes resp unless a response was already sent
func (r *Responder) Send(resp Response) error {
	if r.sent {
		return ErrSecondResponse
	}

	if err := resp.Validate(); err != nil {
		return err
	}

	r.sent = true
	if err := r.enc.Encode(resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	return nil
}

// Serve is the worker side of the channel: it reads one request from r,
// runs the block and writes at most one response to w. It refuses to run
// in a process that was not started as a worker.
func Serve(ctx context.Context, r io.Reader, w io.Writer, runner Runner) error {
	if err := RequireIsolation(); err != nil {
		return err
	}

	var req Request
	if err := codec.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("%w: failed to read request: %v", ErrProtocol, err)
	}

	if req.Token != os.Getenv(WorkerEnv) {
		return fmt.Errorf("%w: request token does not match worker token", ErrIsolationViolation)
	}

	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond

	value, err := runner.RunBlock(ctx, req.BasePath, req.ModulePath, req.Args, timeout)

	responder := NewResponder(w)
	var blockErr *BlockError

	switch {
	case err == nil:
		return responder.Send(successResponse(value))

	case errors.Is(err, ErrNoBlock):
		// nothing to run: no response at all
		logging.Debug("no block to run", "module", req.ModulePath, "error", err)
		return nil

	case errors.As(err, &blockErr):
		return responder.Send(failureResponse(blockErr.Message))

	case errors.Is(err, ErrIsolationViolation), errors.Is(err, ErrRuntimeUnavailable):
		return err

	default:
		return responder.Send(failureResponse(err.Error()))
	}
}
