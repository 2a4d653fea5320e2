package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/Norgate-AV/blockbridge/internal/codec"
	"github.com/Norgate-AV/blockbridge/internal/codes"
)

// Channel carries one request to an isolated worker. It returns the
// worker's response with ok set, or ok unset when the worker finished
// without answering. A channel never delivers a second response.
type Channel interface {
	Call(ctx context.Context, req Request) (resp Response, ok bool, err error)
}

// CommandFunc builds the command that starts one worker process
type CommandFunc func(ctx context.Context) *exec.Cmd

// WorkerCommand returns a CommandFunc that re-executes the current binary
// with the hidden worker subcommand
func WorkerCommand(subcommand string) CommandFunc {
	return func(ctx context.Context) *exec.Cmd {
		self, err := os.Executable()
		if err != nil {
			self = os.Args[0]
		}

		return exec.CommandContext(ctx, self, subcommand)
	}
}

// ExitError describes a worker that exited abnormally without answering
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("worker exited with code %d: %s", e.Code, codes.GetErrorMessage(e.Code))
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}

	return msg
}

// ProcessChannel runs each request in a fresh worker process, writing the
// request to its stdin and reading the response from its stdout.
type ProcessChannel struct {
	command CommandFunc
	token   string
}

// NewProcessChannel creates a channel that starts workers with command and
// marks them with token
func NewProcessChannel(command CommandFunc, token string) *ProcessChannel {
	return &ProcessChannel{
		command: command,
		token:   token,
	}
}

// Call implements Channel
func (c *ProcessChannel) Call(ctx context.Context, req Request) (Response, bool, error) {
	req.Token = c.token

	var stdin bytes.Buffer
	if err := codec.NewEncoder(&stdin).Encode(req); err != nil {
		return Response{}, false, fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := c.command(ctx)
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, WorkerEnv+"="+c.token)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{}, false, ctxErr
	}

	resp, ok, decodeErr := decodeResponse(stdout.Bytes())

	code, err := exitCode(runErr)
	if err != nil {
		return Response{}, false, fmt.Errorf("failed to run worker: %w", err)
	}

	if !codes.IsSuccess(code) {
		if codes.IsFatal(code) {
			return Response{}, false, fmt.Errorf("%w: %s", ErrIsolationViolation, strings.TrimSpace(stderr.String()))
		}

		// a worker that answered and then crashed still answered
		if decodeErr == nil && ok {
			return resp, true, nil
		}

		return Response{}, false, &ExitError{Code: code, Stderr: strings.TrimSpace(stderr.String())}
	}

	if decodeErr != nil {
		return Response{}, false, decodeErr
	}

	return resp, ok, nil
}

// exitCode maps the error from running a worker to its exit status. Errors
// other than a non-zero exit are returned as is.
func exitCode(runErr error) (int, error) {
	if runErr == nil {
		return codes.Success, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return 0, runErr
	}

	if code := exitErr.ExitCode(); code >= 0 {
		return code, nil
	}

	return codes.Terminated, nil
}

// decodeResponse reads zero or one response from a worker's output
func decodeResponse(out []byte) (Response, bool, error) {
	if len(out) == 0 {
		return Response{}, false, nil
	}

	dec := codec.NewDecoder(bytes.NewReader(out))

	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return Response{}, false, fmt.Errorf("%w: failed to decode response: %v", ErrProtocol, err)
	}

	var extra Response
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Response{}, false, ErrSecondResponse
	}

	if err := resp.Validate(); err != nil {
		return Response{}, false, err
	}

	return resp, true, nil
}
