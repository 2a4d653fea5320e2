package executor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Invocation identifies one block call. Two invocations are the same call
// when ModulePath is equal and Args are byte-equal.
type Invocation struct {
	BasePath   string
	ModulePath string
	Args       string
}

// Key returns the identity of the invocation, independent of BasePath
func (i Invocation) Key() string {
	return i.ModulePath + "\x00" + i.Args
}

// Failure describes a block that threw or rejected. Only the message
// crosses the isolation boundary.
type Failure struct {
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// Result is the outcome of one block call: either Value or Failure is set.
type Result struct {
	Value   json.RawMessage
	Failure *Failure
}

// Failed reports whether the block failed
func (r Result) Failed() bool {
	return r.Failure != nil
}

// BlockError is returned by a Runner when the block itself threw or rejected
type BlockError struct {
	Message string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block failed: %s", e.Message)
}

var (
	// ErrNoBlock means the module could not be loaded or has no callable
	// default export. The worker does no work and sends no response.
	ErrNoBlock = errors.New("module does not expose a default callable")

	// ErrNoResponse is returned by Execute when the worker finished without answering
	ErrNoResponse = errors.New("worker returned no response")

	// ErrIsolationViolation is returned when block execution is attempted
	// outside an isolated worker process
	ErrIsolationViolation = errors.New("block executor invoked outside an isolated worker")

	// ErrRuntimeUnavailable is returned by a Runner that could not set up
	// the JavaScript runtime. The worker exits without answering.
	ErrRuntimeUnavailable = errors.New("javascript runtime unavailable")
)
