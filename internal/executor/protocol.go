package executor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is the single message sent to a block worker on its stdin.
type Request struct {
	// Token must match the worker's BLOCKBRIDGE_WORKER environment value
	Token string `cbor:"token"`

	// BasePath is the directory module paths are resolved against
	BasePath string `cbor:"base_path"`

	// ModulePath is the block module to load, relative to BasePath
	ModulePath string `cbor:"module_path"`

	// Args is the serialized JSON array of positional arguments
	Args string `cbor:"args"`

	// TimeoutMillis bounds the block's execution inside the worker
	TimeoutMillis int64 `cbor:"timeout_ms"`
}

// Response is the at most one message a worker writes to its stdout.
// Exactly one of Result and Error is set.
type Response struct {
	// Result is the block's resolved value as JSON text
	Result []byte `cbor:"result"`

	// Error is the failure message when the block threw or rejected
	Error *string `cbor:"error"`
}

// Validate checks the one-of invariant
func (r Response) Validate() error {
	if r.Error != nil && r.Result != nil {
		return fmt.Errorf("%w: response carries both a result and an error", ErrProtocol)
	}

	if r.Error == nil && r.Result == nil {
		return fmt.Errorf("%w: response carries neither a result nor an error", ErrProtocol)
	}

	if r.Result != nil && !json.Valid(r.Result) {
		return fmt.Errorf("%w: result is not valid JSON", ErrProtocol)
	}

	return nil
}

// ToResult converts a validated response to a block result
func (r Response) ToResult() Result {
	if r.Error != nil {
		return Result{Failure: &Failure{Message: *r.Error}}
	}

	return Result{Value: json.RawMessage(r.Result)}
}

// successResponse builds the {result, error: null} message
func successResponse(value json.RawMessage) Response {
	if value == nil {
		value = json.RawMessage("null")
	}

	return Response{Result: value}
}

// failureResponse builds the {result: null, error: message} message
func failureResponse(message string) Response {
	return Response{Error: &message}
}

var (
	// ErrProtocol reports a malformed message on the worker channel
	ErrProtocol = errors.New("worker protocol error")

	// ErrSecondResponse is returned when a worker tries to answer a request twice
	ErrSecondResponse = errors.New("worker sent more than one response")
)
