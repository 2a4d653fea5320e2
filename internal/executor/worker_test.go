package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/blockbridge/internal/codec"
)

func encodeRequest(t *testing.T, req Request) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, codec.NewEncoder(&buf).Encode(req))
	return &buf
}

func TestServe_RefusesOutsideWorker(t *testing.T) {
	t.Setenv(WorkerEnv, "")

	var out bytes.Buffer
	err := Serve(context.Background(), encodeRequest(t, Request{ModulePath: "foo.block", Args: `["a"]`}), &out, fakeRunner{})

	assert.ErrorIs(t, err, ErrIsolationViolation)
	assert.Zero(t, out.Len(), "nothing is written before the isolation check")
}

func TestServe_RefusesForeignToken(t *testing.T) {
	t.Setenv(WorkerEnv, "mine")

	var out bytes.Buffer
	err := Serve(context.Background(), encodeRequest(t, Request{Token: "theirs", ModulePath: "foo.block", Args: `["a"]`}), &out, fakeRunner{})

	assert.ErrorIs(t, err, ErrIsolationViolation)
	assert.Zero(t, out.Len())
}

func TestServe(t *testing.T) {
	t.Setenv(WorkerEnv, "tok")

	tests := []struct {
		name       string
		module     string
		wantResult string
		wantError  string
		wantNone   bool
	}{
		{name: "success", module: "foo.block", wantResult: `"hello world a"`},
		{name: "failure", module: "boom.block", wantError: "boom"},
		{name: "undefined result", module: "undefined.block", wantResult: `null`},
		{name: "no default export", module: "nothing.block", wantNone: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := Serve(context.Background(), encodeRequest(t, Request{Token: "tok", ModulePath: tt.module, Args: `["a"]`}), &out, fakeRunner{})
			require.NoError(t, err)

			resp, ok, err := decodeResponse(out.Bytes())
			require.NoError(t, err)

			if tt.wantNone {
				assert.False(t, ok)
				return
			}

			require.True(t, ok)
			if tt.wantError != "" {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantError, *resp.Error)
				assert.Nil(t, resp.Result)
				return
			}

			assert.Nil(t, resp.Error)
			assert.JSONEq(t, tt.wantResult, string(resp.Result))
		})
	}
}

func TestServe_MalformedRequest(t *testing.T) {
	t.Setenv(WorkerEnv, "tok")

	var out bytes.Buffer
	err := Serve(context.Background(), bytes.NewBufferString("nope"), &out, fakeRunner{})
	assert.ErrorIs(t, err, ErrProtocol)
}

type errRunner struct{ err error }

func (r errRunner) RunBlock(context.Context, string, string, string, time.Duration) (json.RawMessage, error) {
	return nil, r.err
}

func TestServe_RuntimeErrorBecomesFailure(t *testing.T) {
	t.Setenv(WorkerEnv, "tok")

	var out bytes.Buffer
	err := Serve(context.Background(), encodeRequest(t, Request{Token: "tok", ModulePath: "x", Args: `[]`}), &out, errRunner{errors.New("isolate creation failed")})
	require.NoError(t, err)

	resp, ok, err := decodeResponse(out.Bytes())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "isolate creation failed", *resp.Error)
}

func TestServe_RuntimeUnavailableSendsNothing(t *testing.T) {
	t.Setenv(WorkerEnv, "tok")

	var out bytes.Buffer
	err := Serve(context.Background(), encodeRequest(t, Request{Token: "tok", ModulePath: "x", Args: `[]`}), &out, errRunner{ErrRuntimeUnavailable})
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Zero(t, out.Len())
}

func TestResponder_SendsOnce(t *testing.T) {
	var out bytes.Buffer
	r := NewResponder(&out)

	require.NoError(t, r.Send(successResponse(json.RawMessage(`1`))))

	err := r.Send(successResponse(json.RawMessage(`2`)))
	assert.ErrorIs(t, err, ErrSecondResponse)

	resp, ok, err := decodeResponse(out.Bytes())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`1`), resp.Result)
}

func TestRequireIsolation(t *testing.T) {
	t.Setenv(WorkerEnv, "")
	assert.ErrorIs(t, RequireIsolation(), ErrIsolationViolation)

	t.Setenv(WorkerEnv, "tok")
	assert.NoError(t, RequireIsolation())
}
