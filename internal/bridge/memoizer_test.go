package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/blockbridge/internal/executor"
)

type fakeInvoker struct {
	calls atomic.Int64
	delay time.Duration
	fn    func(inv executor.Invocation) (executor.Result, error)
}

func (f *fakeInvoker) Execute(ctx context.Context, inv executor.Invocation) (executor.Result, error) {
	f.calls.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}

	return f.fn(inv)
}

func echoInvoker() *fakeInvoker {
	return &fakeInvoker{fn: func(inv executor.Invocation) (executor.Result, error) {
		switch inv.ModulePath {
		case "boom.block.js":
			return executor.Result{Failure: &executor.Failure{Message: "boom"}}, nil
		case "silent.block.js":
			return executor.Result{}, executor.ErrNoResponse
		default:
			return executor.Result{Value: json.RawMessage(inv.Args)}, nil
		}
	}}
}

type memStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]json.RawMessage)}
}

func (s *memStore) Get(inv executor.Invocation) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[inv.Key()]
	return v, ok, nil
}

func (s *memStore) Put(inv executor.Invocation, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[inv.Key()] = value
	return nil
}

func TestMemoizerInvoke(t *testing.T) {
	inv := echoInvoker()
	m := NewMemoizer(NewTable(), inv, nil)
	scope := m.Table().Scope("/")

	call := executor.Invocation{ModulePath: "foo.block.js", Args: `["a"]`}

	first, err := m.Invoke(context.Background(), scope, "0", call)
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(first.Value))

	second, err := m.Invoke(context.Background(), scope, "1", call)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1), inv.calls.Load(), "identical invocation must execute once")
	assert.Equal(t, MemoStats{TableHits: 1, Executed: 1}, m.Stats())
	assert.Len(t, scope.Calls(), 2, "both call sites are tracked")
}

func TestMemoizerFailureIsRecorded(t *testing.T) {
	inv := echoInvoker()
	m := NewMemoizer(NewTable(), inv, nil)

	call := executor.Invocation{ModulePath: "boom.block.js", Args: `[]`}

	for range 2 {
		e, err := m.Invoke(context.Background(), nil, "0", call)
		require.NoError(t, err)
		require.True(t, e.Failed())
		assert.Equal(t, "boom", e.Failure.Message)
	}

	assert.Equal(t, int64(1), inv.calls.Load())
}

func TestMemoizerNoResponseRecordsNothing(t *testing.T) {
	inv := echoInvoker()
	m := NewMemoizer(NewTable(), inv, nil)
	scope := m.Table().Scope("/")

	call := executor.Invocation{ModulePath: "silent.block.js", Args: `[]`}

	_, err := m.Invoke(context.Background(), scope, "0", call)
	assert.ErrorIs(t, err, executor.ErrNoResponse)

	_, err = m.Table().Lookup(call.ModulePath, call.Args)
	assert.ErrorIs(t, err, ErrMiss)
	assert.Empty(t, scope.Calls())
}

func TestMemoizerCollapsesConcurrentCalls(t *testing.T) {
	inv := echoInvoker()
	inv.delay = 50 * time.Millisecond
	m := NewMemoizer(NewTable(), inv, nil)

	call := executor.Invocation{ModulePath: "foo.block.js", Args: `["a"]`}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Invoke(context.Background(), nil, "0", call)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), inv.calls.Load())
}

func TestMemoizerCancelled(t *testing.T) {
	inv := echoInvoker()
	inv.delay = time.Second
	m := NewMemoizer(NewTable(), inv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	call := executor.Invocation{ModulePath: "foo.block.js", Args: `["a"]`}
	_, err := m.Invoke(ctx, nil, "0", call)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	time.Sleep(50 * time.Millisecond)
	_, err = m.Table().Lookup(call.ModulePath, call.Args)
	assert.ErrorIs(t, err, ErrMiss, "aborted invocation leaves no entry")
}

func TestMemoizerCancelledLeaderDoesNotFailOthers(t *testing.T) {
	inv := echoInvoker()
	inv.delay = 200 * time.Millisecond
	m := NewMemoizer(NewTable(), inv, nil)

	call := executor.Invocation{ModulePath: "foo.block.js", Args: `["a"]`}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.Invoke(ctx, nil, "0", call)
		leaderErr <- err
	}()

	require.Eventually(t, func() bool { return inv.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		entry Entry
		err   error
	}
	follower := make(chan outcome, 1)
	go func() {
		e, err := m.Invoke(context.Background(), nil, "0", call)
		follower <- outcome{e, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	got := <-follower
	require.NoError(t, got.err)
	assert.JSONEq(t, `["a"]`, string(got.entry.Value))
	assert.Equal(t, int64(2), inv.calls.Load(), "the follower runs the block again")
}

func TestMemoizerStore(t *testing.T) {
	store := newMemStore()
	call := executor.Invocation{ModulePath: "foo.block.js", Args: `["a"]`}

	first := echoInvoker()
	_, err := NewMemoizer(NewTable(), first, store).Invoke(context.Background(), nil, "0", call)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.calls.Load())

	failing := executor.Invocation{ModulePath: "boom.block.js", Args: `[]`}
	_, err = NewMemoizer(NewTable(), first, store).Invoke(context.Background(), nil, "0", failing)
	require.NoError(t, err)
	_, ok, _ := store.Get(failing)
	assert.False(t, ok, "failures are not persisted")

	second := echoInvoker()
	m := NewMemoizer(NewTable(), second, store)
	e, err := m.Invoke(context.Background(), nil, "0", call)
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(e.Value))
	assert.Zero(t, second.calls.Load(), "stored result must not re-execute")
	assert.Equal(t, int64(1), m.Stats().StoreHits)
}
