package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/Norgate-AV/blockbridge/internal/executor"
	"github.com/Norgate-AV/blockbridge/internal/logging"
)

// Invoker executes one block invocation
type Invoker interface {
	Execute(ctx context.Context, inv executor.Invocation) (executor.Result, error)
}

// ResultStore persists successful results across builds
type ResultStore interface {
	Get(inv executor.Invocation) (json.RawMessage, bool, error)
	Put(inv executor.Invocation, value json.RawMessage) error
}

// MemoStats counts where Invoke answers came from
type MemoStats struct {
	TableHits int64
	StoreHits int64
	Executed  int64
}

// Memoizer answers invocations from the table, then the optional store,
// then the invoker. Identical invocations in flight at the same time share
// one execution.
type Memoizer struct {
	table   *Table
	invoker Invoker
	store   ResultStore
	group   singleflight.Group

	tableHits atomic.Int64
	storeHits atomic.Int64
	executed  atomic.Int64
}

// NewMemoizer creates a memoizer. store may be nil.
func NewMemoizer(table *Table, invoker Invoker, store ResultStore) *Memoizer {
	return &Memoizer{
		table:   table,
		invoker: invoker,
		store:   store,
	}
}

// Table returns the memoizer's table
func (m *Memoizer) Table() *Table {
	return m.table
}

// Invoke returns the entry for inv and marks it as used by scope's call
// site callSite. scope may be nil.
//
// A failing block is recorded as a failure entry and is not retried in the
// same pass. A worker that exits without answering, or a cancelled context,
// records nothing and returns an error.
func (m *Memoizer) Invoke(ctx context.Context, scope *Scope, callSite string, inv executor.Invocation) (Entry, error) {
	entry, err := m.lookupOrRun(ctx, inv)
	if err != nil {
		return Entry{}, err
	}

	if scope != nil {
		scope.Touch(callSite, inv.ModulePath, inv.Args)
	}

	return entry, nil
}

func (m *Memoizer) lookupOrRun(ctx context.Context, inv executor.Invocation) (Entry, error) {
	if e, err := m.table.Lookup(inv.ModulePath, inv.Args); err == nil {
		m.tableHits.Add(1)
		return e, nil
	}

	for {
		e, err := m.shared(ctx, inv)
		if err != nil && ctx.Err() == nil && isContextErr(err) {
			// the caller that started the execution went away; run again
			// under this caller's context
			logging.Debug("shared block execution cancelled, retrying", "module", inv.ModulePath)
			continue
		}

		return e, err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// shared joins or starts the execution of inv. The execution runs under the
// context of the caller that started it.
func (m *Memoizer) shared(ctx context.Context, inv executor.Invocation) (Entry, error) {
	ch := m.group.DoChan(inv.Key(), func() (any, error) {
		if e, err := m.table.Lookup(inv.ModulePath, inv.Args); err == nil {
			m.tableHits.Add(1)
			return e, nil
		}

		if value, ok := m.fromStore(inv); ok {
			e := Entry{Value: value}
			m.table.Record(inv.ModulePath, inv.Args, e)
			return e, nil
		}

		result, err := m.invoker.Execute(ctx, inv)
		if err != nil {
			return Entry{}, err
		}

		m.executed.Add(1)
		e := EntryFromResult(result)

		if !e.Failed() && m.store != nil {
			if err := m.store.Put(inv, e.Value); err != nil {
				logging.Warn("failed to persist block result", "module", inv.ModulePath, "error", err)
			}
		}

		m.table.Record(inv.ModulePath, inv.Args, e)
		return e, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, executor.ErrNoResponse) {
				return Entry{}, fmt.Errorf("%s: %w", inv.ModulePath, res.Err)
			}

			return Entry{}, res.Err
		}

		return res.Val.(Entry), nil
	}
}

func (m *Memoizer) fromStore(inv executor.Invocation) (json.RawMessage, bool) {
	if m.store == nil {
		return nil, false
	}

	value, ok, err := m.store.Get(inv)
	if err != nil {
		logging.Warn("failed to read block store", "module", inv.ModulePath, "error", err)
		return nil, false
	}

	if ok {
		m.storeHits.Add(1)
	}

	return value, ok
}

// Stats returns the memoizer's counters
func (m *Memoizer) Stats() MemoStats {
	return MemoStats{
		TableHits: m.tableHits.Load(),
		StoreHits: m.storeHits.Load(),
		Executed:  m.executed.Load(),
	}
}
