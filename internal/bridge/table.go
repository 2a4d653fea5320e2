// Package bridge memoizes block invocations for one build pass.
//
// A Table maps module path and serialized arguments to the block's result.
// The same two-level shape is emitted into each page's bridge script, so a
// browser resolves a call against the values the build saw.
package bridge

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/Norgate-AV/blockbridge/internal/executor"
)

// ErrMiss is returned by Lookup when nothing was recorded for the key
var ErrMiss = errors.New("no entry recorded")

// Entry is a recorded block outcome. At most one of Value and Failure is
// set; a zero Entry stands for a block that returned undefined. Build-side
// values are always resolved; lazy chunk thunks exist only in generated
// browser code.
type Entry struct {
	Value   json.RawMessage
	Failure *executor.Failure
}

// Failed reports whether the entry records a block failure
func (e Entry) Failed() bool {
	return e.Failure != nil
}

// Resolve returns the entry's value, or its failure as an error
func (e Entry) Resolve() (json.RawMessage, error) {
	switch {
	case e.Failure != nil:
		return nil, e.Failure
	case e.Value == nil:
		return json.RawMessage("null"), nil
	default:
		return e.Value, nil
	}
}

// EntryFromResult converts an executor result into an entry
func EntryFromResult(r executor.Result) Entry {
	if r.Failed() {
		return Entry{Failure: r.Failure}
	}

	return Entry{Value: r.Value}
}

// Table is the two-level bridge cache. The zero value is not usable; use
// NewTable.
type Table struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{entries: make(map[string]map[string]Entry)}
}

// Record stores e for the key. A later Record for the same key replaces it.
func (t *Table) Record(modulePath, serializedArgs string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inner, ok := t.entries[modulePath]
	if !ok {
		inner = make(map[string]Entry)
		t.entries[modulePath] = inner
	}

	inner[serializedArgs] = e
}

// Lookup returns the entry recorded for the key, or ErrMiss
func (t *Table) Lookup(modulePath, serializedArgs string) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[modulePath][serializedArgs]
	if !ok {
		return Entry{}, ErrMiss
	}

	return e, nil
}

// Len returns the number of recorded entries
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, inner := range t.entries {
		n += len(inner)
	}

	return n
}

// Modules returns the recorded module paths in sorted order
func (t *Table) Modules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	modules := make([]string, 0, len(t.entries))
	for m := range t.entries {
		modules = append(modules, m)
	}

	sort.Strings(modules)
	return modules
}

// Scope starts tracking the calls one page makes
func (t *Table) Scope(page string) *Scope {
	return &Scope{
		Page:  page,
		table: t,
		seen:  make(map[Call]struct{}),
	}
}

// Call is one distinct call made from a call site
type Call struct {
	ID         string
	ModulePath string
	Args       string
}

// Scope records which keys a page's call sites touched, so only those
// entries end up in the page's bridge script.
type Scope struct {
	Page string

	table *Table
	mu    sync.Mutex
	seen  map[Call]struct{}
}

// Table returns the table the scope belongs to
func (s *Scope) Table() *Table {
	return s.table
}

// Touch marks a call as made by the page
func (s *Scope) Touch(id, modulePath, serializedArgs string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen[Call{ID: id, ModulePath: modulePath, Args: serializedArgs}] = struct{}{}
}

// Calls returns the page's calls ordered by call-site id, then arguments
func (s *Scope) Calls() []Call {
	s.mu.Lock()
	calls := make([]Call, 0, len(s.seen))
	for c := range s.seen {
		calls = append(calls, c)
	}
	s.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool {
		a, b := calls[i], calls[j]
		if a.ID != b.ID {
			return lessID(a.ID, b.ID)
		}

		return a.Args < b.Args
	})

	return calls
}

// lessID orders numeric ids numerically and anything else lexically after them
func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)

	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
