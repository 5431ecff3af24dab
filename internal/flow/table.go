// Package flow implements the concurrent flow-id -> TCP endpoint table and
// the flow-id generator (spec.md component C2).
//
// The table is the single shared mutable structure between the TCP plane's
// per-connection goroutines and the overlay adapter's pump goroutine
// (spec.md section 5). It is guarded by one sync.RWMutex held only across
// map operations; callers must never perform I/O while holding it.
package flow

import (
	"errors"
	"sync"

	"github.com/wanglonggod/ConnectTool12/internal/frame"
)

// Endpoint is the table's view of a TCP connection: just enough to write
// to it and close it. Concrete connections (tcpplane.Conn) implement this;
// the table never reads from an Endpoint.
type Endpoint interface {
	// Write sends p to the peer. Implementations own their own write
	// ordering (spec.md section 4.4: one outstanding write at a time).
	Write(p []byte) error

	// Close closes the underlying socket. Implementations make Close
	// idempotent so the table and an in-flight read loop can both call it.
	Close() error
}

// ErrDuplicateID indicates Add was called with an id already present in
// the table -- a bug per spec.md section 7 (the generator's retry loop
// must prevent this under normal load).
var ErrDuplicateID = errors.New("flow: duplicate flow-id")

// Table is a concurrent map of flow-id to Endpoint.
type Table struct {
	mu      sync.RWMutex
	entries map[frame.ID]Endpoint
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[frame.ID]Endpoint)}
}

// Add inserts ep under id. Returns ErrDuplicateID if id is already present;
// the existing entry is left untouched.
func (t *Table) Add(id frame.ID, ep Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return ErrDuplicateID
	}
	t.entries[id] = ep
	return nil
}

// Get returns the endpoint for id, if present.
func (t *Table) Get(id frame.ID) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ep, ok := t.entries[id]
	return ep, ok
}

// Has reports whether id is currently present.
func (t *Table) Has(id frame.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[id]
	return ok
}

// Remove deletes id from the table. Returns whether an entry was present;
// idempotent (removing an absent id is a no-op that returns false).
// Remove does not close the endpoint -- callers that want close-on-remove
// use Table.RemoveAndClose.
func (t *Table) Remove(id frame.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// RemoveAndClose removes id and closes its endpoint if present, reporting
// whether an entry was actually removed. Safe to call more than once for
// the same id (the second call is a no-op that returns false).
func (t *Table) RemoveAndClose(id frame.ID) bool {
	t.mu.Lock()
	ep, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok {
		_ = ep.Close()
	}
	return ok
}

// GenerateAndAdd atomically generates a fresh id via gen and inserts ep
// under it, so no other goroutine can observe the id as free and race to
// claim it between generation and insertion.
func (t *Table) GenerateAndAdd(gen *Generator, ep Endpoint) (frame.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := gen.generateLocked(t)
	if err != nil {
		return frame.ID{}, err
	}
	t.entries[id] = ep
	return id, nil
}

// Len returns the number of live flows. Used for metrics and status
// reporting; iteration order elsewhere over the table is never relied on.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Drain atomically empties the table and returns every endpoint that was
// present. Used on supervisor shutdown and overlay loss (spec.md section
// 4.3: "on overlay_down the engine drains the flow table and closes every
// endpoint").
func (t *Table) Drain() []Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Endpoint, 0, len(t.entries))
	for id, ep := range t.entries {
		out = append(out, ep)
		delete(t.entries, id)
	}
	return out
}
