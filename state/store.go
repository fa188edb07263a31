// Package state provides run-scoped key/value state with superstep
// visibility. Writes are buffered per scope and become visible to readers
// only when the owning superstep is committed.
package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrScopeNotFound is returned when an operation names an unknown scope.
	ErrScopeNotFound = errors.New("state: scope not found")

	// ErrScopeExists is returned when creating a scope whose id is taken.
	ErrScopeExists = errors.New("state: scope already exists")
)

// NoSuperstep is the commit index of a scope that has never been committed.
const NoSuperstep = -1

// patch is one buffered mutation.
type patch struct {
	key     string
	value   Value
	deleted bool
}

type scope struct {
	id     string
	parent string

	// mu guards committed and lastCommitted.
	mu            sync.RWMutex
	committed     map[string]Value
	lastCommitted int

	// bufMu guards pending. It is held only while appending or swapping
	// the buffer, never across executor code.
	bufMu   sync.Mutex
	pending []patch

	// commitMu serializes commits for the scope.
	commitMu sync.Mutex
}

// Store holds all live scopes. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	scopes map[string]*scope
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{scopes: map[string]*scope{}}
}

// CreateScope registers a new empty scope. The parent id is recorded for
// bookkeeping only; no keys are inherited from it.
func (s *Store) CreateScope(id, parent string) error {
	if id == "" {
		return fmt.Errorf("state: scope id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[id]; ok {
		return fmt.Errorf("%w: %s", ErrScopeExists, id)
	}
	s.scopes[id] = &scope{
		id:            id,
		parent:        parent,
		committed:     map[string]Value{},
		lastCommitted: NoSuperstep,
	}
	return nil
}

// DropScope removes a scope and everything buffered in it.
func (s *Store) DropScope(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, id)
}

// HasScope reports whether the scope exists.
func (s *Store) HasScope(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// Parent returns the parent id recorded when the scope was created.
func (s *Store) Parent(id string) (string, error) {
	sc, ok := s.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrScopeNotFound, id)
	}
	return sc.parent, nil
}

func (s *Store) lookup(id string) (*scope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[id]
	return sc, ok
}

// Get returns a copy of the committed value for key. Buffered writes are
// never visible here. An unknown scope reads as absent.
func (s *Store) Get(scopeID, key string) (Value, bool) {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return nil, false
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	v, ok := sc.committed[key]
	return v.Clone(), ok
}

// Set buffers a write of value under key. The value is encoded immediately
// so unserializable values are rejected here rather than at commit time.
func (s *Store) Set(scopeID, key string, value any) error {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scopeID)
	}
	if key == "" {
		return fmt.Errorf("state: key required")
	}
	encoded, err := Encode(value)
	if err != nil {
		return err
	}
	sc.bufMu.Lock()
	sc.pending = append(sc.pending, patch{key: key, value: encoded})
	sc.bufMu.Unlock()
	return nil
}

// Delete buffers the removal of key.
func (s *Store) Delete(scopeID, key string) error {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scopeID)
	}
	sc.bufMu.Lock()
	sc.pending = append(sc.pending, patch{key: key, deleted: true})
	sc.bufMu.Unlock()
	return nil
}

// Commit promotes all buffered writes for the scope, tagged with the given
// superstep index. Committing an index at or below the last committed index
// is a no-op and reports false. Concurrent commits on one scope are
// serialized.
func (s *Store) Commit(scopeID string, superstep int) (bool, error) {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrScopeNotFound, scopeID)
	}
	sc.commitMu.Lock()
	defer sc.commitMu.Unlock()

	sc.mu.RLock()
	last := sc.lastCommitted
	sc.mu.RUnlock()
	if superstep <= last {
		return false, nil
	}

	sc.bufMu.Lock()
	pending := sc.pending
	sc.pending = nil
	sc.bufMu.Unlock()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, p := range pending {
		if p.deleted {
			delete(sc.committed, p.key)
		} else {
			sc.committed[p.key] = p.value
		}
	}
	sc.lastCommitted = superstep
	return true, nil
}

// Discard drops all buffered writes for the scope.
func (s *Store) Discard(scopeID string) {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return
	}
	sc.bufMu.Lock()
	sc.pending = nil
	sc.bufMu.Unlock()
}

// Pending returns the number of buffered writes for the scope.
func (s *Store) Pending(scopeID string) int {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return 0
	}
	sc.bufMu.Lock()
	defer sc.bufMu.Unlock()
	return len(sc.pending)
}

// Snapshot returns a copy of the committed contents and the superstep index
// they were committed at.
func (s *Store) Snapshot(scopeID string) (map[string]Value, int, error) {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return nil, NoSuperstep, fmt.Errorf("%w: %s", ErrScopeNotFound, scopeID)
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	values := make(map[string]Value, len(sc.committed))
	for k, v := range sc.committed {
		values[k] = v.Clone()
	}
	return values, sc.lastCommitted, nil
}

// Restore replaces the committed contents of the scope, clearing any
// buffered writes. Used when rehydrating a run from a checkpoint.
func (s *Store) Restore(scopeID string, superstep int, values map[string]Value) error {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, scopeID)
	}
	sc.commitMu.Lock()
	defer sc.commitMu.Unlock()

	sc.bufMu.Lock()
	sc.pending = nil
	sc.bufMu.Unlock()

	committed := make(map[string]Value, len(values))
	for k, v := range values {
		committed[k] = v.Clone()
	}
	sc.mu.Lock()
	sc.committed = committed
	sc.lastCommitted = superstep
	sc.mu.Unlock()
	return nil
}

// Keys returns the committed keys in sorted order.
func (s *Store) Keys(scopeID string) []string {
	sc, ok := s.lookup(scopeID)
	if !ok {
		return nil
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return slices.Sorted(maps.Keys(sc.committed))
}

// Reader returns a read-only committed view of the scope.
func (s *Store) Reader(scopeID string) Reader {
	return &scopeReader{store: s, scope: scopeID}
}
