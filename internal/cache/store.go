// Package cache implements the response cache: a thread-safe in-memory store
// of completions keyed by request fingerprint, an append-only on-disk journal
// written by a background worker, and the engine that ties them together with
// partial-fill semantics.
package cache

import (
	"sync"

	"github.com/howard-nolan/llmcache/internal/fingerprint"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// Store is the in-memory half of the cache: fingerprint → ordered list of
// completions, guarded by a single mutex. Lists only ever grow; the order
// completions were appended in is the order they're served back out, which
// is what makes the cache prefix stable across requests.
type Store struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint][]upstream.Completion
	total   int

	// onAppend is invoked once per completion, while the lock is still
	// held. The engine wires the journal's enqueue here, which is what
	// guarantees that for any single fingerprint the on-disk record order
	// matches the in-memory append order — two concurrent appends to the
	// same key serialize on the mutex, and each enqueues before releasing.
	onAppend func(fingerprint.Fingerprint, upstream.Completion)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[fingerprint.Fingerprint][]upstream.Completion),
	}
}

// OnAppend registers the per-completion observer. Set once, before the store
// starts taking traffic; Restore (journal replay) deliberately bypasses it.
func (s *Store) OnAppend(fn func(fingerprint.Fingerprint, upstream.Completion)) {
	s.onAppend = fn
}

// List returns a snapshot copy of the entry for f, or an empty list.
//
// The copy is not optional. An earlier version of this cache returned the
// internal slice directly, and a later append to the same key mutated a list
// the caller had already merged into a response. Callers must never observe
// mutations to a snapshot they were handed — the partial-fill merge depends
// on it.
func (s *Store) List(f fingerprint.Fingerprint) []upstream.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[f]
	out := make([]upstream.Completion, len(entry))
	copy(out, entry)
	return out
}

// Append adds completions to the entry for f, creating it if absent, and
// notifies the observer for each one under the lock.
func (s *Store) Append(f fingerprint.Fingerprint, comps []upstream.Completion) {
	if len(comps) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[f] = append(s.entries[f], comps...)
	s.total += len(comps)

	if s.onAppend != nil {
		for _, c := range comps {
			s.onAppend(f, c)
		}
	}
}

// Restore is Append without the observer notification. The journal loader
// uses it at startup so replaying the file doesn't re-journal every record.
func (s *Store) Restore(f fingerprint.Fingerprint, comps []upstream.Completion) {
	if len(comps) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[f] = append(s.entries[f], comps...)
	s.total += len(comps)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[fingerprint.Fingerprint][]upstream.Completion)
	s.total = 0
}

// Keys returns the number of distinct fingerprints in the store.
func (s *Store) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Total returns the total number of completions across all entries.
// Maintained incrementally so stats never walk the whole map.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
