package cache

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/howard-nolan/llmcache/internal/fingerprint"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// journalFile is the journal's filename inside the cache directory.
const journalFile = "cache.jsonl"

// Stats is a snapshot of the cache's counters. Hits and misses count
// top-level requests, not completions: a request that got even one
// completion from the cache is a hit, a request the cache knew nothing
// about is a miss. Counters reset on process start and on clear.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	NumKeys        int     `json:"num_keys"`
	TotalResponses int     `json:"total_responses"`
	HitRate        float64 `json:"hit_rate"`
	PendingWrites  int     `json:"pending_writes"`
}

// Engine combines the fingerprinter, the in-memory store, and the journal
// into the cache the proxy pipeline actually talks to. It owns the
// partial-fill logic: a request for n completions is answered from however
// many the cache holds, and the engine tells the caller how many more to
// fetch upstream.
//
// The engine is created once at server start and passed into the pipeline
// explicitly — it's a handle, not a package-level global.
type Engine struct {
	store   *Store
	journal *Journal

	hits   atomic.Int64
	misses atomic.Int64
}

// NewEngine opens the journal at <dir>/cache.jsonl, replays it into a fresh
// store, and starts the background writer. With overwrite set, any existing
// journal is discarded first. The directory must already exist — main
// creates it and treats failure as fatal.
func NewEngine(dir string, overwrite bool) (*Engine, error) {
	journal, err := OpenJournal(filepath.Join(dir, journalFile), overwrite)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	store := NewStore()

	// Replay goes through Restore, not Append, so loading the journal
	// doesn't immediately rewrite it. After this the in-memory state is
	// exactly what the recorded puts would have produced on an empty store.
	if err := journal.Load(func(f fingerprint.Fingerprint, c upstream.Completion) {
		store.Restore(f, []upstream.Completion{c})
	}); err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}

	// Every in-memory append from here on enqueues a journal record while
	// the store lock is held, keeping disk order and memory order in sync
	// per fingerprint.
	store.OnAppend(journal.Append)
	journal.Start()

	return &Engine{store: store, journal: journal}, nil
}

// Lookup fingerprints the request and reads a snapshot of its cache entry.
//
// It returns the cached completions to serve, how many more the caller must
// fetch upstream, and the fingerprint (for the follow-up Store). Three cases:
//
//   - cache holds ≥ n: the first n cached completions, needed = 0, hit
//   - cache holds k, 0 < k < n: those k, needed = n-k, still a hit
//   - cache holds 0: empty, needed = n, miss
//
// The returned slice is a snapshot — later Store calls for the same
// fingerprint never mutate it, which is what keeps the merge in the pipeline
// correct under concurrency.
func (e *Engine) Lookup(req *upstream.GenerateRequest) ([]upstream.Completion, int, fingerprint.Fingerprint) {
	fp, n := fingerprint.Compute(req)

	snapshot := e.store.List(fp)

	if len(snapshot) >= n {
		e.hits.Add(1)
		return snapshot[:n], 0, fp
	}

	if len(snapshot) > 0 {
		e.hits.Add(1) // partial fill still counts as a hit
	} else {
		e.misses.Add(1)
	}
	return snapshot, n - len(snapshot), fp
}

// Store appends freshly generated completions to the entry for fp and
// enqueues one journal record per completion. Returns immediately — the
// disk write happens on the journal worker.
func (e *Engine) Store(fp fingerprint.Fingerprint, comps []upstream.Completion) {
	e.store.Append(fp, comps)
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	hits := e.hits.Load()
	misses := e.misses.Load()

	s := Stats{
		Hits:           hits,
		Misses:         misses,
		NumKeys:        e.store.Keys(),
		TotalResponses: e.store.Total(),
		PendingWrites:  e.journal.Pending(),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	return s
}

// Clear empties the store, resets the counters, and queues a journal
// truncation behind any pending writes.
func (e *Engine) Clear() {
	e.store.Clear()
	e.hits.Store(0)
	e.misses.Store(0)
	e.journal.Clear()
}

// CacheFile returns the journal's path, surfaced in /cache/info.
func (e *Engine) CacheFile() string {
	return e.journal.Path()
}

// Shutdown drains the journal queue and closes the file. The in-memory
// store needs no teardown.
func (e *Engine) Shutdown() {
	e.journal.Shutdown()
}
