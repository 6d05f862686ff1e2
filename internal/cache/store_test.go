package cache

import (
	"fmt"
	"testing"

	"github.com/howard-nolan/llmcache/internal/fingerprint"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// fp builds a distinct fingerprint per seed without going through request
// canonicalization — store tests only care about keys, not how they're made.
func fp(seed byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	f[0] = seed
	return f
}

func comps(texts ...string) []upstream.Completion {
	var out []upstream.Completion
	for _, t := range texts {
		out = append(out, upstream.Completion(fmt.Sprintf(`{"text":%q}`, t)))
	}
	return out
}

func TestListReturnsSnapshot(t *testing.T) {
	s := NewStore()
	key := fp(1)

	s.Append(key, comps("a"))

	snapshot := s.List(key)
	if len(snapshot) != 1 {
		t.Fatalf("snapshot has %d completions, want 1", len(snapshot))
	}

	// The regression this guards: List used to return the internal slice,
	// and a later append showed up inside a list the caller already held.
	s.Append(key, comps("b", "c"))

	if len(snapshot) != 1 {
		t.Errorf("snapshot grew to %d after a later append, want it frozen at 1", len(snapshot))
	}
	if string(snapshot[0]) != `{"text":"a"}` {
		t.Errorf("snapshot[0] = %s, want the original completion", snapshot[0])
	}
}

func TestListUnknownKey(t *testing.T) {
	s := NewStore()

	got := s.List(fp(9))
	if len(got) != 0 {
		t.Errorf("List of unknown key returned %d completions, want 0", len(got))
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	s := NewStore()
	key := fp(1)

	s.Append(key, comps("first"))
	s.Append(key, comps("second", "third"))

	got := s.List(key)
	want := []string{`{"text":"first"}`, `{"text":"second"}`, `{"text":"third"}`}
	if len(got) != len(want) {
		t.Fatalf("got %d completions, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("completion %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAggregates(t *testing.T) {
	s := NewStore()

	s.Append(fp(1), comps("a", "b"))
	s.Append(fp(2), comps("c"))

	if got := s.Keys(); got != 2 {
		t.Errorf("Keys() = %d, want 2", got)
	}
	if got := s.Total(); got != 3 {
		t.Errorf("Total() = %d, want 3", got)
	}

	s.Clear()

	if got := s.Keys(); got != 0 {
		t.Errorf("Keys() after clear = %d, want 0", got)
	}
	if got := s.Total(); got != 0 {
		t.Errorf("Total() after clear = %d, want 0", got)
	}
}

func TestObserverFiresPerCompletion(t *testing.T) {
	s := NewStore()

	var notified int
	s.OnAppend(func(fingerprint.Fingerprint, upstream.Completion) {
		notified++
	})

	s.Append(fp(1), comps("a", "b", "c"))
	if notified != 3 {
		t.Errorf("observer fired %d times after Append, want 3", notified)
	}

	// Restore is the journal-replay path and must not re-notify, or
	// loading the journal would rewrite it.
	s.Restore(fp(2), comps("d"))
	if notified != 3 {
		t.Errorf("observer fired %d times after Restore, want still 3", notified)
	}
	if got := s.Total(); got != 4 {
		t.Errorf("Total() = %d, want 4", got)
	}
}
