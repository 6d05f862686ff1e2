package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/howard-nolan/llmcache/internal/fingerprint"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// loaded is one (fingerprint, completion) pair captured during Load.
type loaded struct {
	fp   fingerprint.Fingerprint
	comp string
}

func loadAll(t *testing.T, path string) []loaded {
	t.Helper()

	j, err := OpenJournal(path, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	// Load-only journal: start the worker anyway so Shutdown can join it.
	j.Start()
	defer j.Shutdown()

	var out []loaded
	err = j.Load(func(f fingerprint.Fingerprint, c upstream.Completion) {
		out = append(out, loaded{fp: f, comp: string(c)})
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return out
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	j, err := OpenJournal(path, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Start()

	j.Append(fp(1), comps("a")[0])
	j.Append(fp(1), comps("b")[0])
	j.Append(fp(2), comps("c")[0])

	// Shutdown drains the queue before closing, so after it returns every
	// record is on disk.
	j.Shutdown()

	if got := j.Pending(); got != 0 {
		t.Errorf("Pending() after shutdown = %d, want 0", got)
	}

	records := loadAll(t, path)
	if len(records) != 3 {
		t.Fatalf("loaded %d records, want 3", len(records))
	}

	// File order must match append order.
	want := []loaded{
		{fp(1), `{"text":"a"}`},
		{fp(1), `{"text":"b"}`},
		{fp(2), `{"text":"c"}`},
	}
	for i, w := range want {
		if records[i] != w {
			t.Errorf("record %d = %+v, want %+v", i, records[i], w)
		}
	}
}

func TestJournalLoadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	good1 := `{"key":"` + fp(1).Hex() + `","value":{"text":"a"}}`
	good2 := `{"key":"` + fp(2).Hex() + `","value":{"text":"b"}}`
	content := good1 + "\n" +
		"this is not json\n" +
		"\n" + // blank line
		`{"key":"too-short","value":{}}` + "\n" +
		good2 + "\n"

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	records := loadAll(t, path)
	if len(records) != 2 {
		t.Fatalf("loaded %d records, want 2 (malformed lines skipped)", len(records))
	}
	if records[0].comp != `{"text":"a"}` || records[1].comp != `{"text":"b"}` {
		t.Errorf("loaded wrong records: %+v", records)
	}
}

func TestJournalLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	j, err := OpenJournal(path, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Start()
	defer j.Shutdown()

	// OpenJournal creates the file, so point Load at a path that was never
	// opened to exercise the not-exist branch.
	missing := &Journal{path: filepath.Join(t.TempDir(), "nope.jsonl")}
	err = missing.Load(func(fingerprint.Fingerprint, upstream.Completion) {
		t.Error("apply called for a missing file")
	})
	if err != nil {
		t.Errorf("Load of missing file returned error: %v", err)
	}
}

func TestJournalClearFollowsPendingWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	j, err := OpenJournal(path, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}

	// Enqueue before starting the worker so the clear is guaranteed to be
	// queued behind the appends, then let the worker chew through it all.
	j.Append(fp(1), comps("a")[0])
	j.Append(fp(1), comps("b")[0])
	j.Clear()
	j.Append(fp(2), comps("after-clear")[0])

	j.Start()
	j.Shutdown()

	// The two pre-clear appends were written and then truncated away; only
	// the post-clear record survives.
	records := loadAll(t, path)
	if len(records) != 1 {
		t.Fatalf("loaded %d records after clear, want 1", len(records))
	}
	if records[0].comp != `{"text":"after-clear"}` {
		t.Errorf("surviving record = %s, want the post-clear append", records[0].comp)
	}
}

func TestJournalPendingCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	j, err := OpenJournal(path, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}

	j.Append(fp(1), comps("a")[0])
	j.Append(fp(1), comps("b")[0])

	// Worker not started yet, so both records are still pending.
	if got := j.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}

	j.Start()
	j.Shutdown()

	if got := j.Pending(); got != 0 {
		t.Errorf("Pending() after drain = %d, want 0", got)
	}
}

func TestJournalOverwriteDiscardsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.jsonl")

	j, err := OpenJournal(path, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Start()
	j.Append(fp(1), comps("old")[0])
	j.Shutdown()

	j2, err := OpenJournal(path, true)
	if err != nil {
		t.Fatalf("OpenJournal with overwrite: %v", err)
	}
	j2.Start()
	defer j2.Shutdown()

	var count int
	j2.Load(func(fingerprint.Fingerprint, upstream.Completion) { count++ })
	if count != 0 {
		t.Errorf("loaded %d records after overwrite, want 0", count)
	}
}
