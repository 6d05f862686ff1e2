package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/howard-nolan/llmcache/internal/fingerprint"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// journalRecord is one line of the on-disk journal: a hex fingerprint plus a
// single completion, independent of every other line. Reconstructing an
// entry is just replaying its records in file order and appending each one.
type journalRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// journalOp is one unit of work for the background writer: either a record
// to append, or a clear. Clears ride the same queue as appends, which is
// what gives us drain-then-clear for free — a clear issued while writes are
// pending sits behind them and executes only after they've hit the disk.
type journalOp struct {
	rec   journalRecord
	clear bool
}

// maxJournalLine bounds a single journal line on load. Completions can carry
// long generations, so this is generous.
const maxJournalLine = 16 * 1024 * 1024

// Journal is the append-only persistence log. Request handlers enqueue
// records without ever touching the disk; a single background goroutine
// dequeues, serializes, and appends them one line at a time.
//
// Durability is best-effort by design: there's no fsync, and a crash can
// lose recently enqueued records. What the journal does guarantee is that
// the file is always well-formed at line granularity — writes are whole
// O_APPEND lines, and bulk rewrites (clear) go through temp-file + rename.
type Journal struct {
	path string
	file *os.File

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []journalOp
	pending int // enqueued appends not yet successfully written
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// OpenJournal opens (creating if needed) the journal file at path in append
// mode. With overwrite set, any existing file is removed first. The worker
// is not started yet — call Load to replay the file into memory, then Start.
func OpenJournal(path string, overwrite bool) (*Journal, error) {
	if overwrite {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing existing journal: %w", err)
		}
	}

	// O_APPEND matters here: the OS appends each Write atomically, so a
	// whole-line write can't interleave with anything else even if another
	// process has the file open.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal file: %w", err)
	}

	j := &Journal{
		path: path,
		file: file,
		done: make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	return j, nil
}

// Path returns the journal file's location, surfaced in /cache/info.
func (j *Journal) Path() string {
	return j.path
}

// Load replays the journal file in order, calling apply for each record.
// Blank lines and lines that fail to parse are skipped with a warning — a
// torn final line from a crash shouldn't cost us the rest of the cache.
func (j *Journal) Load(apply func(fingerprint.Fingerprint, upstream.Completion)) error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening journal for load: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Printf("warning: skipping malformed journal line %d: %v", lineNo, err)
			continue
		}

		fp, err := fingerprint.Parse(rec.Key)
		if err != nil {
			log.Printf("warning: skipping journal line %d: %v", lineNo, err)
			continue
		}

		apply(fp, upstream.Completion(rec.Value))
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	return nil
}

// Start launches the background writer. Call after Load so replayed records
// aren't racing the worker for the file.
func (j *Journal) Start() {
	go j.run()
}

// Append enqueues one record for the background writer. Non-blocking: the
// request path never waits on disk. Appends after shutdown are dropped.
func (j *Journal) Append(f fingerprint.Fingerprint, c upstream.Completion) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}
	j.queue = append(j.queue, journalOp{rec: journalRecord{Key: f.Hex(), Value: json.RawMessage(c)}})
	j.pending++
	j.cond.Signal()
}

// Clear enqueues a truncation. Because it travels the same FIFO as appends,
// every record enqueued before it reaches the disk first, then the file is
// emptied — the on-disk state after a clear is empty, never half-cleared.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}
	j.queue = append(j.queue, journalOp{clear: true})
	j.cond.Signal()
}

// Pending reports how many enqueued records haven't been written yet. A
// record whose write failed stays counted — it's still unwritten.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending
}

// Shutdown stops the worker after it drains the queue, waits for it to
// exit, and closes the file. Safe to call more than once.
func (j *Journal) Shutdown() {
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed = true
		j.cond.Broadcast()
		j.mu.Unlock()

		<-j.done
		j.file.Close()
	})
}

// ---------------------------------------------------------------------------
// Background writer
// ---------------------------------------------------------------------------

// run is the worker loop: dequeue, execute, repeat until the queue is empty
// and the journal is closed.
func (j *Journal) run() {
	defer close(j.done)

	for {
		op, ok := j.next()
		if !ok {
			return
		}
		if op.clear {
			j.truncate()
		} else {
			j.write(op.rec)
		}
	}
}

// next blocks until an op is available or shutdown has drained everything.
func (j *Journal) next() (journalOp, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for len(j.queue) == 0 && !j.closed {
		j.cond.Wait()
	}
	if len(j.queue) == 0 {
		return journalOp{}, false
	}

	op := j.queue[0]
	j.queue = j.queue[1:]
	return op, true
}

// write serializes one record and appends it as a single line. A failed
// write is logged and swallowed — the in-memory state stays authoritative,
// and the pending counter keeps reflecting the unwritten record.
func (j *Journal) write(rec journalRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		log.Printf("warning: failed to serialize journal record: %v", err)
		return
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		log.Printf("warning: failed to write journal record: %v", err)
		return
	}

	j.mu.Lock()
	j.pending--
	j.mu.Unlock()
}

// truncate atomically empties the journal file: write an empty temp file,
// rename it over the real one, reopen in append mode. Rename is atomic on
// POSIX filesystems, so a crash mid-clear leaves either the old file or an
// empty one — never a torn file.
func (j *Journal) truncate() {
	tmp := j.path + ".tmp"

	if err := os.WriteFile(tmp, nil, 0644); err != nil {
		log.Printf("warning: failed to write temp journal file: %v", err)
		return
	}
	if err := os.Rename(tmp, j.path); err != nil {
		log.Printf("warning: failed to replace journal file: %v", err)
		return
	}

	j.file.Close()
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("warning: failed to reopen journal file: %v", err)
		return
	}
	j.file = file
}
