package mailq

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/laurafang/swish/pkg/logx"
)

// ErrCorrupt is returned (wrapped) by DrainAndClaim when the claimed segment
// contains an unparseable line. Well-formed records decoded before the bad
// line are still returned; the segment is preserved under a quarantine name
// for manual inspection rather than deleted.
var ErrCorrupt = errors.New("mailq: corrupt queue segment")

// Queue is a durable, append-only log of pending notification records.
//
// One process-wide mutex serializes all queue mutations: Enqueue and
// DrainAndClaim are mutually exclusive. The lock is only ever held across
// local file operations, never across network sends.
//
// The claim mechanism is a file rename: DrainAndClaim rotates the live file
// to a staging name before reading it, so Enqueue calls racing with a drain
// land in a fresh live file and are neither lost nor double-processed.
type Queue struct {
	mu   sync.Mutex
	path string
	log  logx.Logger
}

// New creates a queue backed by the given file path. The file (and parent
// directory) are created lazily on first Enqueue.
func New(path string, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{path: path, log: log}
}

func (q *Queue) stagingPath() string { return q.path + ".draining" }
func (q *Queue) deadPath() string    { return q.path + ".dead.jsonl" }

// Enqueue appends one record to the live queue file. It returns only after
// the append has been synced to durable storage.
func (q *Queue) Enqueue(r Record) error {
	if r.State == "" {
		r.State = StateNew
	}
	if r.QueuedAt.IsZero() {
		r.QueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return appendLine(q.path, r)
}

// DrainAndClaim atomically claims the entire current queue content and
// returns it as parsed records. Returns (nil, nil) when nothing is pending.
//
// A staging file left behind by a crash (renamed but not yet deleted) is
// claimed first; the live file then waits for the next cycle.
func (q *Queue) DrainAndClaim() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	staging := q.stagingPath()
	if _, err := os.Stat(staging); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("mailq: stat staging: %w", err)
		}
		// Normal path: rotate the live file into place.
		if err := os.Rename(q.path, staging); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("mailq: claim rotate: %w", err)
		}
	} else {
		q.log.Warn("claiming leftover queue segment from previous run",
			logx.String("file", staging))
	}

	records, err := readSegment(staging)
	if err != nil {
		// Do not lose the well-formed siblings: keep the segment around
		// under a quarantine name and surface the failure.
		qn := q.path + ".quarantine-" + strconv.FormatInt(time.Now().UnixNano(), 10)
		if rerr := os.Rename(staging, qn); rerr != nil {
			q.log.Error("failed to quarantine corrupt queue segment",
				logx.String("file", staging), logx.Err(rerr))
		} else {
			q.log.Error("quarantined corrupt queue segment",
				logx.String("file", qn), logx.Int("recovered", len(records)))
		}
		return records, err
	}

	if err := os.Remove(staging); err != nil {
		return records, fmt.Errorf("mailq: remove claimed segment: %w", err)
	}
	return records, nil
}

// DeadLetter appends a record that exhausted its retry budget to the
// poison-record log next to the queue file.
func (q *Queue) DeadLetter(r Record) error {
	entry := struct {
		Record
		DeadAt time.Time `json:"dead_at"`
	}{Record: r, DeadAt: time.Now().UTC()}

	q.mu.Lock()
	defer q.mu.Unlock()
	return appendLine(q.deadPath(), entry)
}

func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mailq: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("mailq: open: %w", err)
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailq: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailq: sync: %w", err)
	}
	return f.Close()
}

func readSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mailq: open segment: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil {
			return out, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}
