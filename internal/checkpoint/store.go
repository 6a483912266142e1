// Package checkpoint implements the durable progress record for one
// ingestion partition.
//
// Each partition owns a directory with three artifacts:
//
//	successes.jsonl  append-only log, one line per committed item
//	failures.jsonl   append-only log, one line per failed attempt
//	summary.json     small human-readable snapshot, rewritten after flushes
//
// Both logs are keyed by (partition, item_id) so external tooling can
// reconcile them without re-running the pipeline. Records are buffered in
// memory and appended to disk when the buffer reaches the flush threshold or
// when Flush is called, so a crash loses at most one buffer's worth of
// progress and never corrupts what was already flushed.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Pipeline step names recorded with failures. A failed item is retried at
// item granularity, so the step only says where to look, not what to redo.
const (
	StepFetchMetadata = "fetch_metadata"
	StepFetchGeometry = "fetch_geometry"
	StepMerge         = "merge"
	StepWrite         = "write"
)

// ErrStoreUnwritable reports that the checkpoint medium rejected a write.
// It is fatal for the partition: continuing would silently discard progress.
var ErrStoreUnwritable = errors.New("checkpoint: store unwritable")

const (
	successLog  = "successes.jsonl"
	failureLog  = "failures.jsonl"
	summaryFile = "summary.json"

	// DefaultFlushEvery is the buffered-record threshold that triggers an
	// implicit flush.
	DefaultFlushEvery = 500
)

// SuccessRecord marks one item as durably committed.
type SuccessRecord struct {
	ItemID      string    `json:"item_id"`
	Partition   string    `json:"partition_id"`
	Batch       int       `json:"batch_number"`
	ProcessedAt time.Time `json:"processed_at"`
}

// FailureRecord marks one failed attempt. Multiple records may accumulate
// for the same item across runs; the most recent one is authoritative.
type FailureRecord struct {
	ItemID    string    `json:"item_id"`
	Partition string    `json:"partition_id"`
	Step      string    `json:"failed_step"`
	Error     string    `json:"error_message"`
	Batch     int       `json:"batch_number"`
	FailedAt  time.Time `json:"failed_at"`
}

// Store is the checkpoint state for a single partition. It is owned by
// exactly one worker at a time and is not safe for concurrent use.
type Store struct {
	dir        string
	partition  string
	flushEvery int

	succBuf []SuccessRecord
	failBuf []FailureRecord

	succSet  map[string]struct{}      // every known success, flushed or buffered
	failLast map[string]FailureRecord // latest failure per item

	insertedRun int // successes recorded during this run
	maxBatch    int

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithFlushEvery overrides the buffered-record flush threshold.
func WithFlushEvery(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.flushEvery = n
		}
	}
}

// WithClock injects the time source. Tests use it for stable timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates the partition directory under root if needed and loads any
// existing success/failure logs. An absent store starts empty; a store that
// exists but cannot be parsed is a fatal error, never treated as empty.
func Open(root, partition string, opts ...Option) (*Store, error) {
	if partition == "" {
		return nil, fmt.Errorf("checkpoint: partition must not be empty")
	}

	s := &Store{
		dir:        filepath.Join(root, partition),
		partition:  partition,
		flushEvery: DefaultFlushEvery,
		succSet:    map[string]struct{}{},
		failLast:   map[string]FailureRecord{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", s.dir, err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load replays both logs into the in-memory sets.
func (s *Store) load() error {
	err := readLines(filepath.Join(s.dir, successLog), func(line []byte, n int) error {
		var rec SuccessRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("checkpoint: %s line %d: corrupt record: %w", successLog, n, err)
		}
		s.succSet[rec.ItemID] = struct{}{}
		if rec.Batch > s.maxBatch {
			s.maxBatch = rec.Batch
		}
		return nil
	})
	if err != nil {
		return err
	}

	return readLines(filepath.Join(s.dir, failureLog), func(line []byte, n int) error {
		var rec FailureRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("checkpoint: %s line %d: corrupt record: %w", failureLog, n, err)
		}
		// Later lines win; the log is appended in time order.
		s.failLast[rec.ItemID] = rec
		if rec.Batch > s.maxBatch {
			s.maxBatch = rec.Batch
		}
		return nil
	})
}

// readLines streams a JSONL file line by line. A missing file is fine.
func readLines(path string, fn func(line []byte, n int) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes(), n); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	return nil
}

// Partition returns the partition this store belongs to.
func (s *Store) Partition() string { return s.partition }

// Dir returns the directory holding the store's artifacts.
func (s *Store) Dir() string { return s.dir }

// HasSuccess reports whether the item already has a success record,
// buffered or flushed.
func (s *Store) HasSuccess(itemID string) bool {
	_, ok := s.succSet[itemID]
	return ok
}

// SuccessCount returns the number of distinct successful items.
func (s *Store) SuccessCount() int { return len(s.succSet) }

// RecordSuccess buffers a success for itemID. Recording a success for an
// item that already has one is a no-op, so replays cannot duplicate rows in
// the log. May trigger an implicit flush.
func (s *Store) RecordSuccess(itemID string, batch int) error {
	if s.HasSuccess(itemID) {
		return nil
	}
	s.succSet[itemID] = struct{}{}
	s.insertedRun++
	if batch > s.maxBatch {
		s.maxBatch = batch
	}
	s.succBuf = append(s.succBuf, SuccessRecord{
		ItemID:      itemID,
		Partition:   s.partition,
		Batch:       batch,
		ProcessedAt: s.now().UTC(),
	})
	return s.maybeFlush()
}

// RecordFailure buffers a failure for itemID at the given step. Failures
// accumulate as history; only the newest matters for retry decisions.
// May trigger an implicit flush.
func (s *Store) RecordFailure(itemID string, batch int, step, msg string) error {
	rec := FailureRecord{
		ItemID:    itemID,
		Partition: s.partition,
		Step:      step,
		Error:     msg,
		Batch:     batch,
		FailedAt:  s.now().UTC(),
	}
	s.failLast[itemID] = rec
	if batch > s.maxBatch {
		s.maxBatch = batch
	}
	s.failBuf = append(s.failBuf, rec)
	return s.maybeFlush()
}

func (s *Store) maybeFlush() error {
	if len(s.succBuf)+len(s.failBuf) >= s.flushEvery {
		return s.Flush()
	}
	return nil
}

// Flush appends all buffered records to their logs and syncs them. Once
// Flush returns nil no buffered record can be lost. Any write error is
// wrapped in ErrStoreUnwritable and the buffers are kept, so the caller can
// abort rather than continue past unrecorded progress.
func (s *Store) Flush() error {
	if len(s.succBuf) > 0 {
		if err := appendJSONL(filepath.Join(s.dir, successLog), s.succBuf); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnwritable, err)
		}
		s.succBuf = s.succBuf[:0]
	}
	if len(s.failBuf) > 0 {
		if err := appendJSONL(filepath.Join(s.dir, failureLog), s.failBuf); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnwritable, err)
		}
		s.failBuf = s.failBuf[:0]
	}
	return nil
}

// appendJSONL appends records to path, one JSON document per line, and
// fsyncs before returning.
func appendJSONL[T any](path string, recs []T) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Pending filters ids down to those without a success record, preserving
// input order. This is the normal-mode working set.
func (s *Store) Pending(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !s.HasSuccess(id) {
			out = append(out, id)
		}
	}
	return out
}

// RetryableItems returns the ids that have a failure record and no success
// record, sorted for deterministic enumeration. Stale failures of items
// that later succeeded are excluded.
func (s *Store) RetryableItems() []string {
	out := make([]string, 0, len(s.failLast))
	for id := range s.failLast {
		if !s.HasSuccess(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LastFailure returns the authoritative (most recent) failure for itemID.
func (s *Store) LastFailure(itemID string) (FailureRecord, bool) {
	rec, ok := s.failLast[itemID]
	return rec, ok
}
