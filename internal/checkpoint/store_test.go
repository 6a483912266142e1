package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

// TestOpen_EmptyStoreStartsEmpty verifies that an absent store is empty
// state, not an error.
func TestOpen_EmptyStoreStartsEmpty(t *testing.T) {
	t.Parallel()

	st, err := Open(t.TempDir(), "p1")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if st.SuccessCount() != 0 {
		t.Fatalf("SuccessCount = %d, want 0", st.SuccessCount())
	}
	if got := st.RetryableItems(); len(got) != 0 {
		t.Fatalf("RetryableItems = %v, want empty", got)
	}
}

// TestOpen_EmptyPartitionFails verifies the partition name is required.
func TestOpen_EmptyPartitionFails(t *testing.T) {
	t.Parallel()

	if _, err := Open(t.TempDir(), ""); err == nil {
		t.Fatalf("expected error for empty partition")
	}
}

// TestRecordAndReload verifies the core resume path: records flushed by one
// store are visible after reopening it.
func TestRecordAndReload(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	st, err := Open(root, "p1", WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := st.RecordSuccess(id, 1); err != nil {
			t.Fatalf("RecordSuccess(%s): %v", id, err)
		}
	}
	if err := st.RecordFailure("d", 1, StepMerge, "missing geometry"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := st.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	re, err := Open(root, "p1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if re.SuccessCount() != 3 {
		t.Fatalf("SuccessCount after reload = %d, want 3", re.SuccessCount())
	}
	if !re.HasSuccess("b") {
		t.Fatalf("HasSuccess(b) = false after reload")
	}
	if got := re.RetryableItems(); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("RetryableItems = %v, want [d]", got)
	}
	rec, ok := re.LastFailure("d")
	if !ok || rec.Step != StepMerge || rec.Error != "missing geometry" {
		t.Fatalf("LastFailure(d) = %+v, ok=%v", rec, ok)
	}
}

// TestRecordSuccess_DuplicateIsNoop verifies the uniqueness invariant on
// (partition, item): a second success neither errors nor duplicates.
func TestRecordSuccess_DuplicateIsNoop(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	st, err := Open(root, "p1")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.RecordSuccess("a", 1); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := st.RecordSuccess("a", 2); err != nil {
		t.Fatalf("RecordSuccess twice: %v", err)
	}
	if err := st.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "p1", successLog))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if lines := countLines(data); lines != 1 {
		t.Fatalf("success log has %d lines, want 1:\n%s", lines, data)
	}
	if st.SuccessCount() != 1 {
		t.Fatalf("SuccessCount = %d, want 1", st.SuccessCount())
	}
}

// TestRetrySuccess_AppendsWithoutDeletingFailure verifies the append-only
// discipline: a success after a failure adds a success row and makes the
// item non-retryable, but the failure history stays on disk.
func TestRetrySuccess_AppendsWithoutDeletingFailure(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	st, err := Open(root, "p1")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.RecordFailure("x", 1, StepWrite, "boom"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := st.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	re, err := Open(root, "p1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := re.RecordSuccess("x", 2); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := re.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := re.RetryableItems(); len(got) != 0 {
		t.Fatalf("RetryableItems = %v, want empty after retry success", got)
	}

	// The old failure row must still be present in the log.
	data, err := os.ReadFile(filepath.Join(root, "p1", failureLog))
	if err != nil {
		t.Fatalf("read failure log: %v", err)
	}
	if lines := countLines(data); lines != 1 {
		t.Fatalf("failure log has %d lines, want 1 (history kept)", lines)
	}
}

// TestRetryableItems_LatestFailureWins verifies that repeated failures keep
// one retryable entry and the newest record is authoritative.
func TestRetryableItems_LatestFailureWins(t *testing.T) {
	t.Parallel()

	st, err := Open(t.TempDir(), "p1")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.RecordFailure("x", 1, StepFetchMetadata, "first"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := st.RecordFailure("x", 2, StepWrite, "second"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if got := st.RetryableItems(); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("RetryableItems = %v, want [x]", got)
	}
	rec, _ := st.LastFailure("x")
	if rec.Step != StepWrite || rec.Error != "second" {
		t.Fatalf("LastFailure = %+v, want newest record", rec)
	}
}

// TestFlushThreshold verifies that the buffer is spilled to disk once the
// threshold is reached, without an explicit Flush call.
func TestFlushThreshold(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	st, err := Open(root, "p1", WithFlushEvery(3))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		if err := st.RecordSuccess(id, 1); err != nil {
			t.Fatalf("RecordSuccess %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "p1", successLog))
	if err != nil {
		t.Fatalf("log not written after threshold: %v", err)
	}
	if lines := countLines(data); lines != 3 {
		t.Fatalf("success log has %d lines, want 3", lines)
	}
}

// TestOpen_CorruptStoreIsFatal verifies that a damaged log is reported as
// an error instead of being treated as empty state.
func TestOpen_CorruptStoreIsFatal(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	dir := filepath.Join(root, "p1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, successLog), []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("write corrupt log: %v", err)
	}

	if _, err := Open(root, "p1"); err == nil {
		t.Fatalf("expected error for corrupt success log")
	}
}

// TestFlush_UnwritableIsFatal verifies the no-silent-progress-loss
// invariant: a write failure surfaces ErrStoreUnwritable.
func TestFlush_UnwritableIsFatal(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	st, err := Open(root, "p1")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.RecordSuccess("a", 1); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	// Replace the success log path with a directory so the append fails.
	if err := os.MkdirAll(filepath.Join(root, "p1", successLog), 0o755); err != nil {
		t.Fatalf("mkdir over log: %v", err)
	}

	err = st.Flush()
	if err == nil {
		t.Fatalf("expected flush error")
	}
	if !errors.Is(err, ErrStoreUnwritable) {
		t.Fatalf("Flush error = %v, want ErrStoreUnwritable", err)
	}
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
