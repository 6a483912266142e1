package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Summary is a cheap-to-read snapshot of a partition's progress. It is
// recomputed from the success/failure logs and rewritten wholesale; it is
// never the source of truth. When the snapshot and the logs disagree, the
// logs win.
type Summary struct {
	Partition       string    `json:"partition_id"`
	RunID           string    `json:"run_id,omitempty"`
	TotalItems      int       `json:"total_items"`
	ProcessedCount  int       `json:"processed_count"`
	InsertedCount   int       `json:"inserted_count"`
	CurrentBatch    int       `json:"current_batch"`
	SuccessfulCount int       `json:"successful_count"`
	FailedCount     int       `json:"failed_count"`
	UpdatedAt       time.Time `json:"timestamp"`
}

// Summary recomputes the snapshot from in-memory state. total is the size
// of the partition's full input set; inserted counts successes recorded by
// the current run only.
func (s *Store) Summary(total int, runID string) Summary {
	failed := len(s.RetryableItems())
	return Summary{
		Partition:       s.partition,
		RunID:           runID,
		TotalItems:      total,
		ProcessedCount:  len(s.succSet) + failed,
		InsertedCount:   s.insertedRun,
		CurrentBatch:    s.maxBatch,
		SuccessfulCount: len(s.succSet),
		FailedCount:     failed,
		UpdatedAt:       s.now().UTC(),
	}
}

// WriteSummary recomputes the snapshot and replaces summary.json. The file
// is written via a temp file + rename so readers never observe a torn
// document. Write errors are fatal the same way log appends are.
func (s *Store) WriteSummary(total int, runID string) (Summary, error) {
	sum := s.Summary(total, runID)

	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return sum, fmt.Errorf("checkpoint: marshal summary: %w", err)
	}
	data = append(data, '\n')

	dst := filepath.Join(s.dir, summaryFile)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrStoreUnwritable, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrStoreUnwritable, err)
	}
	return sum, nil
}

// ReadSummary loads the last written snapshot for a partition without
// replaying the logs. Absence is not an error; ok reports presence.
func ReadSummary(root, partition string) (Summary, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, partition, summaryFile))
	if os.IsNotExist(err) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("checkpoint: read summary: %w", err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, false, fmt.Errorf("checkpoint: parse summary: %w", err)
	}
	return sum, true, nil
}

// ListPartitions returns the partition directories under root, i.e. every
// directory containing at least one checkpoint artifact.
func ListPartitions(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read root: %w", err)
	}
	var parts []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, name := range []string{successLog, failureLog, summaryFile} {
			if _, err := os.Stat(filepath.Join(root, e.Name(), name)); err == nil {
				parts = append(parts, e.Name())
				break
			}
		}
	}
	return parts, nil
}
