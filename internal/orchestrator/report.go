package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report summarizes one partition run. Processed, succeeded and failed are
// kept distinct so a caller can decide whether to retry, investigate, or
// accept partial completion.
type Report struct {
	Partition    string
	RunID        string
	Mode         string
	Total        int
	WorkingSet   int
	Succeeded    int
	Failed       int
	Inserted     int
	FailedByStep map[string]int
	Duration     time.Duration
}

// String renders a one-line summary in the log's key=value style.
func (r Report) String() string {
	var steps string
	if len(r.FailedByStep) > 0 {
		keys := make([]string, 0, len(r.FailedByStep))
		for k := range r.FailedByStep {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s:%d", k, r.FailedByStep[k])
		}
		steps = " failed_by_step=" + strings.Join(parts, ",")
	}
	return fmt.Sprintf(
		"partition=%s mode=%s total=%d working=%d succeeded=%d failed=%d inserted=%d elapsed=%s%s",
		r.Partition, r.Mode, r.Total, r.WorkingSet, r.Succeeded, r.Failed, r.Inserted,
		r.Duration.Truncate(time.Millisecond), steps,
	)
}

// RunReport aggregates the per-partition reports of one scheduler run.
type RunReport struct {
	RunID      string
	Reports    []Report
	Duration   time.Duration
	FatalCount int
}

// Totals sums the partition counters.
func (rr RunReport) Totals() (total, succeeded, failed int) {
	for _, r := range rr.Reports {
		total += r.Total
		succeeded += r.Succeeded
		failed += r.Failed
	}
	return
}
