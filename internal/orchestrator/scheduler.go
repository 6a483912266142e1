package orchestrator

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/magis-techno/spdatalab-sub000/internal/checkpoint"
	"github.com/magis-techno/spdatalab-sub000/internal/fetch"
	"github.com/magis-techno/spdatalab-sub000/internal/storage"
	"github.com/magis-techno/spdatalab-sub000/internal/workset"
)

// Scheduler fans partitions out to bounded concurrent workers, one
// Orchestrator per partition. Partitions share nothing mutable: every
// worker opens its own checkpoint store and writes its own table, so no
// inter-worker synchronization is needed.
type Scheduler struct {
	// CheckpointRoot is the directory holding one subdirectory per
	// partition.
	CheckpointRoot string

	// Repo is the storage sink. Its connection pool is safe to share;
	// partition tables are not.
	Repo storage.Repository

	Meta fetch.MetadataFetcher
	Geo  fetch.GeometryFetcher

	// Opts applies to every partition run.
	Opts Options

	// FlushEvery overrides the checkpoint flush threshold when > 0.
	FlushEvery int
}

// RunAll processes all partitions with up to maxWorkers running at once
// (available parallelism when <= 0). A failing or panicking worker never
// aborts its siblings; RunAll waits for every worker to terminate, then
// returns the aggregated report alongside a combined error for the
// partitions that ended fatally.
func (s *Scheduler) RunAll(ctx context.Context, parts []workset.Partition, maxWorkers int, mode Mode) (RunReport, error) {
	start := time.Now()
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}

	log.Printf("scheduler: run_id=%s partitions=%d workers=%d mode=%s",
		s.Opts.RunID, len(parts), maxWorkers, mode)

	type outcome struct {
		rep Report
		err error
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, maxWorkers)
		outcomes = make([]outcome, len(parts))
	)

	for i, part := range parts {
		wg.Add(1)
		go func(i int, part workset.Partition) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// A panic in one worker is that partition's failure, not the
			// run's.
			defer func() {
				if r := recover(); r != nil {
					outcomes[i].err = fmt.Errorf("partition %s: worker panic: %v", part.Key, r)
				}
			}()

			rep, err := s.runPartition(ctx, part, mode)
			outcomes[i] = outcome{rep: rep, err: err}
		}(i, part)
	}
	wg.Wait()

	rr := RunReport{RunID: s.Opts.RunID, Duration: time.Since(start)}
	var merr *multierror.Error
	for i, out := range outcomes {
		rr.Reports = append(rr.Reports, out.rep)
		if out.err != nil {
			rr.FatalCount++
			merr = multierror.Append(merr, fmt.Errorf("partition %s: %w", parts[i].Key, out.err))
		}
	}
	sort.Slice(rr.Reports, func(a, b int) bool { return rr.Reports[a].Partition < rr.Reports[b].Partition })

	return rr, merr.ErrorOrNil()
}

// runPartition opens the partition's private checkpoint store and runs its
// orchestrator to completion.
func (s *Scheduler) runPartition(ctx context.Context, part workset.Partition, mode Mode) (Report, error) {
	var opts []checkpoint.Option
	if s.FlushEvery > 0 {
		opts = append(opts, checkpoint.WithFlushEvery(s.FlushEvery))
	}
	store, err := checkpoint.Open(s.CheckpointRoot, part.Key, opts...)
	if err != nil {
		return Report{Partition: part.Key, Mode: mode.String()}, err
	}
	return New(part, store, s.Repo, s.Meta, s.Geo, s.Opts).Run(ctx, mode)
}
