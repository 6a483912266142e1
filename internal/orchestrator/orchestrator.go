// Package orchestrator drives the checkpointed ingestion of one partition
// and schedules many partitions across bounded workers.
//
// One Orchestrator owns one partition end to end: it computes the pending
// working set from the checkpoint store, pulls metadata and geometry from
// the collaborators in fetch-batches, merges per item, writes merged rows to
// the partition table in write-batches (bulk first, row-by-row on bulk
// failure), and records a success or failure outcome for every item it
// touched. Item-level errors never escape Run; only fatal conditions do
// (unwritable checkpoint store, collaborator outage).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/magis-techno/spdatalab-sub000/internal/checkpoint"
	"github.com/magis-techno/spdatalab-sub000/internal/fetch"
	"github.com/magis-techno/spdatalab-sub000/internal/metrics"
	"github.com/magis-techno/spdatalab-sub000/internal/storage"
	"github.com/magis-techno/spdatalab-sub000/internal/workset"
)

// Mode selects which working set a run processes.
type Mode int

const (
	// ModeNormal processes every item in the partition that has no success
	// record yet. This is the resume behavior: a fresh run and a restart
	// after a crash are the same operation.
	ModeNormal Mode = iota

	// ModeRetryFailed processes exactly the items with a failure record and
	// no success record.
	ModeRetryFailed
)

func (m Mode) String() string {
	if m == ModeRetryFailed {
		return "retry_failed_only"
	}
	return "normal"
}

// ErrCollaboratorOutage reports that a fetch collaborator failed on enough
// consecutive calls to be considered down. It aborts the partition; other
// partitions keep running.
var ErrCollaboratorOutage = errors.New("orchestrator: collaborator outage")

const (
	// DefaultFetchBatchSize is how many ids go to the collaborators per call.
	DefaultFetchBatchSize = 2000

	// DefaultWriteBatchSize is how many merged rows go into one bulk write.
	// Always <= the fetch-batch size.
	DefaultWriteBatchSize = 1000

	// defaultOutageThreshold is how many consecutive failed calls to one
	// collaborator count as a total outage.
	defaultOutageThreshold = 3
)

// Options tune one partition run. Zero values take the defaults above.
type Options struct {
	FetchBatchSize  int
	WriteBatchSize  int
	TablePrefix     string
	RunID           string
	OutageThreshold int
}

func (o Options) withDefaults() Options {
	if o.FetchBatchSize <= 0 {
		o.FetchBatchSize = DefaultFetchBatchSize
	}
	if o.WriteBatchSize <= 0 {
		o.WriteBatchSize = DefaultWriteBatchSize
	}
	if o.WriteBatchSize > o.FetchBatchSize {
		o.WriteBatchSize = o.FetchBatchSize
	}
	if o.TablePrefix == "" {
		o.TablePrefix = storage.DefaultTablePrefix
	}
	if o.OutageThreshold <= 0 {
		o.OutageThreshold = defaultOutageThreshold
	}
	return o
}

// Orchestrator runs the ingestion pipeline for a single partition. It owns
// that partition's checkpoint store and partition table exclusively for the
// duration of the run.
type Orchestrator struct {
	part  workset.Partition
	store *checkpoint.Store
	repo  storage.Repository
	meta  fetch.MetadataFetcher
	geo   fetch.GeometryFetcher
	opts  Options
	table string

	consecMetaFail int
	consecGeoFail  int
}

// New wires an Orchestrator for one partition.
func New(
	part workset.Partition,
	store *checkpoint.Store,
	repo storage.Repository,
	meta fetch.MetadataFetcher,
	geo fetch.GeometryFetcher,
	opts Options,
) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		part:  part,
		store: store,
		repo:  repo,
		meta:  meta,
		geo:   geo,
		opts:  opts,
		table: storage.PartitionTableName(opts.TablePrefix, part.Key),
	}
}

// Run executes the pipeline for the partition and returns its report. The
// returned error is nil unless a fatal condition aborted the run; item-level
// failures are visible only in the report and the checkpoint store.
//
// Batches run strictly sequentially: batch N+1 never starts before batch
// N's outcomes are flushed. Cancelling ctx stops the run between batches
// without corrupting state; the next invocation recomputes the remaining
// set from the store.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) (Report, error) {
	start := time.Now()
	rep := Report{
		Partition: o.part.Key,
		RunID:     o.opts.RunID,
		Mode:      mode.String(),
		Total:     len(o.part.Items),
	}

	var working []string
	switch mode {
	case ModeRetryFailed:
		working = o.store.RetryableItems()
	default:
		working = o.store.Pending(o.part.IDs())
	}
	rep.WorkingSet = len(working)

	log.Printf("orchestrator: partition=%s mode=%s total=%d pending=%d table=%s",
		o.part.Key, mode, rep.Total, rep.WorkingSet, o.table)

	if len(working) == 0 {
		rep.Duration = time.Since(start)
		return o.finish(rep)
	}

	if err := o.repo.EnsurePartitionTable(ctx, o.table); err != nil {
		return rep, fmt.Errorf("orchestrator: partition=%s: %w", o.part.Key, err)
	}

	batch := o.store.Summary(rep.Total, o.opts.RunID).CurrentBatch
	for len(working) > 0 {
		if err := ctx.Err(); err != nil {
			// Clean stop between batches: everything recorded so far is
			// flushed, the rest stays pending for the next run.
			if ferr := o.store.Flush(); ferr != nil {
				return rep, ferr
			}
			return rep, err
		}

		n := o.opts.FetchBatchSize
		if n > len(working) {
			n = len(working)
		}
		ids := working[:n]
		working = working[n:]
		batch++

		if err := o.runBatch(ctx, ids, batch, &rep); err != nil {
			_ = o.store.Flush()
			return rep, err
		}

		// Outcomes for this batch are durable before the next one starts.
		if err := o.store.Flush(); err != nil {
			return rep, err
		}
		sum, err := o.store.WriteSummary(rep.Total, o.opts.RunID)
		if err != nil {
			return rep, err
		}
		log.Printf("orchestrator: partition=%s batch=%d ok=%d failed=%d inserted_run=%d",
			o.part.Key, batch, sum.SuccessfulCount, sum.FailedCount, sum.InsertedCount)
	}

	rep.Duration = time.Since(start)
	return o.finish(rep)
}

// finish flushes, rewrites the summary, and fills report counters from the
// store, which is authoritative.
func (o *Orchestrator) finish(rep Report) (Report, error) {
	if err := o.store.Flush(); err != nil {
		return rep, err
	}
	sum, err := o.store.WriteSummary(rep.Total, o.opts.RunID)
	if err != nil {
		return rep, err
	}
	rep.Succeeded = sum.SuccessfulCount
	rep.Failed = sum.FailedCount
	rep.Inserted = sum.InsertedCount
	rep.FailedByStep = o.failedByStep()
	return rep, nil
}

func (o *Orchestrator) failedByStep() map[string]int {
	out := map[string]int{}
	for _, id := range o.store.RetryableItems() {
		if rec, ok := o.store.LastFailure(id); ok {
			out[rec.Step]++
		}
	}
	return out
}

// runBatch processes one fetch-batch: concurrent fetches, merge, write-
// batches, outcome recording. Item errors are contained here; the returned
// error is fatal only.
func (o *Orchestrator) runBatch(ctx context.Context, ids []string, batch int, rep *Report) error {
	metaRows, geoRows, fetchStep, fetchMsg, err := o.fetchBoth(ctx, ids)
	if err != nil {
		return err
	}
	if fetchStep != "" {
		// The whole fetch-batch failed at one collaborator. Record every id
		// at that step and move on; retry is item-granular on a later run.
		for _, id := range ids {
			if rerr := o.store.RecordFailure(id, batch, fetchStep, fetchMsg); rerr != nil {
				return rerr
			}
		}
		return nil
	}

	// Merge: a row is eligible only when both halves exist.
	type merged struct {
		id  string
		row []any
	}
	eligible := make([]merged, 0, len(ids))
	var mergeFailed int
	for _, id := range ids {
		m, haveMeta := metaRows[id]
		g, haveGeo := geoRows[id]
		if !haveMeta || !haveGeo {
			msg := "missing metadata"
			if haveMeta {
				msg = "missing geometry"
			}
			if err := o.store.RecordFailure(id, batch, checkpoint.StepMerge, msg); err != nil {
				return err
			}
			mergeFailed++
			continue
		}
		eligible = append(eligible, merged{
			id:  id,
			row: []any{m.ItemID, o.part.Key, m.EventID, m.CityID, m.CollectedAt, g.WKT},
		})
	}
	metrics.RecordRows(o.part.Key, "merge_failed", float64(mergeFailed))

	// Write-batches: bulk first, then row-by-row isolation on bulk failure.
	for len(eligible) > 0 {
		n := o.opts.WriteBatchSize
		if n > len(eligible) {
			n = len(eligible)
		}
		wb := eligible[:n]
		eligible = eligible[n:]

		rows := make([][]any, len(wb))
		for i, m := range wb {
			rows[i] = m.row
		}

		wstart := time.Now()
		_, bulkErr := o.repo.BulkUpsert(ctx, o.table, storage.PartitionColumns, rows)
		metrics.RecordStep(o.part.Key, "write_bulk", bulkErr, time.Since(wstart))

		if bulkErr == nil {
			for _, m := range wb {
				if err := o.store.RecordSuccess(m.id, batch); err != nil {
					return err
				}
			}
			metrics.RecordRows(o.part.Key, "inserted", float64(len(wb)))
			metrics.RecordBatches(o.part.Key, 1)
			continue
		}

		log.Printf("orchestrator: partition=%s batch=%d bulk write failed (%v); retrying %d rows individually",
			o.part.Key, batch, bulkErr, len(wb))

		var rowOK, rowFailed int
		for _, m := range wb {
			if err := o.repo.UpsertRow(ctx, o.table, storage.PartitionColumns, m.row); err != nil {
				if rerr := o.store.RecordFailure(m.id, batch, checkpoint.StepWrite, err.Error()); rerr != nil {
					return rerr
				}
				rowFailed++
				continue
			}
			if err := o.store.RecordSuccess(m.id, batch); err != nil {
				return err
			}
			rowOK++
		}
		metrics.RecordRows(o.part.Key, "inserted", float64(rowOK))
		metrics.RecordRows(o.part.Key, "write_failed", float64(rowFailed))
		metrics.RecordBatches(o.part.Key, 1)
	}
	return nil
}

// fetchBoth calls the two collaborators concurrently. A failed call is not
// fatal by itself; it is reported via fetchStep so the caller can record
// the batch. Crossing the consecutive-failure threshold upgrades it to
// ErrCollaboratorOutage.
func (o *Orchestrator) fetchBoth(ctx context.Context, ids []string) (
	map[string]fetch.MetadataRow, map[string]fetch.GeometryRow, string, string, error,
) {
	var (
		metaRows map[string]fetch.MetadataRow
		geoRows  map[string]fetch.GeometryRow
		metaErr  error
		geoErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		metaRows, metaErr = o.meta.FetchMetadata(gctx, ids)
		metrics.RecordStep(o.part.Key, checkpoint.StepFetchMetadata, metaErr, time.Since(start))
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		geoRows, geoErr = o.geo.FetchGeometry(gctx, ids)
		metrics.RecordStep(o.part.Key, checkpoint.StepFetchGeometry, geoErr, time.Since(start))
		return nil
	})
	_ = g.Wait() // goroutines report through metaErr/geoErr

	// Each counter tracks its own collaborator only: a success resets it
	// even when the other call in the same batch failed.
	if metaErr != nil {
		o.consecMetaFail++
	} else {
		o.consecMetaFail = 0
	}
	if geoErr != nil {
		o.consecGeoFail++
	} else {
		o.consecGeoFail = 0
	}

	if o.consecMetaFail >= o.opts.OutageThreshold {
		return nil, nil, "", "", fmt.Errorf("%w: metadata service: %v", ErrCollaboratorOutage, metaErr)
	}
	if o.consecGeoFail >= o.opts.OutageThreshold {
		return nil, nil, "", "", fmt.Errorf("%w: geometry service: %v", ErrCollaboratorOutage, geoErr)
	}

	if metaErr != nil {
		return nil, nil, checkpoint.StepFetchMetadata, metaErr.Error(), nil
	}
	if geoErr != nil {
		return nil, nil, checkpoint.StepFetchGeometry, geoErr.Error(), nil
	}
	return metaRows, geoRows, "", "", nil
}
