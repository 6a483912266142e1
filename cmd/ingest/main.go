// Command ingest runs the checkpointed, partitioned ingestion pipeline: it
// loads the item index, fans partitions out to bounded workers, fetches and
// merges metadata + geometry per item, writes partition tables, and rebuilds
// the unified view.
//
// The default behavior is resume: already-successful items are skipped based
// on the checkpoint store. -retry-failed narrows the run to previously
// failed items; -stats only reads the checkpoint store and prints progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/magis-techno/spdatalab-sub000/internal/checkpoint"
	"github.com/magis-techno/spdatalab-sub000/internal/config"
	"github.com/magis-techno/spdatalab-sub000/internal/fetch"
	"github.com/magis-techno/spdatalab-sub000/internal/metrics"
	"github.com/magis-techno/spdatalab-sub000/internal/metrics/datadog"
	"github.com/magis-techno/spdatalab-sub000/internal/metrics/prompush"
	"github.com/magis-techno/spdatalab-sub000/internal/orchestrator"
	"github.com/magis-techno/spdatalab-sub000/internal/storage"
	"github.com/magis-techno/spdatalab-sub000/internal/view"
	"github.com/magis-techno/spdatalab-sub000/internal/workset"

	// register all backends with the storage factory.
	_ "github.com/magis-techno/spdatalab-sub000/internal/storage/all"
)

func main() {
	var (
		cfgPath           string
		validate          bool
		stats             bool
		retryFailed       bool
		workers           int
		skipView          bool
		metricsBackendFlg string
		pushGatewayURLFlg string
		statsdAddrFlg     string
	)

	flag.StringVar(&cfgPath, "config", "configs/pipelines/sample.json", "pipeline config JSON path")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&stats, "stats", false, "print checkpoint progress and exit; touches no collaborator or table")
	flag.BoolVar(&retryFailed, "retry-failed", false, "process only previously failed items")
	flag.IntVar(&workers, "workers", 0, "max concurrent partition workers (0 = config, then CPU count)")
	flag.BoolVar(&skipView, "skip-view", false, "do not rebuild the unified view after the run")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (pushgateway, datadog, none)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&statsdAddrFlg, "statsd-addr", "", "DogStatsD address (overrides env STATSD_ADDR)")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	p, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.ValidatePipeline(p)
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		fatalf("configuration is invalid: %v", cfgPath)
	}
	if validate {
		log.Printf("configuration is valid: %v", cfgPath)
		return
	}

	if stats {
		if err := printStats(os.Stdout, p.Checkpoint.Root); err != nil {
			fatalf("%v", err)
		}
		return
	}

	setupMetrics(p.Job, metricsBackendFlg, pushGatewayURLFlg, statsdAddrFlg, *verbose)
	defer func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}()

	// Stop between batches on SIGINT/SIGTERM; the next invocation resumes
	// from the checkpoint store.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, p, workers, retryFailed, skipView, *verbose); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, p config.Pipeline, workers int, retryFailed, skipView, verbose bool) error {
	start := time.Now()
	runID := uuid.NewString()

	items, err := workset.Load(p.Input.IndexPath, p.Input.HashBuckets)
	if err != nil {
		return err
	}
	parts := workset.Split(items)
	if len(parts) == 0 {
		return fmt.Errorf("index %s contains no items", p.Input.IndexPath)
	}

	client, err := fetch.NewClient(fetch.Config{
		BaseURL:    p.Services.BaseURL,
		Timeout:    time.Duration(p.Services.TimeoutSeconds) * time.Second,
		MaxRetries: p.Services.MaxRetries,
	})
	if err != nil {
		return err
	}

	repo, err := storage.New(ctx, storage.Config{
		Kind:   p.Storage.Kind,
		DSN:    p.Storage.DSN,
		Schema: p.Storage.Schema,
	})
	if err != nil {
		return err
	}
	defer repo.Close()

	if workers <= 0 {
		workers = p.Runtime.MaxWorkers
	}
	mode := orchestrator.ModeNormal
	if retryFailed {
		mode = orchestrator.ModeRetryFailed
	}

	sched := &orchestrator.Scheduler{
		CheckpointRoot: p.Checkpoint.Root,
		Repo:           repo,
		Meta:           client,
		Geo:            client,
		FlushEvery:     p.Checkpoint.FlushEvery,
		Opts: orchestrator.Options{
			FetchBatchSize:  p.Runtime.FetchBatchSize,
			WriteBatchSize:  p.Runtime.WriteBatchSize,
			OutageThreshold: p.Runtime.OutageThreshold,
			TablePrefix:     p.Storage.TablePrefix,
			RunID:           runID,
		},
	}

	rr, runErr := sched.RunAll(ctx, parts, workers, mode)
	for _, rep := range rr.Reports {
		log.Printf("report: %s", rep)
	}
	total, ok, failed := rr.Totals()
	log.Printf("run %s: partitions=%d total=%d succeeded=%d failed=%d fatal=%d elapsed=%s",
		runID, len(rr.Reports), total, ok, failed, rr.FatalCount,
		time.Since(start).Truncate(time.Millisecond))

	if runErr != nil {
		// Surviving partitions are committed; report the fatal ones.
		return fmt.Errorf("run finished with fatal partition errors: %w", runErr)
	}

	if skipView {
		if verbose {
			log.Printf("view: rebuild skipped by flag")
		}
		return nil
	}

	b := &view.Builder{Repo: repo, TablePrefix: p.Storage.TablePrefix}
	viewName := p.Storage.ViewName
	if viewName == "" {
		viewName = storage.DefaultViewName
	}
	if _, err := b.Rebuild(ctx, viewName); err != nil {
		return err
	}
	return nil
}

// printStats reads only the checkpoint artifacts. It prefers the last
// written summary document and falls back to replaying the logs when the
// snapshot is missing; the logs only know what was attempted, so in that
// case total is the processed count, not the full input size.
func printStats(w io.Writer, root string) error {
	parts, err := checkpoint.ListPartitions(root)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		fmt.Fprintf(w, "no checkpoints under %s\n", root)
		return nil
	}

	var total, ok, failed int
	for _, part := range parts {
		sum, found, err := checkpoint.ReadSummary(root, part)
		if err != nil {
			return err
		}
		if !found {
			st, err := checkpoint.Open(root, part)
			if err != nil {
				return err
			}
			sum = st.Summary(0, "")
			sum.TotalItems = sum.ProcessedCount
		}
		fmt.Fprintf(w, "%-30s total=%-8d processed=%-8d succeeded=%-8d failed=%-8d batch=%d\n",
			sum.Partition, sum.TotalItems, sum.ProcessedCount, sum.SuccessfulCount, sum.FailedCount, sum.CurrentBatch)
		total += sum.TotalItems
		ok += sum.SuccessfulCount
		failed += sum.FailedCount
	}
	fmt.Fprintf(w, "%-30s total=%-8d succeeded=%-8d failed=%d\n", "ALL", total, ok, failed)
	return nil
}

// setupMetrics decides the metrics backend: flag, then env, then default.
func setupMetrics(job, backendName, gwURL, statsdAddr string, verbose bool) {
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	if job == "" {
		job = "ingest_job"
	}

	switch backendName {
	case "pushgateway":
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(job, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=pushgateway url=%v job=%v", gwURL, job)
		metrics.SetBackend(b)

	case "datadog":
		if statsdAddr == "" {
			statsdAddr = os.Getenv("STATSD_ADDR")
		}
		if statsdAddr == "" {
			statsdAddr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: statsdAddr, Namespace: "spdatalab."})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=datadog addr=%v", statsdAddr)
		metrics.SetBackend(b)

	case "", "none":
		if verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
