// Package config defines the canonical, JSON-serializable configuration
// model for the ingestion pipeline. It is intentionally small, explicit,
// and dependency-free so that pipeline files can be loaded from disk and
// passed through the program without additional glue code.
//
// Example (trimmed):
//
//	{
//	  "job": "nightly_bbox",
//	  "input":      { "index_path": "data/index.txt", "hash_buckets": 8 },
//	  "services":   { "base_url": "http://catalog:8080", "max_retries": 3 },
//	  "storage":    { "kind": "postgres", "dsn": "postgresql://...", "schema": "public" },
//	  "checkpoint": { "root": "state/checkpoints", "flush_every": 500 },
//	  "runtime":    { "max_workers": 4, "fetch_batch_size": 2000, "write_batch_size": 1000 }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Pipeline is the top-level object decoded from a pipeline file.
type Pipeline struct {
	// Job names the pipeline run for logs and metrics grouping.
	Job string `json:"job"`

	Input      Input      `json:"input"`
	Services   Services   `json:"services"`
	Storage    Storage    `json:"storage"`
	Checkpoint Checkpoint `json:"checkpoint"`
	Runtime    Runtime    `json:"runtime"`
}

// Input describes where the item index comes from.
type Input struct {
	// IndexPath is the local path of the item index file, one
	// "item_id[,partition]" per line.
	IndexPath string `json:"index_path"`

	// HashBuckets is the number of numbered partitions items without an
	// explicit partition key are spread over. 0 means a single bucket.
	HashBuckets int `json:"hash_buckets"`
}

// Services configures the metadata/geometry collaborator client.
type Services struct {
	// BaseURL is the service root for the batch endpoints.
	BaseURL string `json:"base_url"`

	// TimeoutSeconds is the per-request timeout. 0 takes the client default.
	TimeoutSeconds int `json:"timeout_seconds"`

	// MaxRetries is the retry budget after the initial attempt.
	MaxRetries int `json:"max_retries"`
}

// Storage configures the spatial sink.
type Storage struct {
	// Kind selects the backend: "postgres" or "sqlite".
	Kind string `json:"kind"`

	// DSN is the backend connection string.
	DSN string `json:"dsn"`

	// Schema is the namespace for partition tables (Postgres only).
	Schema string `json:"schema"`

	// TablePrefix overrides the partition-table naming prefix.
	TablePrefix string `json:"table_prefix"`

	// ViewName overrides the unified view name.
	ViewName string `json:"view_name"`
}

// Checkpoint configures the durable progress store.
type Checkpoint struct {
	// Root is the directory holding one subdirectory per partition.
	Root string `json:"root"`

	// FlushEvery is the buffered-record flush threshold. 0 takes the
	// store default.
	FlushEvery int `json:"flush_every"`
}

// Runtime controls concurrency and batching.
type Runtime struct {
	// MaxWorkers bounds concurrent partition workers. 0 means available
	// parallelism.
	MaxWorkers int `json:"max_workers"`

	// FetchBatchSize is how many ids go to the collaborators per call.
	FetchBatchSize int `json:"fetch_batch_size"`

	// WriteBatchSize is how many merged rows go into one bulk write. Must
	// not exceed FetchBatchSize.
	WriteBatchSize int `json:"write_batch_size"`

	// OutageThreshold is how many consecutive failed fetch calls count as
	// a collaborator outage. 0 takes the orchestrator default.
	OutageThreshold int `json:"outage_threshold"`
}

// Load decodes a Pipeline from a JSON file.
func Load(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var p Pipeline
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return p, nil
}
