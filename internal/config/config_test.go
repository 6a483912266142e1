package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validPipeline = `{
  "job": "nightly_bbox",
  "input":      { "index_path": "data/index.txt", "hash_buckets": 8 },
  "services":   { "base_url": "http://catalog:8080", "timeout_seconds": 30, "max_retries": 3 },
  "storage":    { "kind": "sqlite", "dsn": "file:lab.db" },
  "checkpoint": { "root": "state/checkpoints", "flush_every": 500 },
  "runtime":    { "max_workers": 4, "fetch_batch_size": 2000, "write_batch_size": 1000 }
}`

func TestLoad_Valid(t *testing.T) {
	t.Parallel()

	p, err := Load(writeFile(t, "p.json", validPipeline))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Job != "nightly_bbox" {
		t.Fatalf("job = %q", p.Job)
	}
	if p.Input.HashBuckets != 8 {
		t.Fatalf("hash_buckets = %d", p.Input.HashBuckets)
	}
	if p.Storage.Kind != "sqlite" || p.Storage.DSN != "file:lab.db" {
		t.Fatalf("storage = %+v", p.Storage)
	}
	if p.Runtime.FetchBatchSize != 2000 || p.Runtime.WriteBatchSize != 1000 {
		t.Fatalf("runtime = %+v", p.Runtime)
	}
	if issues := ValidatePipeline(p); len(issues) != 0 {
		t.Fatalf("valid pipeline has issues: %v", issues)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "p.json", `{"job": "x", "no_such_field": true}`)
	if _, err := Load(path); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("want error for missing file")
	}
}

// findIssue returns the first issue at path, if any.
func findIssue(issues []Issue, path string) (Issue, bool) {
	for _, i := range issues {
		if i.Path == path {
			return i, true
		}
	}
	return Issue{}, false
}

func TestValidatePipeline_EmptyConfig(t *testing.T) {
	t.Parallel()

	issues := ValidatePipeline(Pipeline{})
	for _, path := range []string{"job", "input.index_path", "services.base_url", "storage.kind", "storage.dsn", "checkpoint.root"} {
		iss, ok := findIssue(issues, path)
		if !ok {
			t.Errorf("no issue at %s", path)
			continue
		}
		if iss.Severity != SeverityError {
			t.Errorf("issue at %s has severity %s, want error", path, iss.Severity)
		}
	}
}

func TestValidatePipeline_WriteBatchExceedsFetchBatch(t *testing.T) {
	t.Parallel()

	p := mustLoad(t)
	p.Runtime.FetchBatchSize = 100
	p.Runtime.WriteBatchSize = 200

	iss, ok := findIssue(ValidatePipeline(p), "runtime.write_batch_size")
	if !ok || iss.Severity != SeverityError {
		t.Fatalf("want error at runtime.write_batch_size, got %+v ok=%v", iss, ok)
	}
}

func TestValidatePipeline_UnknownStorageKindIsWarning(t *testing.T) {
	t.Parallel()

	p := mustLoad(t)
	p.Storage.Kind = "oracle"

	iss, ok := findIssue(ValidatePipeline(p), "storage.kind")
	if !ok || iss.Severity != SeverityWarning {
		t.Fatalf("want warning at storage.kind, got %+v ok=%v", iss, ok)
	}
}

func TestValidatePipeline_ViewNameInsidePrefixIsWarning(t *testing.T) {
	t.Parallel()

	p := mustLoad(t)
	p.Storage.TablePrefix = "clips_bbox_"
	p.Storage.ViewName = "clips_bbox_unified"

	iss, ok := findIssue(ValidatePipeline(p), "storage.view_name")
	if !ok || iss.Severity != SeverityWarning {
		t.Fatalf("want warning at storage.view_name, got %+v ok=%v", iss, ok)
	}
}

func TestValidatePipeline_NegativeValues(t *testing.T) {
	t.Parallel()

	p := mustLoad(t)
	p.Input.HashBuckets = -1
	p.Runtime.MaxWorkers = -2
	p.Checkpoint.FlushEvery = -3

	issues := ValidatePipeline(p)
	for _, path := range []string{"input.hash_buckets", "runtime.max_workers", "checkpoint.flush_every"} {
		if _, ok := findIssue(issues, path); !ok {
			t.Errorf("no issue at %s: %v", path, issues)
		}
	}
}

func TestIssue_Error(t *testing.T) {
	t.Parallel()

	iss := Issue{Severity: SeverityError, Path: "storage.dsn", Message: "must not be empty"}
	want := "error at storage.dsn: must not be empty"
	if iss.Error() != want {
		t.Fatalf("Error() = %q, want %q", iss.Error(), want)
	}
}

func mustLoad(t *testing.T) Pipeline {
	t.Helper()
	p, err := Load(writeFile(t, "p.json", validPipeline))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}
