// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a decoded Pipeline and returns a list of
// issues (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block
	// execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced to users
	// but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted path into
// the config (e.g. "runtime.write_batch_size"); Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error in contexts that expect one.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// knownStorageKinds mirrors the backends registered by internal/storage/all.
// Unknown kinds are warnings for forward compatibility; the factory will
// reject them at open time if they really are unsupported.
var knownStorageKinds = map[string]bool{"postgres": true, "sqlite": true}

// ValidatePipeline performs static validation of a Pipeline. It does not
// mutate the pipeline; it returns a slice of Issue values and lets callers
// decide whether warnings are fatal.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it is used for metrics grouping and identifying runs",
		})
	}

	if strings.TrimSpace(p.Input.IndexPath) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.index_path",
			Message:  "input.index_path must not be empty",
		})
	}
	if p.Input.HashBuckets < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.hash_buckets",
			Message:  "input.hash_buckets must not be negative",
		})
	}

	issues = append(issues, validateServices(p.Services)...)
	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateCheckpoint(p.Checkpoint)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	return issues
}

func validateServices(s Services) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.BaseURL) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "services.base_url",
			Message:  "services.base_url must not be empty",
		})
	} else if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "services.base_url",
			Message:  "services.base_url does not look like an http(s) URL",
		})
	}
	if s.TimeoutSeconds < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "services.timeout_seconds",
			Message:  "services.timeout_seconds must not be negative",
		})
	}
	if s.MaxRetries < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "services.max_retries",
			Message:  "services.max_retries must not be negative",
		})
	}
	return issues
}

func validateStorage(s Storage) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
	} else if !knownStorageKinds[s.Kind] {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage.kind %q; known kinds: postgres, sqlite", s.Kind),
		})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.dsn",
			Message:  "storage.dsn must not be empty",
		})
	}
	if s.ViewName != "" && s.TablePrefix != "" && strings.HasPrefix(s.ViewName, s.TablePrefix) {
		// Allowed (the builder excludes the view by name), but worth a nudge
		// since a view named like a partition table confuses reconciliation
		// tooling.
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.view_name",
			Message:  "view_name matches the partition table prefix; the view will be excluded from itself but tooling may misread it",
		})
	}
	return issues
}

func validateCheckpoint(c Checkpoint) []Issue {
	var issues []Issue
	if strings.TrimSpace(c.Root) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "checkpoint.root",
			Message:  "checkpoint.root must not be empty",
		})
	}
	if c.FlushEvery < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "checkpoint.flush_every",
			Message:  "checkpoint.flush_every must not be negative",
		})
	}
	return issues
}

func validateRuntime(r Runtime) []Issue {
	var issues []Issue
	if r.MaxWorkers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.max_workers",
			Message:  "runtime.max_workers must not be negative",
		})
	}
	if r.FetchBatchSize < 0 || r.WriteBatchSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime",
			Message:  "batch sizes must not be negative",
		})
	}
	if r.FetchBatchSize > 0 && r.WriteBatchSize > r.FetchBatchSize {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.write_batch_size",
			Message: fmt.Sprintf("write_batch_size (%d) must not exceed fetch_batch_size (%d)",
				r.WriteBatchSize, r.FetchBatchSize),
		})
	}
	if r.OutageThreshold < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.outage_threshold",
			Message:  "runtime.outage_threshold must not be negative",
		})
	}
	return issues
}
