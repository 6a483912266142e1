// Package storage contains backend-agnostic contracts for the spatial sink:
// the Repository interface, the partition-table naming contract, and a
// factory registry that concrete backends (postgres, sqlite) hook into at
// init time.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config holds the backend-independent connection settings. Backends read
// what applies to them and ignore the rest.
type Config struct {
	// Kind selects the backend implementation, e.g. "postgres" or "sqlite".
	Kind string

	// DSN is the backend connection string.
	DSN string

	// Schema is the namespace partition tables live in. Postgres uses it
	// ("public" when empty); SQLite ignores it.
	Schema string
}

// Repository is the storage sink the pipeline writes merged rows into and
// the view builder composes over. All write operations are idempotent
// upserts keyed by item_id: re-applying the same row must neither error nor
// duplicate.
type Repository interface {
	// EnsurePartitionTable creates the partition table (and its indexes) if
	// it does not exist yet.
	EnsurePartitionTable(ctx context.Context, table string) error

	// BulkUpsert writes a whole batch in one round-trip. rows are aligned
	// to columns order. It returns the number of rows written.
	BulkUpsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// UpsertRow writes a single row; the fallback path when a bulk write
	// fails and rows must be isolated individually.
	UpsertRow(ctx context.Context, table string, columns []string, row []any) error

	// ListTables enumerates the base tables in the configured namespace.
	ListTables(ctx context.Context) ([]string, error)

	// TableColumns returns a table's column names in definition order.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// RecreateView atomically replaces the named view with one defined by
	// query. Readers see either the old view or the new one, never neither.
	RecreateView(ctx context.Context, name, query string) error

	// Exec runs a raw statement. Used by DDL helpers and tests.
	Exec(ctx context.Context, sql string) error

	// Close releases the underlying connections.
	Close()
}

// Factory constructs a Repository for a storage kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for a storage kind. It is
// typically called from backend packages' init() functions; importing
// internal/storage/all registers every built-in backend.
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// New opens a Repository of the configured kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return fn(ctx, cfg)
}

// ListKinds returns a snapshot of the registered storage kinds, sorted.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
