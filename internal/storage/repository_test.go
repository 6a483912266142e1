package storage

import (
	"context"
	"errors"
	"testing"
)

// stubSink satisfies Repository with no-ops; registry tests only care about
// which factory produced it.
type stubSink struct {
	label string
}

func (s *stubSink) EnsurePartitionTable(ctx context.Context, table string) error { return nil }

func (s *stubSink) BulkUpsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return int64(len(rows)), nil
}

func (s *stubSink) UpsertRow(ctx context.Context, table string, columns []string, row []any) error {
	return nil
}

func (s *stubSink) ListTables(ctx context.Context) ([]string, error) { return nil, nil }

func (s *stubSink) TableColumns(ctx context.Context, table string) ([]string, error) {
	return nil, nil
}

func (s *stubSink) RecreateView(ctx context.Context, name, query string) error { return nil }

func (s *stubSink) Exec(ctx context.Context, sql string) error { return nil }

func (s *stubSink) Close() {}

func sinkFactory(label string) Factory {
	return func(ctx context.Context, cfg Config) (Repository, error) {
		return &stubSink{label: label}, nil
	}
}

func TestNew_DispatchesOnKind(t *testing.T) {
	t.Parallel()

	Register("memgrid", sinkFactory("memgrid"))

	repo, err := New(context.Background(), Config{Kind: "memgrid", DSN: "mem://"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink, ok := repo.(*stubSink)
	if !ok || sink.label != "memgrid" {
		t.Fatalf("New returned %T (%+v), want the memgrid stub", repo, repo)
	}

	var listed bool
	for _, k := range ListKinds() {
		if k == "memgrid" {
			listed = true
		}
	}
	if !listed {
		t.Fatalf("memgrid missing from ListKinds: %v", ListKinds())
	}
}

func TestNew_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Kind: "geopackage"})
	if err == nil {
		t.Fatal("want error for an unregistered kind")
	}
	if got, want := err.Error(), "unsupported storage.kind=geopackage"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

// TestRegister_LastFactoryWins re-registers a kind, which tests rely on to
// swap a real backend for a stub.
func TestRegister_LastFactoryWins(t *testing.T) {
	t.Parallel()

	Register("swappable", sinkFactory("first"))
	Register("swappable", sinkFactory("second"))

	repo, err := New(context.Background(), Config{Kind: "swappable"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sink := repo.(*stubSink); sink.label != "second" {
		t.Fatalf("label = %q, want the replacement factory's sink", sink.label)
	}
}

func TestListKinds_ReturnsCopy(t *testing.T) {
	t.Parallel()

	Register("copycheck", sinkFactory("copycheck"))

	kinds := ListKinds()
	if len(kinds) == 0 {
		t.Fatal("ListKinds empty after registration")
	}
	kinds[0] = "scribbled"

	for _, k := range ListKinds() {
		if k == "scribbled" {
			t.Fatal("mutating the returned slice leaked into the registry")
		}
	}
}

func TestNew_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("dial tcp: connection refused")
	Register("unreachable", func(ctx context.Context, cfg Config) (Repository, error) {
		return nil, dialErr
	})

	if _, err := New(context.Background(), Config{Kind: "unreachable"}); !errors.Is(err, dialErr) {
		t.Fatalf("error = %v, want the factory's %v", err, dialErr)
	}
}
