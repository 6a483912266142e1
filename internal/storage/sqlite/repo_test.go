package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/magis-techno/spdatalab-sub000/internal/storage"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	repo, err := NewRepository(context.Background(), storage.Config{Kind: Kind, DSN: dsn})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func sampleRow(id string) []any {
	return []any{id, "part_a", "ev_" + id, "city_a", int64(1700000000), "POLYGON((0 0,1 0,1 1,0 1,0 0))"}
}

func countRows(t *testing.T, repo *Repository, table string) int {
	t.Helper()
	var n int
	row := repo.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM "+quoteIdent(table))
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestNewRepository_EmptyDSN(t *testing.T) {
	t.Parallel()
	if _, err := NewRepository(context.Background(), storage.Config{Kind: Kind}); err == nil {
		t.Fatal("want error for empty DSN")
	}
}

func TestEnsurePartitionTable_Idempotent(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := repo.EnsurePartitionTable(ctx, "clips_bbox_part_a"); err != nil {
			t.Fatalf("EnsurePartitionTable (call %d): %v", i+1, err)
		}
	}

	cols, err := repo.TableColumns(ctx, "clips_bbox_part_a")
	if err != nil {
		t.Fatalf("TableColumns: %v", err)
	}
	if !storage.ConformsToPartitionShape(cols) {
		t.Fatalf("created table does not conform: %v", cols)
	}
}

func TestBulkUpsert_InsertThenIdempotentReplay(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	table := "clips_bbox_part_a"

	if err := repo.EnsurePartitionTable(ctx, table); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rows := [][]any{sampleRow("item_001"), sampleRow("item_002"), sampleRow("item_003")}
	n, err := repo.BulkUpsert(ctx, table, storage.PartitionColumns, rows)
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if n != 3 {
		t.Fatalf("written = %d, want 3", n)
	}

	// Replaying the same batch must neither error nor duplicate.
	if _, err := repo.BulkUpsert(ctx, table, storage.PartitionColumns, rows); err != nil {
		t.Fatalf("replay BulkUpsert: %v", err)
	}
	if got := countRows(t, repo, table); got != 3 {
		t.Fatalf("rows after replay = %d, want 3", got)
	}
}

func TestBulkUpsert_UpdatesExistingRow(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	table := "clips_bbox_part_a"

	if err := repo.EnsurePartitionTable(ctx, table); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := repo.UpsertRow(ctx, table, storage.PartitionColumns, sampleRow("item_001")); err != nil {
		t.Fatalf("UpsertRow: %v", err)
	}

	updated := sampleRow("item_001")
	updated[3] = "city_b"
	if err := repo.UpsertRow(ctx, table, storage.PartitionColumns, updated); err != nil {
		t.Fatalf("UpsertRow update: %v", err)
	}

	var city string
	row := repo.db.QueryRowContext(ctx, "SELECT city_id FROM "+quoteIdent(table)+" WHERE item_id = ?", "item_001")
	if err := row.Scan(&city); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if city != "city_b" {
		t.Fatalf("city_id = %q, want city_b", city)
	}
	if got := countRows(t, repo, table); got != 1 {
		t.Fatalf("rows = %d, want 1", got)
	}
}

// TestBulkUpsert_AllOrNothing verifies a bad row rolls back the entire
// batch, which is what lets the caller isolate it row by row.
func TestBulkUpsert_AllOrNothing(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	table := "clips_bbox_part_a"

	if err := repo.EnsurePartitionTable(ctx, table); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rows := [][]any{
		sampleRow("item_001"),
		{"item_002", nil, "ev", "c", int64(0), "wkt"}, // subdataset is NOT NULL
		sampleRow("item_003"),
	}
	if _, err := repo.BulkUpsert(ctx, table, storage.PartitionColumns, rows); err == nil {
		t.Fatal("want error from NOT NULL violation")
	}
	if got := countRows(t, repo, table); got != 0 {
		t.Fatalf("rows after failed bulk = %d, want 0 (rolled back)", got)
	}
}

func TestBulkUpsert_RowShapeMismatch(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	table := "clips_bbox_part_a"

	if err := repo.EnsurePartitionTable(ctx, table); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := repo.BulkUpsert(ctx, table, storage.PartitionColumns, [][]any{{"only_id"}}); err == nil {
		t.Fatal("want error for short row")
	}
}

func TestListTables(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()

	for _, table := range []string{"clips_bbox_part_a", "clips_bbox_part_b"} {
		if err := repo.EnsurePartitionTable(ctx, table); err != nil {
			t.Fatalf("ensure %s: %v", table, err)
		}
	}

	names, err := repo.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	want := []string{"clips_bbox_part_a", "clips_bbox_part_b"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Fatalf("ListTables = %v, want %v", names, want)
	}
}

func TestRecreateView(t *testing.T) {
	t.Parallel()
	repo := openRepo(t)
	ctx := context.Background()
	table := "clips_bbox_part_a"

	if err := repo.EnsurePartitionTable(ctx, table); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := repo.UpsertRow(ctx, table, storage.PartitionColumns, sampleRow("item_001")); err != nil {
		t.Fatalf("UpsertRow: %v", err)
	}

	query := `SELECT item_id, subdataset FROM "clips_bbox_part_a"`
	if err := repo.RecreateView(ctx, "clips_bbox_unified", query); err != nil {
		t.Fatalf("RecreateView: %v", err)
	}
	// Recreating over an existing view must succeed too.
	if err := repo.RecreateView(ctx, "clips_bbox_unified", query); err != nil {
		t.Fatalf("RecreateView (second): %v", err)
	}

	var n int
	row := repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "clips_bbox_unified"`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("query view: %v", err)
	}
	if n != 1 {
		t.Fatalf("view rows = %d, want 1", n)
	}
}

// TestFactoryRegistration verifies the init() hook wires this backend into
// the storage registry.
func TestFactoryRegistration(t *testing.T) {
	t.Parallel()
	for _, k := range storage.ListKinds() {
		if k == Kind {
			return
		}
	}
	t.Fatalf("kind %q not registered; kinds = %v", Kind, storage.ListKinds())
}
