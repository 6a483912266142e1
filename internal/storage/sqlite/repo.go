// Package sqlite implements storage.Repository on SQLite via database/sql.
// It exists for local runs and tests; geometry is stored as WKT text since
// plain SQLite has no geometry type. Batched writes run as prepared upserts
// inside one transaction, SQLite's closest equivalent to a bulk load.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/magis-techno/spdatalab-sub000/internal/storage"
)

// Kind is the storage kind this backend registers under.
const Kind = "sqlite"

func init() {
	storage.Register(Kind, func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is a SQLite-backed implementation of storage.Repository.
type Repository struct {
	db *sql.DB
}

// NewRepository opens a SQLite database from the DSN, e.g. "file:lab.db" or
// a plain path. It pings with a short timeout to fail fast on bad DSNs.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database handle.
func (r *Repository) Close() { _ = r.db.Close() }

// EnsurePartitionTable creates the partition table if it does not exist.
func (r *Repository) EnsurePartitionTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	item_id      TEXT PRIMARY KEY,
	subdataset   TEXT NOT NULL,
	event_id     TEXT,
	city_id      TEXT,
	collected_at INTEGER,
	geom         TEXT
)`, quoteIdent(table))
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", table, err)
	}
	return nil
}

// BulkUpsert writes the whole batch as prepared upserts in one transaction.
// Either the whole batch commits or none of it does, matching the bulk
// contract: the caller falls back to row-by-row writes on error.
func (r *Repository) BulkUpsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: no columns given")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL(table, columns))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	var n int64
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("sqlite: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("sqlite: upsert row %d: %w", i, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return n, nil
}

// UpsertRow writes a single row outside any transaction.
func (r *Repository) UpsertRow(ctx context.Context, table string, columns []string, row []any) error {
	if len(columns) == 0 || len(row) != len(columns) {
		return fmt.Errorf("sqlite: row/columns mismatch: %d vs %d", len(row), len(columns))
	}
	if _, err := r.db.ExecContext(ctx, upsertSQL(table, columns), row...); err != nil {
		return fmt.Errorf("sqlite: upsert row: %w", err)
	}
	return nil
}

// ListTables enumerates user tables from sqlite_master.
func (r *Repository) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlite: scan table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// TableColumns returns a table's column names via PRAGMA table_info.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: scan table_info: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// RecreateView drops and recreates the view inside one transaction.
func (r *Repository) RecreateView(ctx context.Context, name, query string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP VIEW IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("sqlite: drop view %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE VIEW %s AS %s", quoteIdent(name), query)); err != nil {
		return fmt.Errorf("sqlite: create view %s: %w", name, err)
	}
	return tx.Commit()
}

// Exec implements storage.Repository.Exec.
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	_, err := r.db.ExecContext(ctx, sqlText)
	return err
}

// upsertSQL builds INSERT ... ON CONFLICT(item_id) DO UPDATE for the given
// column order.
func upsertSQL(table string, columns []string) string {
	placeholders := make([]string, len(columns))
	quoted := make([]string, len(columns))
	var updates []string
	for i, c := range columns {
		placeholders[i] = "?"
		quoted[i] = quoteIdent(c)
		if c != "item_id" {
			updates = append(updates, quoteIdent(c)+" = excluded."+quoteIdent(c))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(item_id) DO UPDATE SET %s",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// quoteIdent quotes an identifier for SQLite.
func quoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }
