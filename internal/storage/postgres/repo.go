// Package postgres implements the storage.Repository contract on top of
// pgx v5 and PostGIS. Bulk writes COPY into a temporary staging table and
// upsert from there into the target, so one round-trip moves a whole
// write-batch; the single-row fallback is a plain INSERT ... ON CONFLICT.
//
// Geometry arrives from the pipeline as WKT text. The staging table keeps
// it as text and the upsert converts it with ST_GeomFromText, since COPY
// cannot apply expressions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/magis-techno/spdatalab-sub000/internal/storage"
)

// Kind is the storage kind this backend registers under.
const Kind = "postgres"

func init() {
	storage.Register(Kind, func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, cfg)
	})
}

// Repository is a Postgres/PostGIS-backed implementation of
// storage.Repository.
type Repository struct {
	pool   *pgxpool.Pool
	schema string
}

// NewRepository opens a pgx pool for the configured DSN.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool: %w", err)
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &Repository{pool: pool, schema: schema}, nil
}

// Close releases the pool.
func (r *Repository) Close() { r.pool.Close() }

// EnsurePartitionTable creates the partition table and its spatial index if
// they do not exist. item_id is the primary key so upserts have a conflict
// target.
func (r *Repository) EnsurePartitionTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	item_id      text PRIMARY KEY,
	subdataset   text NOT NULL,
	event_id     text,
	city_id      text,
	collected_at bigint,
	geom         geometry(POLYGON, 4326)
)`, r.fqn(table))
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", table, err)
	}

	idx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)",
		pgIdent("idx_"+table+"_geom"), r.fqn(table),
	)
	if _, err := r.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("postgres: create index on %s: %w", table, err)
	}
	return nil
}

// BulkUpsert COPYs rows into a temp staging table, then upserts them into
// the target keyed on item_id. Re-applying the same rows overwrites them in
// place and never duplicates.
func (r *Repository) BulkUpsert(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("postgres: no columns given")
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: acquire: %w", err)
	}
	defer conn.Release()

	// Temp tables are connection-scoped, so concurrent workers never
	// collide even when they stage for the same-named target.
	tmp := "staging_" + table
	create := fmt.Sprintf(
		"CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		pgIdent(tmp), stagingColumns(columns),
	)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("postgres: create staging: %w", err)
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return 0, fmt.Errorf("postgres: copy into staging: %s (%s)", pgErr.Detail, pgErr.SQLState())
		}
		return 0, fmt.Errorf("postgres: copy into staging: %w", err)
	}

	if _, err := tx.Exec(ctx, upsertFromStaging(r.fqn(table), tmp, columns)); err != nil {
		return 0, fmt.Errorf("postgres: upsert from staging: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return n, nil
}

// UpsertRow writes a single row with INSERT ... ON CONFLICT DO UPDATE.
func (r *Repository) UpsertRow(ctx context.Context, table string, columns []string, row []any) error {
	if len(columns) == 0 || len(row) != len(columns) {
		return fmt.Errorf("postgres: row/columns mismatch: %d vs %d", len(row), len(columns))
	}

	vals := make([]string, len(columns))
	for i, c := range columns {
		if c == "geom" {
			vals[i] = fmt.Sprintf("ST_GeomFromText(NULLIF($%d::text, ''), 4326)", i+1)
		} else {
			vals[i] = fmt.Sprintf("$%d", i+1)
		}
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (item_id) DO UPDATE SET %s",
		r.fqn(table),
		strings.Join(mapIdent(columns), ","),
		strings.Join(vals, ","),
		strings.Join(updateColumns(columns), ","),
	)
	if _, err := r.pool.Exec(ctx, sql, row...); err != nil {
		return fmt.Errorf("postgres: upsert row: %w", err)
	}
	return nil
}

// ListTables enumerates the base tables of the configured schema.
func (r *Repository) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, r.schema)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("postgres: scan table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// TableColumns returns the column names of a table in ordinal order.
func (r *Repository) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`, r.schema, table)
	if err != nil {
		return nil, fmt.Errorf("postgres: table columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("postgres: scan column name: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// RecreateView drops and recreates the view inside one transaction, which
// is atomic to readers on Postgres.
func (r *Repository) RecreateView(ctx context.Context, name, query string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DROP VIEW IF EXISTS "+r.fqn(name)); err != nil {
		return fmt.Errorf("postgres: drop view %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE VIEW %s AS %s", r.fqn(name), query)); err != nil {
		return fmt.Errorf("postgres: create view %s: %w", name, err)
	}
	return tx.Commit(ctx)
}

// Exec implements storage.Repository.Exec.
func (r *Repository) Exec(ctx context.Context, sql string) error {
	_, err := r.pool.Exec(ctx, sql)
	return err
}

func (r *Repository) fqn(table string) string {
	return pgIdent(r.schema) + "." + pgIdent(table)
}

// stagingColumns builds the staging DDL column list: everything text-ish
// except collected_at, with geom held as raw WKT text.
func stagingColumns(cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		typ := "text"
		if c == "collected_at" {
			typ = "bigint"
		}
		defs[i] = pgIdent(c) + " " + typ
	}
	return strings.Join(defs, ", ")
}

// upsertFromStaging builds the INSERT ... SELECT ... ON CONFLICT statement
// that moves staged rows into the target, converting WKT to geometry.
func upsertFromStaging(target, tmp string, cols []string) string {
	selects := make([]string, len(cols))
	for i, c := range cols {
		if c == "geom" {
			selects[i] = "ST_GeomFromText(NULLIF(" + pgIdent(c) + ", ''), 4326)"
		} else {
			selects[i] = pgIdent(c)
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (item_id) DO UPDATE SET %s",
		target,
		strings.Join(mapIdent(cols), ","),
		strings.Join(selects, ","),
		pgIdent(tmp),
		strings.Join(updateColumns(cols), ","),
	)
}

// updateColumns generates "col = EXCLUDED.col" assignments for every
// non-key column.
func updateColumns(cols []string) []string {
	var updates []string
	for _, c := range cols {
		if c == "item_id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	return updates
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// mapIdent maps a list of column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
