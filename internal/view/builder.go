// Package view composes the single queryable relation over all partition
// tables.
//
// The unified view is never patched incrementally: every rebuild enumerates
// the live catalog, filters it through the partition-table allow-list, and
// drops and recreates the view from scratch. Local item ids repeat across
// partitions, so the view synthesizes a globally unique id from the
// provenance key and the local id, which is deterministic across rebuilds.
package view

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/magis-techno/spdatalab-sub000/internal/storage"
)

// Builder rebuilds the unified view. It must run single-threaded, after all
// partition workers have exited; concurrent rebuilds of the same view are
// the caller's responsibility to serialize.
type Builder struct {
	Repo storage.Repository

	// TablePrefix is the partition-table naming contract. Empty means
	// storage.DefaultTablePrefix.
	TablePrefix string
}

// Rebuild drops and recreates viewName as a UNION ALL over every eligible
// partition table, returning the names that were unioned. Excluded: the
// view's own name (a stale same-named table must never union into the new
// view), tables whose columns do not conform to the partition shape, and
// legacy/temporary suffixes. With zero eligible tables Rebuild fails loudly
// instead of creating an empty view.
func (b *Builder) Rebuild(ctx context.Context, viewName string) ([]string, error) {
	if viewName == "" {
		viewName = storage.DefaultViewName
	}

	tables, err := b.Repo.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("view: enumerate tables: %w", err)
	}

	var sources []string
	for _, t := range tables {
		if !storage.IsPartitionTable(t, b.TablePrefix, viewName) {
			continue
		}
		cols, err := b.Repo.TableColumns(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("view: columns of %s: %w", t, err)
		}
		if !storage.ConformsToPartitionShape(cols) {
			log.Printf("view: skipping %s: does not conform to partition shape", t)
			continue
		}
		sources = append(sources, t)
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("view: no eligible partition tables found for prefix %q; refusing to create an empty view",
			prefixOrDefault(b.TablePrefix))
	}

	if err := b.Repo.RecreateView(ctx, viewName, unionQuery(sources)); err != nil {
		return nil, fmt.Errorf("view: rebuild %s: %w", viewName, err)
	}

	log.Printf("view: rebuilt %s from %d partition tables", viewName, len(sources))
	return sources, nil
}

// unionQuery builds the SELECT ... UNION ALL body. Double-quoted
// identifiers and the || concat operator are valid on both supported
// backends.
func unionQuery(sources []string) string {
	selects := make([]string, len(sources))
	for i, t := range sources {
		selects[i] = fmt.Sprintf(
			`SELECT subdataset || ':' || item_id AS unified_id, item_id, subdataset, event_id, city_id, collected_at, geom, %s AS source_table FROM %s`,
			sqlString(t), quoteIdent(t),
		)
	}
	return strings.Join(selects, "\nUNION ALL\n")
}

func prefixOrDefault(p string) string {
	if p == "" {
		return storage.DefaultTablePrefix
	}
	return p
}

func quoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func sqlString(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
