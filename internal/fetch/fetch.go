// Package fetch defines the collaborator contracts the ingestion pipeline
// pulls record data from, plus an HTTP implementation with retry/backoff.
//
// Both collaborators follow the same partial-result contract: a fetch may
// omit ids it cannot resolve and must not fail on partial misses. A returned
// error means the whole call failed (connectivity, bad response), not that
// some ids were absent.
package fetch

import "context"

// MetadataRow is the descriptive half of a record: identifiers and capture
// attributes, no geometry.
type MetadataRow struct {
	ItemID      string `json:"item_id"`
	EventID     string `json:"event_id"`
	CityID      string `json:"city_id"`
	CollectedAt int64  `json:"collected_at"`
}

// GeometryRow is the spatial half of a record. Geometry travels as WKT; the
// storage backend decides how to encode it at rest.
type GeometryRow struct {
	ItemID string `json:"item_id"`
	WKT    string `json:"wkt"`
}

// MetadataFetcher resolves metadata for a batch of item ids. Missing ids are
// simply absent from the result map.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, ids []string) (map[string]MetadataRow, error)
}

// GeometryFetcher resolves geometry for a batch of item ids, with the same
// partial-result semantics as MetadataFetcher.
type GeometryFetcher interface {
	FetchGeometry(ctx context.Context, ids []string) (map[string]GeometryRow, error)
}

// MetadataFunc adapts a function to MetadataFetcher.
type MetadataFunc func(ctx context.Context, ids []string) (map[string]MetadataRow, error)

// FetchMetadata implements MetadataFetcher.
func (f MetadataFunc) FetchMetadata(ctx context.Context, ids []string) (map[string]MetadataRow, error) {
	return f(ctx, ids)
}

// GeometryFunc adapts a function to GeometryFetcher.
type GeometryFunc func(ctx context.Context, ids []string) (map[string]GeometryRow, error)

// FetchGeometry implements GeometryFetcher.
func (f GeometryFunc) FetchGeometry(ctx context.Context, ids []string) (map[string]GeometryRow, error) {
	return f(ctx, ids)
}
