package storage

import "strings"

// Partition tables all share one name prefix and one fixed column shape.
// The prefix doubles as the allow-list predicate for the unified view: only
// tables that match it (and conform to the shape) are unioned. The predicate
// is evaluated fresh against the live catalog on every rebuild; nothing is
// cached between rebuilds.
const (
	// DefaultTablePrefix is prepended to the partition key to form the
	// physical table name.
	DefaultTablePrefix = "clips_bbox_"

	// DefaultViewName is the unified view composed over all partitions.
	DefaultViewName = "clips_bbox_unified"
)

// PartitionColumns is the fixed column order for partition-table writes.
// item_id is the upsert key; subdataset is the provenance column; geom
// travels as WKT and each backend decides its at-rest encoding.
var PartitionColumns = []string{
	"item_id",
	"subdataset",
	"event_id",
	"city_id",
	"collected_at",
	"geom",
}

// excludedSuffixes mark tables that match the prefix but must never be
// unioned: leftovers from migrations and manual experiments.
var excludedSuffixes = []string{"_legacy", "_tmp", "_bak"}

// PartitionTableName forms the physical table name for a partition key.
func PartitionTableName(prefix, partitionKey string) string {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return prefix + partitionKey
}

// IsPartitionTable reports whether name belongs to the partition-table
// family for the given prefix. The view's own name and excluded suffixes
// are rejected here so a prior same-named view can never be unioned into
// itself.
func IsPartitionTable(name, prefix, viewName string) bool {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if !strings.HasPrefix(name, prefix) || name == viewName {
		return false
	}
	if len(name) == len(prefix) {
		return false
	}
	for _, suf := range excludedSuffixes {
		if strings.HasSuffix(name, suf) {
			return false
		}
	}
	return true
}

// ConformsToPartitionShape reports whether a table's columns contain every
// column of the partition contract. Extra columns are tolerated; missing
// ones disqualify the table from the unified view.
func ConformsToPartitionShape(columns []string) bool {
	have := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		have[strings.ToLower(c)] = struct{}{}
	}
	for _, want := range PartitionColumns {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}
