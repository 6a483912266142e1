// Package workset loads the input identifier list and splits it into
// independently processable partitions.
//
// The index file is plain text, one item per line:
//
//	<item_id>[,<partition_key>]
//
// Blank lines and lines starting with '#' are ignored. Items without an
// explicit partition key are assigned to a numbered bucket derived from a
// stable hash of the item id, so that re-running after a crash puts every
// item back into the same partition it was in before.
package workset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Item is one unit of work: an opaque record key plus the partition it
// belongs to. Items are immutable once loaded.
type Item struct {
	ID        string
	Partition string
}

// Partition is a named subset of the input together with its items, in the
// order they appeared in the index file.
type Partition struct {
	Key   string
	Items []Item
}

// Load reads an index file from path and returns its items. Partition keys
// present in the file are sanitized; items without one are assigned a hash
// bucket out of 'buckets' (buckets <= 0 defaults to 1).
func Load(path string, buckets int) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("workset: open index: %w", err)
	}
	defer f.Close()
	return Read(f, buckets)
}

// Read parses an index from r. See Load.
func Read(r io.Reader, buckets int) ([]Item, error) {
	if buckets <= 0 {
		buckets = 1
	}

	var (
		items []Item
		seen  = map[string]struct{}{}
		sc    = bufio.NewScanner(r)
		line  int
	)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		id, part := raw, ""
		if i := strings.IndexByte(raw, ','); i >= 0 {
			id = strings.TrimSpace(raw[:i])
			part = SanitizeKey(raw[i+1:])
		}
		if id == "" {
			return nil, fmt.Errorf("workset: line %d: empty item id", line)
		}
		if part == "" {
			part = bucketKey(id, buckets)
		}

		// Duplicate ids within one partition would defeat idempotent upserts
		// downstream; keep the first occurrence.
		key := part + "\x00" + id
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, Item{ID: id, Partition: part})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("workset: read index: %w", err)
	}
	return items, nil
}

// Split groups items by partition key. The returned partitions are sorted by
// key so scheduling order is stable across runs; item order within a
// partition follows input order.
func Split(items []Item) []Partition {
	byKey := map[string][]Item{}
	for _, it := range items {
		byKey[it.Partition] = append(byKey[it.Partition], it)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Partition, 0, len(keys))
	for _, k := range keys {
		out = append(out, Partition{Key: k, Items: byKey[k]})
	}
	return out
}

// IDs returns the item ids of a partition in order.
func (p Partition) IDs() []string {
	ids := make([]string, len(p.Items))
	for i, it := range p.Items {
		ids[i] = it.ID
	}
	return ids
}

// bucketKey maps an item id to a stable numbered partition. xxh3 is seedless
// here on purpose: the assignment must not change between runs.
func bucketKey(id string, buckets int) string {
	h := xxh3.HashString(id)
	return fmt.Sprintf("bucket_%03d", int(h%uint64(buckets)))
}

// SanitizeKey folds a raw partition key (often a dataset name, possibly with
// accents or punctuation) into a lowercase [a-z0-9_] identifier safe to embed
// in a table name.
func SanitizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	// Decompose, strip nonspacing marks, recompose.
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		default:
			// drop anything else
		}
	}
	return strings.Trim(b.String(), "_")
}
