// Package rollback captures typed snapshots of live state behind named
// rollback points, diffs them against the present, and restores them
// through pluggable strategies with conflict resolution. Snapshots are
// canonically serialized and checksummed so corruption is detected on
// read, and every operation runs through a persisted state machine with
// progress reporting and cancellation.
package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Map is a map payload that survives snapshot canonicalization as a tagged
// document and is restored as a Map, not a plain object. Plain
// map[string]any values stay plain objects.
type Map map[string]any

// Set is a collection payload canonicalized as a tagged document so it is
// restored as a Set rather than a plain array. Element order is preserved.
type Set []any

// Tagged forms the canonical codec emits. The data key carries the ISO
// string for dates, sorted [key, value] pairs for maps, and the element
// list for sets.
const (
	tagKey  = "__type"
	tagData = "data"

	tagMap  = "Map"
	tagSet  = "Set"
	tagDate = "Date"
)

// canonicalize converts a value into its JSON-safe canonical form: Map and
// Set become tagged documents with deterministic ordering, time.Time
// becomes a tagged ISO string, and plain containers are walked. The result
// marshals to the same bytes every time, which is what makes checksums
// stable across store round-trips.
func canonicalize(v any) any {
	switch val := v.(type) {
	case Map:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]any, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, []any{k, canonicalize(val[k])})
		}
		return map[string]any{tagKey: tagMap, tagData: entries}
	case Set:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = canonicalize(item)
		}
		return map[string]any{tagKey: tagSet, tagData: items}
	case time.Time:
		return map[string]any{tagKey: tagDate, tagData: val.UTC().Format(time.RFC3339Nano)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = canonicalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return v
	}
}

// decanonicalize reverses canonicalize: tagged documents become Map, Set,
// or time.Time again and plain containers are walked. Unparseable dates
// fall back to the raw ISO string rather than failing the whole restore.
func decanonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val[tagKey].(string); ok && len(val) == 2 {
			switch tag {
			case tagMap:
				entries, _ := val[tagData].([]any)
				m := make(Map, len(entries))
				for _, e := range entries {
					pair, ok := e.([]any)
					if !ok || len(pair) != 2 {
						continue
					}
					k, ok := pair[0].(string)
					if !ok {
						continue
					}
					m[k] = decanonicalize(pair[1])
				}
				return m
			case tagSet:
				items, _ := val[tagData].([]any)
				s := make(Set, len(items))
				for i, item := range items {
					s[i] = decanonicalize(item)
				}
				return s
			case tagDate:
				iso, _ := val[tagData].(string)
				if t, err := time.Parse(time.RFC3339Nano, iso); err == nil {
					return t
				}
				return iso
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = decanonicalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decanonicalize(item)
		}
		return out
	default:
		return v
	}
}

// canonicalJSON serializes a value's canonical form. encoding/json writes
// map keys sorted, so equal values always produce equal bytes.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(canonicalize(v))
}

// checksumOf is the hex SHA-256 digest of a canonical serialization
func checksumOf(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// deepClone copies a payload so callers and the store never alias each
// other's containers. Primitives and time values copy by value.
func deepClone(v any) any {
	switch val := v.(type) {
	case Map:
		out := make(Map, len(val))
		for k, item := range val {
			out[k] = deepClone(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepClone(item)
		}
		return out
	case Set:
		out := make(Set, len(val))
		for i, item := range val {
			out[i] = deepClone(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepClone(item)
		}
		return out
	default:
		return v
	}
}
