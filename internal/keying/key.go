// Package keying derives the deterministic cache key used to address the
// result cache and to coalesce concurrent requests for the same (agent,
// settings) pair.
package keying

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Rewrite is the final mangler applied to every derived key. Identity by
// default.
type Rewrite func(key string) string

// Identity is the default Rewrite hook.
func Identity(key string) string { return key }

// Derive computes the cache key for (id, settings):
//
//  1. project settings to keys not beginning with "$" (caller-private
//     hints, never hashed);
//  2. deeply sort keys so semantically equal settings serialize
//     identically regardless of field order;
//  3. if the projection is empty, the key is just id;
//  4. otherwise the key is id + "-" + sha256(stableJSON(projection));
//  5. run the result through rewrite (Identity if nil).
func Derive(id string, settings map[string]any, rewrite Rewrite) string {
	if rewrite == nil {
		rewrite = Identity
	}
	projected := project(settings)
	if len(projected) == 0 {
		return rewrite(id)
	}
	stable := stableJSON(sortedMap(projected))
	sum := sha256.Sum256([]byte(stable))
	return rewrite(id + "-" + hex.EncodeToString(sum[:]))
}

// project drops every key beginning with "$".
func project(settings map[string]any) map[string]any {
	if len(settings) == 0 {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if strings.HasPrefix(k, "$") {
			continue
		}
		out[k] = v
	}
	return out
}

// sortedMap recursively copies v, rebuilding every map[string]any and
// []any it contains. Go maps carry no order, so the copy does not order
// anything itself; the stable key order of the serialized form comes from
// encoding/json, which sorts map keys at every level of nesting.
func sortedMap(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortedMap(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedMap(item)
		}
		return out
	default:
		return val
	}
}

// stableJSON marshals v, falling back to "{}" when marshaling fails.
func stableJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return "{}"
	}
	return string(b)
}
