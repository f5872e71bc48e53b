// Package scope derives canonical scope keys from patterns like
// "user:{user_id}" and matches stored change scopes against subscription
// scopes. Scope keys are the fan-out index for realtime notification and the
// cache key prefix for snapshot chunks.
package scope

import (
	"fmt"
	"sort"
	"strings"
)

// Values holds subscription scope values: each variable maps to one or more
// candidate string values. Stored scopes on a change are always single-valued.
type Values map[string][]string

// Single converts a single-valued scope mapping into Values.
func Single(scopes map[string]string) Values {
	if scopes == nil {
		return nil
	}
	out := make(Values, len(scopes))
	for k, v := range scopes {
		out[k] = []string{v}
	}
	return out
}

// ExtractVars returns the variable names in pattern, in order of appearance.
// A pattern is "<prefix>:{var}" optionally followed by more ":<lit>{var}"
// segments; any "{name}" token is a variable.
func ExtractVars(pattern string) []string {
	var vars []string
	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return vars
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return vars
		}
		vars = append(vars, rest[open+1:open+close])
		rest = rest[open+close+1:]
	}
}

// CanonicalKey substitutes single values into pattern and prefixes the
// partition, producing one deterministic key per (partition, pattern, values).
// Every variable in the pattern must be present in values.
func CanonicalKey(partition, pattern string, values map[string]string) (string, error) {
	key := pattern
	for _, v := range ExtractVars(pattern) {
		val, ok := values[v]
		if !ok {
			return "", fmt.Errorf("scope pattern %q: missing value for %q", pattern, v)
		}
		key = strings.ReplaceAll(key, "{"+v+"}", val)
	}
	return partition + "::" + key, nil
}

// ExpandKeys produces the canonical keys for every combination of values
// across multi-valued variables (Cartesian product). Keys are returned
// sorted and deduplicated.
func ExpandKeys(partition, pattern string, values Values) ([]string, error) {
	vars := ExtractVars(pattern)
	combos := []map[string]string{{}}
	for _, v := range vars {
		vals, ok := values[v]
		if !ok || len(vals) == 0 {
			return nil, fmt.Errorf("scope pattern %q: missing value for %q", pattern, v)
		}
		next := make([]map[string]string, 0, len(combos)*len(vals))
		for _, combo := range combos {
			for _, val := range vals {
				grown := make(map[string]string, len(combo)+1)
				for k, cv := range combo {
					grown[k] = cv
				}
				grown[v] = val
				next = append(next, grown)
			}
		}
		combos = next
	}

	seen := make(map[string]struct{}, len(combos))
	keys := make([]string, 0, len(combos))
	for _, combo := range combos {
		key, err := CanonicalKey(partition, pattern, combo)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// MatchesAny reports whether a change's stored scopes satisfy a
// subscription's scope constraints: for every variable the subscription
// constrains, the stored single value must be a member of the subscription's
// value set. Variables the subscription does not constrain always match.
func MatchesAny(stored map[string]string, subscription Values) bool {
	for v, allowed := range subscription {
		if len(allowed) == 0 {
			continue
		}
		got, ok := stored[v]
		if !ok {
			return false
		}
		member := false
		for _, a := range allowed {
			if a == got {
				member = true
				break
			}
		}
		if !member {
			return false
		}
	}
	return true
}

// KeysForStored derives the canonical keys a stored (single-valued) scope set
// produces for the given patterns. Patterns whose variables are not all
// present in the stored scopes are skipped.
func KeysForStored(partition string, patterns []string, stored map[string]string) []string {
	var keys []string
	for _, p := range patterns {
		complete := true
		for _, v := range ExtractVars(p) {
			if _, ok := stored[v]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		key, err := CanonicalKey(partition, p, stored)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
