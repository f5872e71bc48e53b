// Package merge implements the three-way, field-level merge used for
// optimistic concurrency. Handlers that opt into field-level merging call
// FieldLevelMerge with the row as the client last saw it (base), the current
// server row, and the client's payload; handlers on plain version-number
// locking skip this package entirely.
package merge

import "sort"

// Result reports either a merged payload or the set of conflicting fields.
type Result struct {
	CanMerge          bool
	MergedPayload     map[string]any
	ConflictingFields []string
}

// FieldLevelMerge merges clientPayload over serverRow relative to baseRow.
//
// For each field in clientPayload: if only the client changed it relative to
// base, the client wins; if only the server changed it, the server value is
// kept; if both changed it to different values, the field conflicts. A nil
// baseRow means a fresh insert and the client payload is taken whole.
func FieldLevelMerge(baseRow, serverRow, clientPayload map[string]any) Result {
	if baseRow == nil {
		return Result{CanMerge: true, MergedPayload: clientPayload}
	}

	merged := make(map[string]any, len(serverRow)+len(clientPayload))
	for k, v := range serverRow {
		merged[k] = v
	}

	var conflicts []string
	for field, clientVal := range clientPayload {
		baseVal, baseHas := baseRow[field]
		serverVal, serverHas := serverRow[field]

		clientChanged := !baseHas || !DeepEqual(baseVal, clientVal)
		serverChanged := baseHas != serverHas || (baseHas && !DeepEqual(baseVal, serverVal))

		switch {
		case clientChanged && serverChanged:
			if DeepEqual(clientVal, serverVal) {
				merged[field] = clientVal
				continue
			}
			conflicts = append(conflicts, field)
		case clientChanged:
			merged[field] = clientVal
		default:
			// Server-only change or no change: server value stands.
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return Result{ConflictingFields: conflicts}
	}
	return Result{CanMerge: true, MergedPayload: merged}
}
