package merge

import (
	"reflect"
	"testing"
)

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil both", nil, nil, true},
		{"nil one", nil, "x", false},
		{"strings", "a", "a", true},
		{"numbers", float64(1), float64(1), true},
		{"number mismatch", float64(1), float64(2), false},
		{"bool vs string", true, "true", false},
		{"arrays", []any{"a", float64(1)}, []any{"a", float64(1)}, true},
		{"array length", []any{"a"}, []any{"a", "b"}, false},
		{"array order", []any{"a", "b"}, []any{"b", "a"}, false},
		{"nested maps", map[string]any{"x": map[string]any{"y": "z"}}, map[string]any{"x": map[string]any{"y": "z"}}, true},
		{"map key set", map[string]any{"x": "1"}, map[string]any{"x": "1", "y": "2"}, false},
		{"null value distinct from absent", map[string]any{"x": nil}, map[string]any{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeepEqual(tc.a, tc.b); got != tc.want {
				t.Errorf("DeepEqual: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFieldLevelMergeInsert(t *testing.T) {
	payload := map[string]any{"title": "A"}
	res := FieldLevelMerge(nil, nil, payload)
	if !res.CanMerge {
		t.Fatal("expected CanMerge for nil base")
	}
	if !reflect.DeepEqual(res.MergedPayload, payload) {
		t.Errorf("merged: got %v, want %v", res.MergedPayload, payload)
	}
}

func TestFieldLevelMergeDisjointChanges(t *testing.T) {
	base := map[string]any{"name": "Original", "type": "praxis"}
	server := map[string]any{"name": "Original", "type": "server-type"}
	client := map[string]any{"name": "Client Name", "type": "praxis"}

	res := FieldLevelMerge(base, server, client)
	if !res.CanMerge {
		t.Fatalf("expected merge, got conflicts %v", res.ConflictingFields)
	}
	want := map[string]any{"name": "Client Name", "type": "server-type"}
	if !reflect.DeepEqual(res.MergedPayload, want) {
		t.Errorf("merged: got %v, want %v", res.MergedPayload, want)
	}
}

func TestFieldLevelMergeConflict(t *testing.T) {
	base := map[string]any{"name": "Original", "type": "praxis"}
	server := map[string]any{"name": "Server Name", "type": "praxis"}
	client := map[string]any{"name": "Client Name", "type": "op"}

	res := FieldLevelMerge(base, server, client)
	if res.CanMerge {
		t.Fatal("expected conflict")
	}
	if !reflect.DeepEqual(res.ConflictingFields, []string{"name"}) {
		t.Errorf("conflicts: got %v, want [name]", res.ConflictingFields)
	}
}

func TestFieldLevelMergeSameValueBothSides(t *testing.T) {
	base := map[string]any{"state": "open"}
	server := map[string]any{"state": "done"}
	client := map[string]any{"state": "done"}

	res := FieldLevelMerge(base, server, client)
	if !res.CanMerge {
		t.Fatalf("expected merge when both sides agree, got %v", res.ConflictingFields)
	}
	if res.MergedPayload["state"] != "done" {
		t.Errorf("state: got %v, want done", res.MergedPayload["state"])
	}
}

func TestFieldLevelMergeIdempotent(t *testing.T) {
	base := map[string]any{"name": "Original", "type": "praxis"}
	server := map[string]any{"name": "Original", "type": "server-type"}
	client := map[string]any{"name": "Client Name", "type": "praxis"}

	first := FieldLevelMerge(base, server, client)
	if !first.CanMerge {
		t.Fatal("first merge failed")
	}
	// Feeding the merged result back with itself as the server side must be
	// a clean no-conflict merge.
	second := FieldLevelMerge(base, first.MergedPayload, first.MergedPayload)
	if !second.CanMerge {
		t.Fatalf("idempotent re-merge conflicted: %v", second.ConflictingFields)
	}
	if !reflect.DeepEqual(second.MergedPayload, first.MergedPayload) {
		t.Errorf("re-merge: got %v, want %v", second.MergedPayload, first.MergedPayload)
	}
}

func TestFieldLevelMergeServerOnlyChangeKept(t *testing.T) {
	base := map[string]any{"a": "1", "b": "2"}
	server := map[string]any{"a": "1", "b": "9"}
	client := map[string]any{"a": "1", "b": "2"}

	res := FieldLevelMerge(base, server, client)
	if !res.CanMerge {
		t.Fatalf("expected merge, got %v", res.ConflictingFields)
	}
	if res.MergedPayload["b"] != "9" {
		t.Errorf("b: got %v, want server value 9", res.MergedPayload["b"])
	}
}
