package scope

import (
	"reflect"
	"testing"
)

func TestExtractVars(t *testing.T) {
	cases := []struct {
		pattern string
		want    []string
	}{
		{"user:{user_id}", []string{"user_id"}},
		{"org:{org_id}:project:{project_id}", []string{"org_id", "project_id"}},
		{"global", nil},
		{"broken:{open", nil},
	}
	for _, tc := range cases {
		got := ExtractVars(tc.pattern)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ExtractVars(%q): got %v, want %v", tc.pattern, got, tc.want)
		}
	}
}

func TestCanonicalKey(t *testing.T) {
	key, err := CanonicalKey("default", "user:{user_id}", map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("CanonicalKey: %v", err)
	}
	if key != "default::user:u1" {
		t.Errorf("got %q, want %q", key, "default::user:u1")
	}

	if _, err := CanonicalKey("default", "user:{user_id}", nil); err == nil {
		t.Error("expected error for missing value")
	}
}

func TestExpandKeysCartesian(t *testing.T) {
	keys, err := ExpandKeys("default", "org:{org_id}:project:{project_id}", Values{
		"org_id":     {"o1"},
		"project_id": {"p2", "p1"},
	})
	if err != nil {
		t.Fatalf("ExpandKeys: %v", err)
	}
	want := []string{"default::org:o1:project:p1", "default::org:o1:project:p2"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("got %v, want %v", keys, want)
	}
}

func TestExpandKeysDeduplicates(t *testing.T) {
	keys, err := ExpandKeys("default", "user:{user_id}", Values{"user_id": {"u1", "u1"}})
	if err != nil {
		t.Fatalf("ExpandKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("got %v, want one key", keys)
	}
}

func TestMatchesAny(t *testing.T) {
	stored := map[string]string{"user_id": "u1", "project_id": "p1"}

	cases := []struct {
		name string
		sub  Values
		want bool
	}{
		{"member", Values{"user_id": {"u1", "u2"}}, true},
		{"non-member", Values{"user_id": {"u2"}}, false},
		{"unconstrained var", Values{}, true},
		{"empty allowed set matches", Values{"user_id": nil}, true},
		{"missing stored var", Values{"team_id": {"t1"}}, false},
		{"all vars member", Values{"user_id": {"u1"}, "project_id": {"p1"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesAny(stored, tc.sub); got != tc.want {
				t.Errorf("MatchesAny: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKeysForStored(t *testing.T) {
	keys := KeysForStored("default", []string{"user:{user_id}", "team:{team_id}"}, map[string]string{"user_id": "u1"})
	want := []string{"default::user:u1"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("got %v, want %v", keys, want)
	}
}
