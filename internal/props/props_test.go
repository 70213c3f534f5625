package props

import (
	"reflect"
	"testing"
)

func TestGetDottedPath(t *testing.T) {
	tree := map[string]any{
		"title": "draft",
		"meta": map[string]any{
			"priority": 7,
			"tags":     []any{"go", map[string]any{"name": "deep"}},
		},
	}

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"title", "draft", true},
		{"meta.priority", 7, true},
		{"meta.tags[0]", "go", true},
		{"meta.tags[1].name", "deep", true},
		{"meta.missing", nil, false},
		{"meta.tags[5]", nil, false},
		{"title.sub", nil, false},
	}
	for _, tc := range cases {
		got, ok := Get(tree, tc.path)
		if ok != tc.ok || !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Get(%q) = %v, %v; want %v, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetCreatesIntermediates(t *testing.T) {
	tree := map[string]any{}
	Set(tree, "meta.owner.name", "ana")
	Set(tree, "meta.tags[2]", "late")
	Set(tree, "meta.tags[0]", "first")

	if got, _ := Get(tree, "meta.owner.name"); got != "ana" {
		t.Fatalf("owner.name = %v", got)
	}
	tags, _ := Get(tree, "meta.tags")
	want := []any{"first", nil, "late"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
}

func TestSetIgnoresNegativeIndexes(t *testing.T) {
	tree := map[string]any{"tags": []any{"keep"}}
	Set(tree, "tags[-1]", "x")
	Set(tree, "meta.tags[-2].name", "x")

	want := map[string]any{"tags": []any{"keep"}}
	if !reflect.DeepEqual(tree, want) {
		t.Fatalf("tree = %v, want %v", tree, want)
	}
}

func TestSetReplacesWrongShape(t *testing.T) {
	tree := map[string]any{"meta": "scalar"}
	Set(tree, "meta.priority", 3)
	if got, _ := Get(tree, "meta.priority"); got != 3 {
		t.Fatalf("meta.priority = %v", got)
	}
}

func TestParseScalar(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{"true", true},
		{"false", false},
		{"42", int64(42)},
		{"3.5", 3.5},
		{"null", nil},
		{"hello", "hello"},
	}
	for _, tc := range cases {
		if got := ParseScalar(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseScalar(%q) = %v (%T), want %v", tc.raw, got, got, tc.want)
		}
	}
}
