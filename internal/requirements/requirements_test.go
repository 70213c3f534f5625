package requirements

import (
	"errors"
	"testing"

	"docflow/internal/definitions"
	"docflow/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }

func docTarget(t *testing.T) Target {
	t.Helper()
	doc := domain.NewDocument("d1", domain.StatusActive)
	doc.Set("title", "blog_launch.md")
	doc.Set("meta.priority", int64(7))
	doc.Set("meta.owner", "Ana")
	doc.Set("tags", []any{"urgent", "Go"})
	doc.AddFileRef("attachments", "a.png", "u1", nil)
	doc.AddFileRef("attachments", "b.png", "u2", nil)
	doc.AddFileRef("cover", "c.jpg", "u3", nil)
	review, err := doc.AddStage("review", domain.StageScheduled, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := review.SetStatus(domain.StageStarted); err != nil {
		t.Fatal(err)
	}
	if err := review.SetStatus(domain.StageCompleted); err != nil {
		t.Fatal(err)
	}
	return ForDocument(doc)
}

func evalOne(t *testing.T, target Target, reqs definitions.Requirements) (bool, []Reason) {
	t.Helper()
	ok, failures, err := Evaluate(target, reqs)
	if err != nil {
		t.Fatalf("unexpected evaluation error: %v", err)
	}
	return ok, failures
}

func TestAttributeCheckOperators(t *testing.T) {
	target := docTarget(t)

	cases := []struct {
		name  string
		check definitions.AttributeCheck
		want  bool
	}{
		{"eq string", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "EQ", Value: "Ana"}, true},
		{"eq folded", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "EQ", Value: "ANA", CaseSensitive: boolPtr(false)}, true},
		{"eq case mismatch", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "EQ", Value: "ANA"}, false},
		{"ne", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "NE", Value: "Bob"}, true},
		{"eq numeric coercion", definitions.AttributeCheck{Attribute: "meta.priority", Operator: "EQ", Value: "7"}, true},
		{"gt", definitions.AttributeCheck{Attribute: "meta.priority", Operator: "GT", Value: 5}, true},
		{"gte boundary", definitions.AttributeCheck{Attribute: "meta.priority", Operator: "GTE", Value: 7}, true},
		{"lt fails", definitions.AttributeCheck{Attribute: "meta.priority", Operator: "LT", Value: 7}, false},
		{"lte", definitions.AttributeCheck{Attribute: "meta.priority", Operator: "LTE", Value: 7.0}, true},
		{"string ordering", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "GT", Value: "Am"}, true},
		{"glob match", definitions.AttributeCheck{Attribute: "title", Operator: "CP", Value: "blog_*.md"}, true},
		{"glob folded", definitions.AttributeCheck{Attribute: "title", Operator: "CP", Value: "BLOG_*.MD", CaseSensitive: boolPtr(false)}, true},
		{"glob miss", definitions.AttributeCheck{Attribute: "title", Operator: "CP", Value: "news_*.md"}, false},
		{"glob negated", definitions.AttributeCheck{Attribute: "title", Operator: "NP", Value: "news_*.md"}, true},
		{"glob negated match fails", definitions.AttributeCheck{Attribute: "title", Operator: "NP", Value: "blog_*"}, false},
		{"bad glob unsatisfied", definitions.AttributeCheck{Attribute: "title", Operator: "CP", Value: "blog_[.md"}, false},
		{"bad glob unsatisfied for np too", definitions.AttributeCheck{Attribute: "title", Operator: "NP", Value: "blog_[.md"}, false},
		{"regex", definitions.AttributeCheck{Attribute: "title", Operator: "REGEX", Value: `^blog_\w+\.md$`}, true},
		{"regex folded", definitions.AttributeCheck{Attribute: "title", Operator: "REGEX", Value: `^BLOG_`, CaseSensitive: boolPtr(false)}, true},
		{"bad regex unsatisfied", definitions.AttributeCheck{Attribute: "title", Operator: "REGEX", Value: `blog_(`}, false},
		{"not_regex", definitions.AttributeCheck{Attribute: "title", Operator: "NOT_REGEX", Value: `^news_`}, true},
		{"bad not_regex unsatisfied", definitions.AttributeCheck{Attribute: "title", Operator: "NOT_REGEX", Value: `blog_(`}, false},
		{"is identity", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "IS", Value: "Ana"}, true},
		{"is type strict", definitions.AttributeCheck{Attribute: "meta.priority", Operator: "IS", Value: 7.0}, false},
		{"is_not", definitions.AttributeCheck{Attribute: "meta.owner", Operator: "IS_NOT", Value: "Bob"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, failures := evalOne(t, target, definitions.Requirements{AttributeChecks: []definitions.AttributeCheck{tc.check}})
			if ok != tc.want {
				t.Fatalf("satisfied = %v, want %v (failures %+v)", ok, tc.want, failures)
			}
			if !ok && len(failures) != 1 {
				t.Fatalf("expected one failure reason, got %d", len(failures))
			}
		})
	}
}

func TestMissingAttribute(t *testing.T) {
	target := docTarget(t)

	for _, op := range []string{"EQ", "NE", "GT", "LT", "GTE", "LTE", "IS", "CP", "NP", "REGEX", "NOT_REGEX"} {
		check := definitions.AttributeCheck{Attribute: "meta.absent", Operator: op, Value: "x"}
		ok, failures := evalOne(t, target, definitions.Requirements{AttributeChecks: []definitions.AttributeCheck{check}})
		if ok {
			t.Errorf("operator %s over missing attribute should be unsatisfied", op)
		}
		if len(failures) == 1 && failures[0].Kind != "attribute_checks" {
			t.Errorf("failure kind = %q", failures[0].Kind)
		}
	}

	check := definitions.AttributeCheck{Attribute: "meta.absent", Operator: "IS_NOT", Value: "x"}
	if ok, _ := evalOne(t, target, definitions.Requirements{AttributeChecks: []definitions.AttributeCheck{check}}); !ok {
		t.Error("IS_NOT over missing attribute should be satisfied")
	}
}

func TestUnknownOperatorIsError(t *testing.T) {
	target := docTarget(t)
	_, _, err := Evaluate(target, definitions.Requirements{
		AttributeChecks: []definitions.AttributeCheck{{Attribute: "title", Operator: "LIKE", Value: "x"}},
	})
	var reqErr *RequirementError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want *RequirementError", err)
	}
	if reqErr.Operator != "LIKE" {
		t.Fatalf("operator = %q", reqErr.Operator)
	}

	_, _, err = Evaluate(target, definitions.Requirements{
		ListChecks: []definitions.ListCheck{{Attribute: "tags", Operator: "WITHIN", Value: "x"}},
	})
	if !errors.As(err, &reqErr) {
		t.Fatalf("list err = %v, want *RequirementError", err)
	}
}

func TestFilePresenceCounts(t *testing.T) {
	target := docTarget(t)

	cases := []struct {
		key   string
		op    string
		count *int
		want  bool
	}{
		{"attachments", "", nil, true},
		{"attachments", ">=", intPtr(2), true},
		{"attachments", ">", intPtr(2), false},
		{"attachments", "==", intPtr(2), true},
		{"attachments", "!=", intPtr(2), false},
		{"attachments", "<=", intPtr(2), true},
		{"attachments", "<", intPtr(2), false},
		{"attachments", "==", nil, false},
		{"cover", ">=", intPtr(1), true},
		{"missing", ">=", intPtr(1), false},
		{"missing", "==", intPtr(0), true},
	}
	for _, tc := range cases {
		fp := definitions.FilePresence{Key: tc.key, Count: tc.count, CountOperator: tc.op}
		reqs := definitions.Requirements{FilePresence: []definitions.FilePresence{fp}}
		if ok, _ := evalOne(t, target, reqs); ok != tc.want {
			t.Errorf("file_presence key=%q op=%q count=%v = %v, want %v", tc.key, tc.op, tc.count, ok, tc.want)
		}
	}

	_, _, err := Evaluate(target, definitions.Requirements{
		FilePresence: []definitions.FilePresence{{Key: "attachments", CountOperator: "~", Count: intPtr(1)}},
	})
	var reqErr *RequirementError
	if !errors.As(err, &reqErr) {
		t.Fatalf("bad count operator err = %v", err)
	}
}

func TestStageChecks(t *testing.T) {
	target := docTarget(t)

	reqs := definitions.Requirements{Stages: map[string]definitions.StageCheck{"review": {Status: "completed"}}}
	if ok, _ := evalOne(t, target, reqs); !ok {
		t.Fatal("completed review should satisfy")
	}

	reqs = definitions.Requirements{Stages: map[string]definitions.StageCheck{"review": {Status: "started"}}}
	if ok, failures := evalOne(t, target, reqs); ok || len(failures) != 1 {
		t.Fatalf("started review should be unsatisfied, failures %+v", failures)
	}

	_, _, err := Evaluate(target, definitions.Requirements{
		Stages: map[string]definitions.StageCheck{"review": {Status: "finished"}},
	})
	var reqErr *RequirementError
	if !errors.As(err, &reqErr) {
		t.Fatalf("unknown status err = %v", err)
	}
}

func TestListChecks(t *testing.T) {
	target := docTarget(t)

	cases := []struct {
		name  string
		check definitions.ListCheck
		want  bool
	}{
		{"has", definitions.ListCheck{Attribute: "tags", Operator: "HAS", Value: "urgent"}, true},
		{"contains synonym", definitions.ListCheck{Attribute: "tags", Operator: "CONTAINS", Value: "urgent"}, true},
		{"includes synonym", definitions.ListCheck{Attribute: "tags", Operator: "INCLUDES", Value: "urgent"}, true},
		{"has folded", definitions.ListCheck{Attribute: "tags", Operator: "HAS", Value: "go", CaseSensitive: boolPtr(false)}, true},
		{"has case mismatch", definitions.ListCheck{Attribute: "tags", Operator: "HAS", Value: "go"}, false},
		{"not_has", definitions.ListCheck{Attribute: "tags", Operator: "NOT_HAS", Value: "stale"}, true},
		{"not_has present fails", definitions.ListCheck{Attribute: "tags", Operator: "NOT_CONTAINS", Value: "urgent"}, false},
		{"missing attr", definitions.ListCheck{Attribute: "labels", Operator: "HAS", Value: "x"}, false},
		{"missing attr not_ fails too", definitions.ListCheck{Attribute: "labels", Operator: "NOT_HAS", Value: "x"}, false},
		{"non list attr", definitions.ListCheck{Attribute: "title", Operator: "HAS", Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, _ := evalOne(t, target, definitions.Requirements{ListChecks: []definitions.ListCheck{tc.check}})
			if ok != tc.want {
				t.Fatalf("satisfied = %v, want %v", ok, tc.want)
			}
		})
	}
}

func TestAllKindsAggregate(t *testing.T) {
	target := docTarget(t)
	reqs := definitions.Requirements{
		FilePresence:    []definitions.FilePresence{{Key: "attachments", Count: intPtr(1)}},
		Stages:          map[string]definitions.StageCheck{"review": {Status: "completed"}},
		AttributeChecks: []definitions.AttributeCheck{{Attribute: "meta.priority", Operator: "GTE", Value: 5}},
		ListChecks:      []definitions.ListCheck{{Attribute: "tags", Operator: "HAS", Value: "urgent"}},
	}
	if ok, failures := evalOne(t, target, reqs); !ok {
		t.Fatalf("all requirements should hold, failures %+v", failures)
	}

	reqs.AttributeChecks[0].Value = 9
	reqs.FilePresence[0].Count = intPtr(5)
	ok, failures := evalOne(t, target, reqs)
	if ok {
		t.Fatal("should be unsatisfied")
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %d, want 2 (%+v)", len(failures), failures)
	}
}

func TestEmptyRequirementsSatisfied(t *testing.T) {
	target := docTarget(t)
	if ok, failures := evalOne(t, target, definitions.Requirements{}); !ok || len(failures) != 0 {
		t.Fatalf("empty requirements should be satisfied, got %v %+v", ok, failures)
	}
}
