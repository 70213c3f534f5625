// Package requirements evaluates stage gating requirements.
//
// Evaluation is total: a requirement over missing data or an unmatchable
// pattern is unsatisfied, not an error. Only a malformed requirement spec
// (unknown operator, unknown stage status) returns a *RequirementError.
package requirements

import (
	"fmt"
	"path"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"docflow/internal/definitions"
	"docflow/internal/domain"
	"docflow/internal/props"
)

// RequirementError reports a malformed requirement spec.
type RequirementError struct {
	Kind     string
	Operator string
	Detail   string
}

func (e *RequirementError) Error() string {
	return fmt.Sprintf("invalid %s requirement: operator %q %s", e.Kind, e.Operator, e.Detail)
}

// Reason explains one unsatisfied requirement.
type Reason struct {
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Operator string `json:"operator,omitempty"`
	Message  string `json:"message"`
}

// Target is the view a set of requirements is evaluated against. For stage
// requirements this is the parent document's properties, file refs, and
// sibling stages.
type Target struct {
	Props    map[string]any
	FileRefs []domain.FileRef
	Stages   []*domain.Stage
}

// ForDocument builds an evaluation target from a document.
func ForDocument(doc *domain.Document) Target {
	return Target{
		Props:    doc.Props,
		FileRefs: doc.FileRefs,
		Stages:   doc.Stages,
	}
}

// Evaluate checks every requirement against the target. It returns whether
// all requirements hold and a reason for each one that does not. The error is
// non-nil only for malformed requirement specs.
func Evaluate(target Target, reqs definitions.Requirements) (bool, []Reason, error) {
	var failures []Reason

	for _, fp := range reqs.FilePresence {
		ok, reason, err := evalFilePresence(target, fp)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			failures = append(failures, reason)
		}
	}
	names := make([]string, 0, len(reqs.Stages))
	for name := range reqs.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ok, reason, err := evalStageCheck(target, name, reqs.Stages[name])
		if err != nil {
			return false, nil, err
		}
		if !ok {
			failures = append(failures, reason)
		}
	}
	for _, ac := range reqs.AttributeChecks {
		ok, reason, err := evalAttributeCheck(target, ac)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			failures = append(failures, reason)
		}
	}
	for _, lc := range reqs.ListChecks {
		ok, reason, err := evalListCheck(target, lc)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			failures = append(failures, reason)
		}
	}

	return len(failures) == 0, failures, nil
}

func evalFilePresence(target Target, fp definitions.FilePresence) (bool, Reason, error) {
	op, want, err := countConstraint(fp)
	if err != nil {
		return false, Reason{}, err
	}
	count := 0
	for _, ref := range target.FileRefs {
		if fp.Key == "" || ref.Key == fp.Key {
			count++
		}
	}
	ok := compareCount(count, op, want)
	if ok {
		return true, Reason{}, nil
	}
	return false, Reason{
		Kind:     "file_presence",
		Subject:  fp.Key,
		Operator: op,
		Message:  fmt.Sprintf("have %d file(s) for key %q, need %s %d", count, fp.Key, op, want),
	}, nil
}

func countConstraint(fp definitions.FilePresence) (string, int, error) {
	op := strings.TrimSpace(fp.CountOperator)
	if op == "" {
		op = ">="
	}
	switch op {
	case ">=", "==", ">", "<=", "<", "!=":
	default:
		return "", 0, &RequirementError{Kind: "file_presence", Operator: op, Detail: "is not a count operator"}
	}
	want := 1
	if fp.Count != nil {
		want = *fp.Count
	}
	return op, want, nil
}

func compareCount(have int, op string, want int) bool {
	switch op {
	case ">=":
		return have >= want
	case "==":
		return have == want
	case ">":
		return have > want
	case "<=":
		return have <= want
	case "<":
		return have < want
	case "!=":
		return have != want
	}
	return false
}

func evalStageCheck(target Target, name string, sc definitions.StageCheck) (bool, Reason, error) {
	want, ok := domain.ParseStageStatus(sc.Status)
	if !ok {
		return false, Reason{}, &RequirementError{Kind: "stages", Operator: sc.Status, Detail: "is not a stage status"}
	}
	for _, s := range target.Stages {
		if s.Definition == name && s.Status == want {
			return true, Reason{}, nil
		}
	}
	return false, Reason{
		Kind:    "stages",
		Subject: name,
		Message: fmt.Sprintf("no instance of stage %q has status %s", name, want),
	}, nil
}

func evalAttributeCheck(target Target, ac definitions.AttributeCheck) (bool, Reason, error) {
	folded := ac.CaseSensitive != nil && !*ac.CaseSensitive
	value, present := props.Get(target.Props, ac.Attribute)

	fail := func(msg string) (bool, Reason, error) {
		return false, Reason{
			Kind:     "attribute_checks",
			Subject:  ac.Attribute,
			Operator: ac.Operator,
			Message:  msg,
		}, nil
	}

	if !present {
		// An absent attribute is not any concrete value, so IS_NOT holds.
		if ac.Operator == "IS_NOT" {
			return true, Reason{}, nil
		}
		switch ac.Operator {
		case "EQ", "NE", "GT", "LT", "GTE", "LTE", "IS", "CP", "NP", "REGEX", "NOT_REGEX":
			return fail("attribute is not set")
		default:
			return false, Reason{}, &RequirementError{Kind: "attribute_checks", Operator: ac.Operator, Detail: "is unknown"}
		}
	}

	switch ac.Operator {
	case "EQ":
		if looseEqual(value, ac.Value, folded) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v is not equal to %v", value, ac.Value))
	case "NE":
		if !looseEqual(value, ac.Value, folded) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v equals %v", value, ac.Value))
	case "GT", "LT", "GTE", "LTE":
		ok := looseCompare(value, ac.Value, ac.Operator, folded)
		if ok {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v is not %s %v", value, ac.Operator, ac.Value))
	case "IS":
		if strictEqual(value, ac.Value) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v (%T) is not identical to %v (%T)", value, value, ac.Value, ac.Value))
	case "IS_NOT":
		if !strictEqual(value, ac.Value) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v is identical to %v", value, ac.Value))
	case "CP":
		if matchGlob(value, ac.Value, folded) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v does not match pattern %v", value, ac.Value))
	case "NP":
		// An unmatchable pattern satisfies neither CP nor NP.
		s, p, usable := globOperands(value, ac.Value, folded)
		if !usable {
			return fail("pattern or value is not usable")
		}
		matched, err := path.Match(p, s)
		if err != nil {
			return fail("pattern is invalid")
		}
		if !matched {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v matches pattern %v", value, ac.Value))
	case "REGEX":
		if matchRegex(value, ac.Value, folded) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v does not match regex %v", value, ac.Value))
	case "NOT_REGEX":
		s, re, usable := regexOperands(value, ac.Value, folded)
		if !usable {
			return fail("regex or value is not usable")
		}
		if !re.MatchString(s) {
			return true, Reason{}, nil
		}
		return fail(fmt.Sprintf("%v matches regex %v", value, ac.Value))
	default:
		return false, Reason{}, &RequirementError{Kind: "attribute_checks", Operator: ac.Operator, Detail: "is unknown"}
	}
}

func evalListCheck(target Target, lc definitions.ListCheck) (bool, Reason, error) {
	negated := false
	op := lc.Operator
	if strings.HasPrefix(op, "NOT_") {
		negated = true
		op = strings.TrimPrefix(op, "NOT_")
	}
	switch op {
	case "HAS", "CONTAINS", "INCLUDES":
	default:
		return false, Reason{}, &RequirementError{Kind: "list_checks", Operator: lc.Operator, Detail: "is unknown"}
	}
	folded := lc.CaseSensitive != nil && !*lc.CaseSensitive

	fail := func(msg string) (bool, Reason, error) {
		return false, Reason{
			Kind:     "list_checks",
			Subject:  lc.Attribute,
			Operator: lc.Operator,
			Message:  msg,
		}, nil
	}

	value, present := props.Get(target.Props, lc.Attribute)
	if !present {
		return fail("attribute is not set")
	}
	list, ok := value.([]any)
	if !ok {
		return fail("attribute is not a list")
	}

	found := false
	for _, item := range list {
		if looseEqual(item, lc.Value, folded) {
			found = true
			break
		}
	}
	if found != negated {
		return true, Reason{}, nil
	}
	if negated {
		return fail(fmt.Sprintf("list contains %v", lc.Value))
	}
	return fail(fmt.Sprintf("list does not contain %v", lc.Value))
}

// looseEqual compares numerically when both sides cast to float64, otherwise
// by stringified form.
func looseEqual(a, b any, folded bool) bool {
	af, aerr := cast.ToFloat64E(a)
	bf, berr := cast.ToFloat64E(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	as, aerr := cast.ToStringE(a)
	bs, berr := cast.ToStringE(b)
	if aerr != nil || berr != nil {
		return false
	}
	if folded {
		return strings.EqualFold(as, bs)
	}
	return as == bs
}

func looseCompare(a, b any, op string, folded bool) bool {
	af, aerr := cast.ToFloat64E(a)
	bf, berr := cast.ToFloat64E(b)
	if aerr == nil && berr == nil {
		switch op {
		case "GT":
			return af > bf
		case "LT":
			return af < bf
		case "GTE":
			return af >= bf
		case "LTE":
			return af <= bf
		}
		return false
	}
	as, aerr := cast.ToStringE(a)
	bs, berr := cast.ToStringE(b)
	if aerr != nil || berr != nil {
		return false
	}
	if folded {
		as = strings.ToLower(as)
		bs = strings.ToLower(bs)
	}
	switch op {
	case "GT":
		return as > bs
	case "LT":
		return as < bs
	case "GTE":
		return as >= bs
	case "LTE":
		return as <= bs
	}
	return false
}

// strictEqual is type and value identity. Numeric widening is deliberately
// not applied so IS distinguishes 1 from 1.0 and nil from "".
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func globOperands(value, pattern any, folded bool) (string, string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", "", false
	}
	p, ok := pattern.(string)
	if !ok {
		return "", "", false
	}
	if folded {
		s = strings.ToLower(s)
		p = strings.ToLower(p)
	}
	return s, p, true
}

func matchGlob(value, pattern any, folded bool) bool {
	s, p, ok := globOperands(value, pattern, folded)
	if !ok {
		return false
	}
	matched, err := path.Match(p, s)
	return err == nil && matched
}

func regexOperands(value, pattern any, folded bool) (string, *regexp.Regexp, bool) {
	s, ok := value.(string)
	if !ok {
		return "", nil, false
	}
	p, ok := pattern.(string)
	if !ok {
		return "", nil, false
	}
	if folded {
		p = "(?i)" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return "", nil, false
	}
	return s, re, true
}

func matchRegex(value, pattern any, folded bool) bool {
	s, re, ok := regexOperands(value, pattern, folded)
	if !ok {
		return false
	}
	return re.MatchString(s)
}
