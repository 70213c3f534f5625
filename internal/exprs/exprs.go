// Package exprs evaluates when-expressions against documents.
//
// Expressions are Lua boolean expressions. A read-only doc table is exposed
// with the document's properties merged at top level plus id and status, so
// a definition can say `doc.kind == "post" and doc.meta.priority >= 5`.
package exprs

import (
	"fmt"

	lua "github.com/Shopify/go-lua"

	"docflow/internal/domain"
)

// Evaluator decides whether a when-expression applies to a document.
type Evaluator interface {
	Evaluate(expr string, doc *domain.Document) (bool, error)
}

// Lua evaluates expressions in a fresh Lua state per call.
type Lua struct{}

// NewLua returns a Lua expression evaluator.
func NewLua() *Lua { return &Lua{} }

// Evaluate runs the expression. An empty expression is always true. A runtime
// or syntax error in the expression is returned, never swallowed.
func (e *Lua) Evaluate(expr string, doc *domain.Document) (bool, error) {
	if expr == "" {
		return true, nil
	}
	l := lua.NewState()
	lua.OpenLibraries(l)

	pushDoc(l, doc)
	l.SetGlobal("doc")

	if err := lua.DoString(l, "return ("+expr+")"); err != nil {
		return false, fmt.Errorf("when expression %q: %w", expr, err)
	}
	result := l.ToBoolean(-1)
	l.Pop(1)
	return result, nil
}

func pushDoc(l *lua.State, doc *domain.Document) {
	l.NewTable()
	for key, value := range doc.Props {
		pushValue(l, value)
		l.SetField(-2, key)
	}
	// id and status win over properties of the same name.
	l.PushString(doc.ID)
	l.SetField(-2, "id")
	l.PushString(string(doc.Status))
	l.SetField(-2, "status")
}

func pushValue(l *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case string:
		l.PushString(v)
	case int:
		l.PushNumber(float64(v))
	case int64:
		l.PushNumber(float64(v))
	case float64:
		l.PushNumber(v)
	case []any:
		l.NewTable()
		for i, item := range v {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.NewTable()
		for key, item := range v {
			pushValue(l, item)
			l.SetField(-2, key)
		}
	default:
		l.PushString(fmt.Sprint(v))
	}
}
