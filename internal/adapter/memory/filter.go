package memory

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/value"
)

// predicate is a compiled filter expression. Filters are written as
// CEL boolean expressions over a single "doc" map variable, e.g.
// `doc.age > 30 && doc.active == true`. An empty filter always
// matches.
type predicate struct {
	program cel.Program
}

var celEnv = mustCELEnv()

func mustCELEnv() *cel.Env {
	env, err := cel.NewEnv(cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		panic(fmt.Sprintf("memory: building CEL environment: %v", err))
	}
	return env
}

func compilePredicate(filter string) (*predicate, error) {
	if filter == "" {
		return nil, nil
	}

	ast, issues := celEnv.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, adapter.InvalidPredicate(issues.Err().Error())
	}

	program, err := celEnv.Program(ast)
	if err != nil {
		return nil, adapter.InvalidPredicate(err.Error())
	}

	return &predicate{program: program}, nil
}

func (p *predicate) matches(doc value.Value) (bool, error) {
	if p == nil {
		return true, nil
	}

	m, _ := doc.AsMap()
	out, _, err := p.program.Eval(map[string]any{"doc": toCELMap(m)})
	if err != nil {
		return false, adapter.InvalidPredicate(err.Error())
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, adapter.InvalidPredicate("filter must evaluate to a boolean")
	}
	return result, nil
}

// toCELMap converts a document's field map into plain Go values CEL
// can evaluate against. Typed wire forms collapse to their scalar:
// ObjectId/UUID/Decimal128 to string, Date to Unix seconds, nested
// maps/lists recurse.
func toCELMap(m map[string]value.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toCELValue(v)
	}
	return out
}

func toCELValue(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		b, _ := v.AsBool()
		return b
	case value.KindInt:
		i, _ := v.AsI64()
		return i
	case value.KindFloat:
		f, _ := v.AsF64()
		return f
	case value.KindString, value.KindObjectID, value.KindUUID, value.KindDecimal128:
		s, _ := v.AsString()
		return s
	case value.KindTimestamp:
		ts, _ := v.AsTimestamp()
		return ts.Unix()
	case value.KindData:
		d, _ := v.AsData()
		return d
	case value.KindList:
		items, _ := v.AsSeq()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toCELValue(item)
		}
		return out
	case value.KindMap:
		m, _ := v.AsMap()
		return toCELMap(m)
	default:
		return nil
	}
}
