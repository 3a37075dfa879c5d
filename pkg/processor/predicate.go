package processor

import (
	"fmt"

	"tumblestream/pkg/commtypes"

	"github.com/Jeffail/gabs/v2"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

var _ = (Predicate)(PredicateFunc(nil))

type PredicateFunc func(*commtypes.Message) (bool, error)

type Predicate interface {
	Assert(*commtypes.Message) (bool, error)
}

func (fn PredicateFunc) Assert(msg *commtypes.Message) (bool, error) {
	return fn(msg)
}

// ExprPredicate evaluates a compiled expression against a message
// value. The expression sees the payload fields as top-level
// identifiers plus `key` bound to the message key. Compiled once at
// query registration, never re-parsed per event.
type ExprPredicate struct {
	program *vm.Program
	source  string
}

var _ = Predicate(&ExprPredicate{})

func NewExprPredicate(expression string) (*ExprPredicate, error) {
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("unable to compile expression %q: %v", expression, err)
	}
	return &ExprPredicate{program: program, source: expression}, nil
}

func (p *ExprPredicate) Assert(msg *commtypes.Message) (bool, error) {
	env := PredicateEnv(msg)
	result, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("unable to evaluate expression %q: %v", p.source, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not yield a bool, got %T", p.source, result)
	}
	return b, nil
}

// PredicateEnv flattens a message into an expression environment.
func PredicateEnv(msg *commtypes.Message) map[string]interface{} {
	env := make(map[string]interface{})
	switch v := msg.Value.(type) {
	case *gabs.Container:
		if m, ok := v.Data().(map[string]interface{}); ok {
			for name, val := range m {
				env[name] = val
			}
		}
	case map[string]interface{}:
		for name, val := range v {
			env[name] = val
		}
	}
	env["key"] = msg.Key
	return env
}
