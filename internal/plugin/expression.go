package plugin

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// recordEnv is the environment one filter expression sees per record.
type recordEnv struct {
	Value   float64   `expr:"value"`
	Counter float64   `expr:"counter"`
	Index   int       `expr:"index"`
	Record  []float64 `expr:"record"`
}

// predicate is a compiled boolean expression over a record.
type predicate struct {
	source  string
	program *vm.Program
}

func compilePredicate(source string) (*predicate, error) {
	program, err := expr.Compile(source, expr.Env(recordEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", source, err)
	}
	return &predicate{source: source, program: program}, nil
}

func (p *predicate) match(env recordEnv) (bool, error) {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", p.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
