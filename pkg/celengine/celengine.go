package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/fx"
)

var Module = fx.Module("celengine", fx.Provide(NewEngine))

// Variables available to an eligibility expression.
const (
	VarUserID    = "user_id"
	VarAmount    = "amount"
	VarOrderType = "order_type"
)

// Engine compiles eligibility expressions once and caches the programs by source.
type Engine struct {
	env      *cel.Env
	programs sync.Map // expr -> cel.Program
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarUserID, cel.StringType),
		cel.Variable(VarAmount, cel.DoubleType),
		cel.Variable(VarOrderType, cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env}, nil
}

// Validate reports a compile error for expr, or a non-bool result type.
func (e *Engine) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if v, ok := e.programs.Load(expr); ok {
		return v.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expected bool expression, got %v", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.programs.Store(expr, prg)
	return prg, nil
}

// Evaluate runs expr against attrs. An empty expression is always true.
func (e *Engine) Evaluate(expr string, attrs map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}
