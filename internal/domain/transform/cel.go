package transform

import (
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// evaluator compiles and caches programs for CALCULATION and CONDITIONAL
// rules. The environment exposes only the input document and a small math
// vocabulary; expressions cannot reach the filesystem, network, or host.
type evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newEvaluator() (*evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("round",
			cel.Overload("round_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Double(math.Round(float64(v.(types.Double))))
				}))),
		cel.Function("abs",
			cel.Overload("abs_double", []*cel.Type{cel.DoubleType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.Double(math.Abs(float64(v.(types.Double))))
				}))),
		cel.Function("min",
			cel.Overload("min_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					return types.Double(math.Min(float64(a.(types.Double)), float64(b.(types.Double))))
				}))),
		cel.Function("max",
			cel.Overload("max_double_double", []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType,
				cel.BinaryBinding(func(a, b ref.Val) ref.Val {
					return types.Double(math.Max(float64(a.(types.Double)), float64(b.(types.Double))))
				}))),
	)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, 500, "building expression environment failed")
	}
	return &evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *evaluator) eval(expr string, doc map[string]interface{}) (interface{}, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(map[string]interface{}{"doc": doc})
	if err != nil {
		return nil, apperror.Validation("rule expression failed: %v", err)
	}
	return out.Value(), nil
}

func (e *evaluator) evalBool(expr string, doc map[string]interface{}) (bool, error) {
	v, err := e.eval(expr, doc)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, apperror.Validation("conditional expression %q did not yield a boolean", expr)
	}
	return b, nil
}

func (e *evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss.Err() != nil {
		return nil, apperror.Validation("invalid rule expression %q: %v", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, apperror.Validation("rule expression %q does not build: %v", expr, err)
	}
	e.cache[expr] = prg
	return prg, nil
}
