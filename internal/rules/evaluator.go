package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/pkg/logger"
)

// evalCostLimit bounds the work a single expression may perform
const evalCostLimit = 1000000

var (
	evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total expression evaluations by outcome",
		},
		[]string{"outcome"},
	)

	compileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rule_compile_cache_hits_total",
		Help: "Expression program cache hits",
	})
)

// Evaluator compiles and evaluates boolean condition expressions.
// Compiled programs are cached per expression text; the cache is safe
// for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the expression environment with every context
// variable declared as dynamic
func NewEvaluator() (*Evaluator, error) {
	opts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
	}
	for _, name := range contextVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// ValidateExpression compiles an expression without evaluating it,
// returning a descriptive error for malformed input
func (e *Evaluator) ValidateExpression(expression string) error {
	if expression == "" {
		return fmt.Errorf("expression is empty")
	}
	_, err := e.compile(expression)
	return err
}

// Evaluate runs the expression against the given variable bindings.
// Compile or runtime errors produce Success=false with the error
// captured; a non-boolean result is Success=true, Matched=false.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) *EvaluationResult {
	result := &EvaluationResult{
		Expression: expression,
		Variables:  vars,
	}

	prog, err := e.compile(expression)
	if err != nil {
		result.ErrorMessage = err.Error()
		evaluations.WithLabelValues("compile_error").Inc()
		return result
	}

	out, _, err := prog.Eval(vars)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("evaluation failed: %v", err)
		evaluations.WithLabelValues("eval_error").Inc()
		logger.Debug("Expression evaluation failed",
			logger.String("expression", expression),
			logger.ErrorField(err),
		)
		return result
	}

	result.Success = true
	matched, ok := out.Value().(bool)
	if !ok {
		evaluations.WithLabelValues("non_boolean").Inc()
		return result
	}

	result.Matched = matched
	if matched {
		evaluations.WithLabelValues("matched").Inc()
	} else {
		evaluations.WithLabelValues("not_matched").Inc()
	}
	return result
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		compileCacheHits.Inc()
		return prog, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid expression: %w", issues.Err())
	}

	prog, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(evalCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build expression program: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
