// Package cel evaluates API-key restriction conditions written in CEL.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/aegisgate/aegisgate/internal/domain/apikey"
)

// maxExpressionLength is the maximum allowed length for condition expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// newConditionEnvironment creates a CEL environment exposing the
// restriction variables:
//   - scope: the scope being exercised
//   - agent_type: the key's agent type
//   - target: the target identity, "" when none
//   - tier: the owner's subscription tier
//   - hour: hour of day (0-23, UTC)
func newConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("scope", cel.StringType),
		cel.Variable("agent_type", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
}

// Evaluator compiles and evaluates restriction conditions. Compiled
// programs are cached per expression.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an Evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// compile parses and type-checks an expression, returning a program with
// the cost budget and interrupt checks applied.
func (e *Evaluator) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// program returns the cached program for an expression, compiling on miss.
func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that an expression is syntactically valid and
// within the safety limits. Used at catalog load so bad conditions fail at
// startup rather than at authorize time.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.compile(expr); err != nil {
		return fmt.Errorf("invalid condition expression: %w", err)
	}
	return nil
}

// Evaluate runs a condition expression against the given input. Returns
// true only if the expression evaluates to boolean true. Evaluation is
// bounded by evalTimeout and the caller's context.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, input apikey.ConditionInput) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		"scope":      input.Scope,
		"agent_type": input.AgentType,
		"target":     input.Target,
		"tier":       input.Tier,
		"hour":       int64(input.Hour),
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// Compile-time interface verification.
var _ apikey.ConditionEvaluator = (*Evaluator)(nil)
