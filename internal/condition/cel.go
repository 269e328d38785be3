package condition

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/harrier/internal/domain"
)

// interruptCheckFrequency is how many comprehension iterations run between
// checks of the evaluation context.
const interruptCheckFrequency = 100

// celCache compiles CEL expressions once and reuses the programs.
type celCache struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newCELCache() (*celCache, error) {
	// Context document variables
	env, err := cel.NewEnv(
		cel.Variable("timestamp", cel.DynType),
		cel.Variable("environment", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("system", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("history", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &celCache{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// program returns the compiled program for expr, compiling it on first use.
func (c *celCache) program(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType &&
		outputType != cel.IntType && outputType != cel.DynType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(interruptCheckFrequency))
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()

	return prg, nil
}

func (c *celCache) eval(ctx context.Context, cond *domain.Condition, doc *Document) leaf {
	l := leaf{expected: cond.Expression}

	prg, err := c.program(cond.Expression)
	if err != nil {
		l.issue = err.Error()
		return l
	}

	out, _, err := prg.ContextEval(ctx, doc.Plain)
	if err != nil {
		l.issue = fmt.Sprintf("evaluation error: %v", err)
		return l
	}

	l.actual = out.Value()
	score, ok := toScore(out)
	if !ok {
		l.issue = fmt.Sprintf("expression returned %s, want bool or number", out.Type().TypeName())
		return l
	}
	l.matched = score > 0
	l.confidence = score
	return l
}

// toScore converts a CEL result to a confidence score. Booleans map to 0/1.
func toScore(val ref.Val) (float64, bool) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0, true
		}
		return 0.0, true
	case types.Double:
		return float64(v), true
	case types.Int:
		return float64(v), true
	case types.Uint:
		return float64(v), true
	default:
		return 0.0, false
	}
}
