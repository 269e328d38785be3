// Package condition evaluates rule condition trees against a context document.
//
// Evaluation is total: malformed paths, incomparable types, broken
// expressions and unknown operators all degrade to a non-matching leaf with
// zero confidence and an Issue describing what went wrong.
//
// Aggregate leaves reduce numeric history samples inside a time window
// anchored at the context timestamp. An empty window aggregates to 0 for
// count and sum and leaves every other aggregation unmatched.
//
// Confidence combines as follows:
//   - leaf: 1 when matched, 0 otherwise (expression leaves may report a
//     fractional score)
//   - and: minimum of the children
//   - or: maximum of the children
//   - not: 1 - child
//
// The result is always clamped to [0,1].
package condition

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/value"
)

// Outcome is the result of matching one condition tree.
type Outcome struct {
	Matched    bool
	Confidence float64
	Checks     []domain.ConditionResult
}

// Evaluator matches condition trees. It is safe for concurrent use; compiled
// expressions and regular expressions are cached across calls.
type Evaluator struct {
	cel    *celCache
	logic  *logicRunner
	regexp *regexpCache
}

// NewEvaluator creates an evaluator with its CEL environment.
func NewEvaluator() (*Evaluator, error) {
	celc, err := newCELCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:    celc,
		logic:  &logicRunner{},
		regexp: newRegexpCache(),
	}, nil
}

// Document is a context prepared for evaluation: the tagged value tree used
// for path lookups plus the plain map handed to expression engines.
type Document struct {
	Root  value.Value
	Plain map[string]any
}

// NewDocument prepares a context for repeated evaluation.
func NewDocument(rc *domain.Context) *Document {
	plain := rc.Document()
	return &Document{
		Root:  value.From(plain),
		Plain: plain,
	}
}

// Match evaluates cond against doc. A nil or empty tree never matches.
func (e *Evaluator) Match(ctx context.Context, cond *domain.Condition, doc *Document) Outcome {
	if cond == nil {
		return Outcome{}
	}
	var checks []domain.ConditionResult
	matched, confidence := e.match(ctx, cond, doc, &checks)
	return Outcome{
		Matched:    matched,
		Confidence: clamp(confidence),
		Checks:     checks,
	}
}

// Validate compiles every expression and regular expression in the tree.
// Other malformed leaves are accepted; they simply never match.
func (e *Evaluator) Validate(cond *domain.Condition) error {
	if cond == nil {
		return fmt.Errorf("condition is required")
	}
	switch cond.Kind() {
	case domain.ConditionComposite:
		for i := range cond.Conditions {
			if err := e.Validate(&cond.Conditions[i]); err != nil {
				return err
			}
		}
	case domain.ConditionExpression:
		if _, err := e.cel.program(cond.Expression); err != nil {
			return fmt.Errorf("condition %s: %w", cond.ID, err)
		}
	case domain.ConditionAggregate:
		if err := validateAggregate(cond); err != nil {
			return fmt.Errorf("condition %s: %w", cond.ID, err)
		}
	case domain.ConditionSimple:
		if cond.Operator != domain.OpRegex {
			return nil
		}
		if pattern, ok := operand(cond).(value.String); ok {
			if _, err := e.regexp.compile(string(pattern)); err != nil {
				return fmt.Errorf("condition %s: %w", cond.ID, err)
			}
		}
	}
	return nil
}

func (e *Evaluator) match(ctx context.Context, cond *domain.Condition, doc *Document, checks *[]domain.ConditionResult) (bool, float64) {
	switch cond.Kind() {
	case domain.ConditionComposite:
		return e.matchComposite(ctx, cond, doc, checks)
	case domain.ConditionExpression:
		return e.record(cond, checks, e.cel.eval(ctx, cond, doc))
	case domain.ConditionLogic:
		return e.record(cond, checks, e.logic.eval(cond, doc))
	case domain.ConditionAggregate:
		return e.record(cond, checks, e.matchAggregate(cond, doc))
	case domain.ConditionSimple:
		return e.record(cond, checks, e.matchSimple(cond, doc))
	default:
		return e.record(cond, checks, leaf{issue: fmt.Sprintf("unknown condition type %q", cond.Type)})
	}
}

func (e *Evaluator) matchComposite(ctx context.Context, cond *domain.Condition, doc *Document, checks *[]domain.ConditionResult) (bool, float64) {
	if len(cond.Conditions) == 0 {
		return false, 0
	}

	switch cond.Operator {
	case domain.OpAnd:
		matched, confidence := true, 1.0
		for i := range cond.Conditions {
			m, c := e.match(ctx, &cond.Conditions[i], doc, checks)
			matched = matched && m
			confidence = math.Min(confidence, c)
		}
		return matched, confidence

	case domain.OpOr:
		matched, confidence := false, 0.0
		for i := range cond.Conditions {
			m, c := e.match(ctx, &cond.Conditions[i], doc, checks)
			matched = matched || m
			confidence = math.Max(confidence, c)
		}
		return matched, confidence

	case domain.OpNot:
		if len(cond.Conditions) != 1 {
			return false, 0
		}
		m, c := e.match(ctx, &cond.Conditions[0], doc, checks)
		return !m, 1 - clamp(c)

	default:
		return false, 0
	}
}

// leaf is the outcome of a single leaf before it is recorded.
type leaf struct {
	matched    bool
	confidence float64
	actual     any
	expected   any
	issue      string
}

func (e *Evaluator) record(cond *domain.Condition, checks *[]domain.ConditionResult, l leaf) (bool, float64) {
	if l.matched && l.confidence == 0 && l.issue == "" {
		l.confidence = 1
	}
	if !l.matched && l.issue != "" {
		l.confidence = 0
	}
	l.confidence = clamp(l.confidence)
	*checks = append(*checks, domain.ConditionResult{
		ConditionID: cond.ID,
		Matched:     l.matched,
		Confidence:  l.confidence,
		Actual:      l.actual,
		Expected:    l.expected,
		Issue:       l.issue,
	})
	return l.matched, l.confidence
}

func clamp(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
