package condition

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/value"
)

// operand returns the right-hand side of a simple leaf. Threshold is used
// when Value is unset.
func operand(cond *domain.Condition) value.Value {
	if cond.Value != nil {
		return value.From(cond.Value)
	}
	if cond.Threshold != nil {
		return value.Number(*cond.Threshold)
	}
	return value.Absent{}
}

func (e *Evaluator) matchSimple(cond *domain.Condition, doc *Document) leaf {
	return e.compare(cond, value.Lookup(doc.Root, cond.Field))
}

// compare applies the leaf's operator to actual and the leaf's operand.
func (e *Evaluator) compare(cond *domain.Condition, actual value.Value) leaf {
	want := operand(cond)

	l := leaf{
		actual:   value.Interface(actual),
		expected: value.Interface(want),
	}

	switch cond.Operator {
	case domain.OpExists:
		l.matched = present(actual)
		return l
	case domain.OpAbsent:
		l.matched = !present(actual)
		return l
	}

	if value.IsAbsent(actual) {
		return l
	}

	switch cond.Operator {
	case domain.OpEq:
		l.matched = value.Equal(actual, want)

	case domain.OpNeq, domain.OpNe:
		l.matched = !value.IsAbsent(want) && !value.Equal(actual, want)

	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		cmp, ok := value.Compare(actual, want)
		if !ok {
			l.issue = fmt.Sprintf("cannot compare %s with %s", actual.Kind(), want.Kind())
			return l
		}
		l.matched = ordered(cond.Operator, cmp)

	case domain.OpContains:
		l.matched = contains(actual, want)

	case domain.OpIn:
		l.matched = contains(want, actual)

	case domain.OpBetween:
		bounds, ok := want.(value.Array)
		if !ok || len(bounds) != 2 {
			l.issue = "between expects a [low, high] pair"
			return l
		}
		lo, okLo := value.Compare(actual, bounds[0])
		hi, okHi := value.Compare(actual, bounds[1])
		if !okLo || !okHi {
			l.issue = fmt.Sprintf("cannot compare %s with bounds", actual.Kind())
			return l
		}
		l.matched = lo >= 0 && hi <= 0

	case domain.OpRegex:
		pattern, ok := want.(value.String)
		if !ok {
			l.issue = "regex operand must be a string"
			return l
		}
		s, ok := actual.(value.String)
		if !ok {
			return l
		}
		re, err := e.regexp.compile(string(pattern))
		if err != nil {
			l.issue = err.Error()
			return l
		}
		l.matched = re.MatchString(string(s))

	default:
		l.issue = fmt.Sprintf("unknown operator %q", cond.Operator)
	}

	return l
}

// present reports whether a field holds something other than absent or null.
func present(v value.Value) bool {
	return !value.IsAbsent(v) && v.Kind() != value.KindNull
}

func ordered(op domain.Operator, cmp int) bool {
	switch op {
	case domain.OpGt:
		return cmp > 0
	case domain.OpGte:
		return cmp >= 0
	case domain.OpLt:
		return cmp < 0
	case domain.OpLte:
		return cmp <= 0
	}
	return false
}

// contains reports whether haystack holds needle: substring for strings,
// element equality for arrays, key presence for objects.
func contains(haystack, needle value.Value) bool {
	switch h := haystack.(type) {
	case value.String:
		n, ok := needle.(value.String)
		return ok && strings.Contains(string(h), string(n))
	case value.Array:
		for _, item := range h {
			if value.Equal(item, needle) {
				return true
			}
		}
		return false
	case value.Object:
		n, ok := needle.(value.String)
		if !ok {
			return false
		}
		_, found := h[string(n)]
		return found
	}
	return false
}

// regexpCache holds compiled patterns keyed by source.
type regexpCache struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func newRegexpCache() *regexpCache {
	return &regexpCache{patterns: make(map[string]*regexp.Regexp)}
}

func (c *regexpCache) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.patterns[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}

	c.mu.Lock()
	c.patterns[pattern] = re
	c.mu.Unlock()
	return re, nil
}
