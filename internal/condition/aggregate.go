package condition

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/value"
)

func validateAggregate(cond *domain.Condition) error {
	if cond.Field == "" {
		return fmt.Errorf("aggregate requires a field")
	}
	if cond.TimeWindow < 0 {
		return fmt.Errorf("timeWindow must not be negative")
	}
	switch aggregation(cond) {
	case domain.AggAvg, domain.AggSum, domain.AggCount, domain.AggMin,
		domain.AggMax, domain.AggStd, domain.AggMedian:
	case domain.AggPercentile:
		if cond.Percentile < 0 || cond.Percentile > 100 {
			return fmt.Errorf("percentile must be between 0 and 100, got %g", cond.Percentile)
		}
	default:
		return fmt.Errorf("unknown aggregation %q", cond.Aggregation)
	}
	return nil
}

func aggregation(cond *domain.Condition) domain.Aggregation {
	if cond.Aggregation == "" {
		return domain.AggAvg
	}
	return cond.Aggregation
}

// matchAggregate reduces the windowed history samples at cond.Field and
// compares the result with the leaf's operator.
func (e *Evaluator) matchAggregate(cond *domain.Condition, doc *Document) leaf {
	if err := validateAggregate(cond); err != nil {
		return leaf{issue: err.Error()}
	}

	samples := windowSamples(cond, doc)
	agg, ok := reduce(aggregation(cond), samples, percentile(cond))
	if !ok {
		return leaf{expected: value.Interface(operand(cond))}
	}
	return e.compare(cond, value.Number(agg))
}

func percentile(cond *domain.Condition) float64 {
	if cond.Percentile == 0 {
		return domain.DefaultPercentile
	}
	return cond.Percentile
}

// windowSamples returns the numbers at cond.Field of history entries no older
// than the window. The window is anchored at the context timestamp, or at the
// current time when the context carries none.
func windowSamples(cond *domain.Condition, doc *Document) []float64 {
	window := cond.TimeWindow
	if window == 0 {
		window = domain.DefaultTimeWindowMs
	}

	ref := time.Now().UnixMilli()
	if ts, ok := value.Lookup(doc.Root, "timestamp").(value.Number); ok && ts != 0 {
		ref = int64(ts)
	}

	entries, _ := value.Lookup(doc.Root, "history").(value.Array)
	samples := make([]float64, 0, len(entries))
	for _, entry := range entries {
		ts, ok := value.Lookup(entry, "timestamp").(value.Number)
		if !ok || ref-int64(ts) > window {
			continue
		}
		if n, ok := value.Lookup(entry, cond.Field).(value.Number); ok {
			samples = append(samples, float64(n))
		}
	}
	return samples
}

// reduce aggregates samples. ok is false when the aggregation is undefined
// for an empty sample set.
func reduce(agg domain.Aggregation, samples []float64, pct float64) (float64, bool) {
	switch agg {
	case domain.AggCount:
		return float64(len(samples)), true
	case domain.AggSum:
		return sum(samples), true
	}

	if len(samples) == 0 {
		return 0, false
	}

	switch agg {
	case domain.AggAvg:
		return sum(samples) / float64(len(samples)), true
	case domain.AggMin:
		m := samples[0]
		for _, s := range samples[1:] {
			m = math.Min(m, s)
		}
		return m, true
	case domain.AggMax:
		m := samples[0]
		for _, s := range samples[1:] {
			m = math.Max(m, s)
		}
		return m, true
	case domain.AggStd:
		mean := sum(samples) / float64(len(samples))
		var variance float64
		for _, s := range samples {
			variance += (s - mean) * (s - mean)
		}
		return math.Sqrt(variance / float64(len(samples))), true
	case domain.AggMedian:
		sorted := sortedCopy(samples)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2, true
		}
		return sorted[mid], true
	case domain.AggPercentile:
		// Nearest rank
		sorted := sortedCopy(samples)
		idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
		idx = max(0, min(idx, len(sorted)-1))
		return sorted[idx], true
	}
	return 0, false
}

func sum(samples []float64) float64 {
	var total float64
	for _, s := range samples {
		total += s
	}
	return total
}

func sortedCopy(samples []float64) []float64 {
	out := append([]float64(nil), samples...)
	sort.Float64s(out)
	return out
}
