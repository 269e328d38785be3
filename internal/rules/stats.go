package rules

import (
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Statistics aggregates the per-rule counters. Idle rules contribute their
// default success rate of 1; an empty registry reports 1.
func (e *Engine) Statistics() domain.EngineStatistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return aggregate(e.registry.list())
}

func aggregate(rules []*domain.Rule) domain.EngineStatistics {
	stats := domain.EngineStatistics{
		TotalRules:     len(rules),
		AvgSuccessRate: 1,
	}
	if len(rules) == 0 {
		return stats
	}

	var rateSum float64
	for _, r := range rules {
		if r.Enabled {
			stats.EnabledRules++
		} else {
			stats.DisabledRules++
		}
		stats.TotalTriggers += r.Statistics.TriggeredCount
		stats.TotalExecutions += r.Statistics.ExecutedCount
		stats.TotalFailures += r.Statistics.FailedCount
		rateSum += r.Statistics.SuccessRate
	}
	stats.AvgSuccessRate = rateSum / float64(len(rules))
	return stats
}

// recordTriggers bumps triggeredCount for each rule. Updates tagged with a
// stale epoch are dropped.
func (e *Engine) recordTriggers(epoch uint64, ruleIDs []string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.EnableStatistics || e.registry.epoch != epoch {
		return
	}
	for _, id := range ruleIDs {
		rule, ok := e.registry.get(id)
		if !ok {
			continue
		}
		rule.Statistics.TriggeredCount++
		t := at
		rule.Statistics.LastTriggeredAt = &t
	}
}

// recordOutcome folds one execution result into its rule's counters.
func (e *Engine) recordOutcome(epoch uint64, res domain.ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.EnableStatistics || e.registry.epoch != epoch {
		return
	}
	rule, ok := e.registry.get(res.RuleID)
	if !ok {
		return
	}
	applyOutcome(&rule.Statistics, res)
}

// applyOutcome updates counters, the running average of successful execution
// times, and the success rate.
func applyOutcome(s *domain.RuleStatistics, res domain.ExecutionResult) {
	if res.Success {
		s.ExecutedCount++
		total := s.AvgExecutionTime * time.Duration(s.ExecutedCount-1)
		s.AvgExecutionTime = (total + res.ExecutionTime) / time.Duration(s.ExecutedCount)
		t := res.Timestamp
		s.LastExecutedAt = &t
	} else {
		s.FailedCount++
	}

	if attempts := s.ExecutedCount + s.FailedCount; attempts > 0 {
		s.SuccessRate = float64(s.ExecutedCount) / float64(attempts)
	} else {
		s.SuccessRate = 1
	}
}
