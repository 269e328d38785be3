package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Step is one action scheduled for dispatch.
type Step struct {
	RuleID   string
	Priority int
	Action   domain.Action
}

// Plan is the conflict-resolved execution order for a set of matched rules.
type Plan struct {
	Steps     []Step
	Skipped   []domain.SkippedAction
	Conflicts []domain.Conflict
}

// Analyze detects priority ties and shared action targets among matched
// rules (given in registration order) and builds the action plan.
//
// Rules execute by priority, highest first, ties broken by registration
// order. When several rules act on the same target the strategy picks which
// actions run on it; the others are skipped, not failed.
func Analyze(matched []*domain.Rule, strategy domain.Strategy) Plan {
	strategy = strategy.Normalize()

	ordered := make([]*domain.Rule, len(matched))
	copy(ordered, matched)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var plan Plan
	plan.Conflicts = append(plan.Conflicts, priorityConflicts(ordered)...)

	winners := make(map[string]string)
	for _, tc := range sharedTargets(matched) {
		var winner string
		resolution := string(strategy)
		switch strategy {
		case domain.StrategyFirstMatch:
			winner = tc.rules[0].ID
		case domain.StrategyMerge:
			resolution = "merged in priority order"
		default:
			winner = highest(tc.rules).ID
		}
		if winner != "" {
			winners[tc.target] = winner
			resolution = fmt.Sprintf("%s: %s wins", strategy, winner)
		}

		plan.Conflicts = append(plan.Conflicts, domain.Conflict{
			Type:       domain.ConflictResource,
			RuleIDs:    ids(tc.rules),
			Target:     tc.target,
			Resolution: resolution,
			Reason:     fmt.Sprintf("rules %s target the same resource: %s", strings.Join(ids(tc.rules), ", "), tc.target),
			Severity:   domain.SeverityHigh,
		})
	}

	for _, rule := range ordered {
		for _, action := range rule.Actions {
			if winner, contested := winners[action.Target]; contested && winner != rule.ID {
				plan.Skipped = append(plan.Skipped, domain.SkippedAction{
					RuleID:   rule.ID,
					ActionID: action.ID,
					Target:   action.Target,
					WinnerID: winner,
				})
				continue
			}
			plan.Steps = append(plan.Steps, Step{
				RuleID:   rule.ID,
				Priority: rule.Priority,
				Action:   action,
			})
		}
	}

	return plan
}

// priorityConflicts groups rules (sorted by priority) that share a priority.
func priorityConflicts(ordered []*domain.Rule) []domain.Conflict {
	var conflicts []domain.Conflict
	for i := 0; i < len(ordered); {
		j := i + 1
		for j < len(ordered) && ordered[j].Priority == ordered[i].Priority {
			j++
		}
		if j-i > 1 {
			group := ordered[i:j]
			conflicts = append(conflicts, domain.Conflict{
				Type:       domain.ConflictPriority,
				RuleIDs:    ids(group),
				Resolution: "registration order",
				Reason:     fmt.Sprintf("rules %s have the same priority %d", strings.Join(ids(group), ", "), ordered[i].Priority),
				Severity:   domain.SeverityMedium,
			})
		}
		i = j
	}
	return conflicts
}

type targetClaim struct {
	target string
	rules  []*domain.Rule
}

// sharedTargets returns the targets claimed by two or more rules, in order of
// first appearance. Empty targets never conflict.
func sharedTargets(matched []*domain.Rule) []targetClaim {
	var claims []targetClaim
	index := make(map[string]int)

	for _, rule := range matched {
		seen := make(map[string]bool)
		for _, action := range rule.Actions {
			if action.Target == "" || seen[action.Target] {
				continue
			}
			seen[action.Target] = true

			i, ok := index[action.Target]
			if !ok {
				i = len(claims)
				index[action.Target] = i
				claims = append(claims, targetClaim{target: action.Target})
			}
			claims[i].rules = append(claims[i].rules, rule)
		}
	}

	shared := claims[:0]
	for _, c := range claims {
		if len(c.rules) > 1 {
			shared = append(shared, c)
		}
	}
	return shared
}

// highest returns the highest-priority rule; the earliest registered wins ties.
func highest(rules []*domain.Rule) *domain.Rule {
	best := rules[0]
	for _, r := range rules[1:] {
		if r.Priority > best.Priority {
			best = r
		}
	}
	return best
}

func ids(rules []*domain.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}
