package rules

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/harrier/internal/domain"
)

// BuiltinHandlers returns a registry with a handler for each of the five
// standard action types. The handlers only log the action; hosts replace
// them with real ones (see the actions package).
func BuiltinHandlers(logger *slog.Logger) *HandlerRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	reg := NewHandlerRegistry()
	for _, actionType := range []string{
		domain.ActionUIAdjustment,
		domain.ActionResourceAllocation,
		domain.ActionFeaturePrioritization,
		domain.ActionBehaviorChange,
		domain.ActionPerformanceOptimization,
	} {
		reg.Register(actionType, HandlerFunc(func(ctx context.Context, action domain.Action, rc *domain.Context) error {
			ruleID, _ := RuleIDFromContext(ctx)
			logger.Debug("action applied",
				"rule_id", ruleID,
				"action_id", action.ID,
				"action_type", action.Type,
				"target", action.Target,
			)
			return nil
		}))
	}
	return reg
}
