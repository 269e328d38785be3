package rules

import "github.com/opensource-finance/harrier/internal/domain"

// DefaultRules returns the rule set every engine is seeded with on
// construction and after Reset.
func DefaultRules() []domain.Rule {
	batteryThreshold := 20.0

	return []domain.Rule{
		{
			ID:          "rule-mobile-optimization",
			Name:        "Mobile Optimization",
			Description: "Optimize UI for mobile devices",
			Category:    domain.CategoryUserExperience,
			Tags:        []string{"ui", "mobile", "responsive"},
			Conditions: &domain.Condition{
				ID:       "cond-mobile-device",
				Type:     domain.ConditionSimple,
				Field:    "environment.device.type",
				Operator: domain.OpEq,
				Value:    "mobile",
			},
			Actions: []domain.Action{{
				ID:     "action-compact-ui",
				Type:   domain.ActionUIAdjustment,
				Target: "widget",
				Parameters: map[string]any{
					"compactMode": true,
					"fontSize":    "small",
					"animations":  false,
				},
				Priority: 10,
			}},
			Priority: 10,
			Enabled:  true,
			Version:  "1.0.0",
		},
		{
			ID:          "rule-low-network-optimization",
			Name:        "Low Network Optimization",
			Description: "Optimize for slow network",
			Category:    domain.CategoryPerformance,
			Tags:        []string{"performance", "network", "optimization"},
			Conditions: &domain.Condition{
				ID:       "cond-slow-network",
				Type:     domain.ConditionSimple,
				Field:    "environment.network.speed",
				Operator: domain.OpEq,
				Value:    "slow",
			},
			Actions: []domain.Action{{
				ID:     "action-lazy-loading",
				Type:   domain.ActionPerformanceOptimization,
				Target: "system",
				Parameters: map[string]any{
					"lazyLoading":      true,
					"imageCompression": true,
					"requestCaching":   true,
				},
				Priority: 9,
			}},
			Priority: 9,
			Enabled:  true,
			Version:  "1.0.0",
		},
		{
			ID:          "rule-battery-saving",
			Name:        "Battery Saving",
			Description: "Enable battery saving mode",
			Category:    domain.CategoryResource,
			Tags:        []string{"resource", "battery", "power"},
			Conditions: &domain.Condition{
				ID:        "cond-low-battery",
				Type:      domain.ConditionSimple,
				Field:     "environment.device.battery.level",
				Operator:  domain.OpLt,
				Threshold: &batteryThreshold,
			},
			Actions: []domain.Action{{
				ID:     "action-power-save",
				Type:   domain.ActionResourceAllocation,
				Target: "system",
				Parameters: map[string]any{
					"performanceMode": "power-saving",
					"animations":      false,
					"backgroundSync":  false,
				},
				Priority: 8,
			}},
			Priority: 8,
			Enabled:  true,
			Version:  "1.0.0",
		},
		{
			ID:          "rule-work-hours-focus",
			Name:        "Work Hours Focus",
			Description: "Focus mode during work hours",
			Category:    domain.CategoryUserExperience,
			Tags:        []string{"focus", "productivity", "notifications"},
			Conditions: &domain.Condition{
				ID:       "cond-work-hours",
				Type:     domain.ConditionSimple,
				Field:    "environment.time.isWorkHours",
				Operator: domain.OpEq,
				Value:    true,
			},
			Actions: []domain.Action{{
				ID:     "action-focus-mode",
				Type:   domain.ActionFeaturePrioritization,
				Target: "widget",
				Parameters: map[string]any{
					"notifications": "important",
					"autoResponse":  false,
					"focusMode":     true,
				},
				Priority: 7,
			}},
			Priority: 7,
			Enabled:  true,
			Version:  "1.0.0",
		},
		{
			ID:          "rule-idle-mode",
			Name:        "Idle Mode",
			Description: "Reduce resource usage when idle",
			Category:    domain.CategoryResource,
			Tags:        []string{"behavioral", "idle", "power"},
			Conditions: &domain.Condition{
				ID:       "cond-idle",
				Type:     domain.ConditionSimple,
				Field:    "user.activity",
				Operator: domain.OpEq,
				Value:    "idle",
			},
			Actions: []domain.Action{{
				ID:     "action-reduce-resources",
				Type:   domain.ActionResourceAllocation,
				Target: "system",
				Parameters: map[string]any{
					"pollingInterval": 30000,
					"backgroundTasks": false,
				},
				Priority: 6,
			}},
			Priority: 6,
			Enabled:  true,
			Version:  "1.0.0",
		},
	}
}
