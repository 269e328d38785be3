package domain

import "time"

// Rule is a named, versioned policy unit: a condition tree plus the ordered
// actions dispatched when the tree matches.
type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Category    Category       `json:"category" yaml:"category"`
	Conditions  *Condition     `json:"conditions" yaml:"conditions"`
	Actions     []Action       `json:"actions" yaml:"actions"`
	Priority    int            `json:"priority" yaml:"priority"` // higher wins conflicts
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Version     string         `json:"version" yaml:"version"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt" yaml:"updatedAt"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Statistics is owned by the engine. Values supplied by callers are ignored.
	Statistics RuleStatistics `json:"statistics" yaml:"-"`
}

// Category groups rules for introspection.
type Category string

const (
	CategoryPerformance    Category = "performance"
	CategoryUserExperience Category = "user-experience"
	CategoryResource       Category = "resource"
	CategorySecurity       Category = "security"
	CategoryCustom         Category = "custom"
)

// RuleStatistics are the per-rule counters maintained by the engine.
type RuleStatistics struct {
	TriggeredCount   int64         `json:"triggeredCount"`
	ExecutedCount    int64         `json:"executedCount"`
	FailedCount      int64         `json:"failedCount"`
	AvgExecutionTime time.Duration `json:"avgExecutionTime"`
	SuccessRate      float64       `json:"successRate"`
	LastTriggeredAt  *time.Time    `json:"lastTriggeredAt,omitempty"`
	LastExecutedAt   *time.Time    `json:"lastExecutedAt,omitempty"`
}

// NewRuleStatistics returns zeroed counters. SuccessRate starts at 1.
func NewRuleStatistics() RuleStatistics {
	return RuleStatistics{SuccessRate: 1}
}

// ConditionType discriminates the Condition union.
type ConditionType string

const (
	ConditionSimple     ConditionType = "simple"
	ConditionComposite  ConditionType = "composite"
	ConditionExpression ConditionType = "expression" // CEL
	ConditionLogic      ConditionType = "logic"      // JSON-logic
	ConditionAggregate  ConditionType = "aggregate"  // statistic over context history
)

// Aggregation reduces the numeric samples of an aggregate leaf to one number.
type Aggregation string

const (
	AggAvg        Aggregation = "avg"
	AggSum        Aggregation = "sum"
	AggCount      Aggregation = "count"
	AggMin        Aggregation = "min"
	AggMax        Aggregation = "max"
	AggStd        Aggregation = "std" // population standard deviation
	AggMedian     Aggregation = "median"
	AggPercentile Aggregation = "percentile"
)

// Aggregate leaf defaults.
const (
	DefaultTimeWindowMs = 60000
	DefaultPercentile   = 90
)

// Operator is either a comparison (simple leaves) or a combinator (composites).
type Operator string

// Comparison operators.
const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpBetween  Operator = "between"
	OpRegex    Operator = "regex"
	OpExists   Operator = "exists"
	OpAbsent   Operator = "absent"
)

// Combinators.
const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
	OpNot Operator = "not"
)

// Condition is a node of a rule's condition tree.
//
// Simple leaves compare the value at Field against Value (or Threshold when
// Value is unset). Composite nodes combine Conditions with and/or/not.
// Expression leaves evaluate a CEL expression, logic leaves a JSON-logic
// document, both against the context document.
//
// Aggregate leaves collect the number at Field (relative to each history
// entry, e.g. data.network.latency) from history entries at most TimeWindow
// milliseconds older than the context timestamp, reduce them with
// Aggregation and compare the result like a simple leaf.
type Condition struct {
	ID         string         `json:"id" yaml:"id"`
	Type       ConditionType  `json:"type,omitempty" yaml:"type,omitempty"`
	Field      string         `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   Operator       `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any            `json:"value,omitempty" yaml:"value,omitempty"`
	Threshold  *float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expression string         `json:"expression,omitempty" yaml:"expression,omitempty"`
	Logic      map[string]any `json:"logic,omitempty" yaml:"logic,omitempty"`

	Aggregation Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	TimeWindow  int64       `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"` // ms
	Percentile  float64     `json:"percentile,omitempty" yaml:"percentile,omitempty"` // 0 means 90
}

// Kind resolves the effective type of the node, inferring it when Type is empty.
func (c *Condition) Kind() ConditionType {
	if c.Type != "" {
		return c.Type
	}
	switch {
	case c.Expression != "":
		return ConditionExpression
	case c.Logic != nil:
		return ConditionLogic
	case c.Aggregation != "":
		return ConditionAggregate
	case len(c.Conditions) > 0 || c.Operator == OpAnd || c.Operator == OpOr || c.Operator == OpNot:
		return ConditionComposite
	default:
		return ConditionSimple
	}
}

// Action is a declarative instruction dispatched to the handler registered
// for its Type. Target names the resource it affects.
type Action struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Target     string         `json:"target" yaml:"target"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Priority   int            `json:"priority" yaml:"priority"`

	// Delay postpones dispatch; it is not counted against the execution timeout.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Rollback asks the handler to undo partial effects when dispatch fails.
	Rollback bool `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// Action types understood by the default handler set.
const (
	ActionUIAdjustment            = "ui-adjustment"
	ActionResourceAllocation      = "resource-allocation"
	ActionFeaturePrioritization   = "feature-prioritization"
	ActionBehaviorChange          = "behavior-change"
	ActionPerformanceOptimization = "performance-optimization"
)

// RulePatch is a partial update. Nil fields are left unchanged.
type RulePatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Category    *Category       `json:"category,omitempty"`
	Conditions  *Condition      `json:"conditions,omitempty"`
	Actions     *[]Action       `json:"actions,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Tags        *[]string       `json:"tags,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
}

// RuleFilter selects rules for listing. Empty fields match every rule.
type RuleFilter struct {
	Category Category
	Tag      string
}

// Match reports whether r passes the filter.
func (f RuleFilter) Match(r *Rule) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Tag == "" {
		return true
	}
	for _, t := range r.Tags {
		if t == f.Tag {
			return true
		}
	}
	return false
}
