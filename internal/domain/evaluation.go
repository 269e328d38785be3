package domain

import (
	"time"
)

// EvaluationResult is produced once per enabled rule on every evaluation.
type EvaluationResult struct {
	RuleID     string            `json:"ruleId"`
	Matched    bool              `json:"matched"`
	Confidence float64           `json:"confidence"` // always within [0,1]
	Conditions []ConditionResult `json:"conditions,omitempty"`
	TimedOut   bool              `json:"timedOut,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ConditionResult records how a single leaf resolved.
type ConditionResult struct {
	ConditionID string  `json:"conditionId"`
	Matched     bool    `json:"matched"`
	Confidence  float64 `json:"confidence"`
	Actual      any     `json:"actual,omitempty"`
	Expected    any     `json:"expected,omitempty"`
	Issue       string  `json:"issue,omitempty"`
}

// ExecutionResult is produced once per attempted action.
type ExecutionResult struct {
	RuleID          string        `json:"ruleId"`
	ActionID        string        `json:"actionId"`
	ActionType      string        `json:"actionType"`
	Target          string        `json:"target"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	ExecutionTime   time.Duration `json:"executionTime"`
	Rollback        bool          `json:"rollback,omitempty"`
	RollbackSuccess bool          `json:"rollbackSuccess,omitempty"`
	RollbackError   string        `json:"rollbackError,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictPriority ConflictType = "priority"
	ConflictResource ConflictType = "resource"
)

// Severity of a conflict, as reported to subscribers.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict is an ambiguity between two or more matched rules.
type Conflict struct {
	Type       ConflictType `json:"type"`
	RuleIDs    []string     `json:"ruleIds"`
	Target     string       `json:"target,omitempty"`
	Resolution string       `json:"resolution"`
	Reason     string       `json:"reason"`
	Severity   Severity     `json:"severity"`
}

// SkippedAction is an action the conflict analyzer withheld from execution.
type SkippedAction struct {
	RuleID   string `json:"ruleId"`
	ActionID string `json:"actionId"`
	Target   string `json:"target"`
	WinnerID string `json:"winnerId"`
}

// EvaluationRun is one full evaluation pass.
type EvaluationRun struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Results    []EvaluationResult `json:"results"`
	DurationMs int64              `json:"durationMs"`
	TimedOut   bool               `json:"timedOut,omitempty"`
}

// MatchedCount returns how many rules matched in the run.
func (r *EvaluationRun) MatchedCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Matched {
			n++
		}
	}
	return n
}

// ExecutionReport is the detailed outcome of one execute call.
type ExecutionReport struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Evaluations []EvaluationResult `json:"evaluations"`
	Conflicts   []Conflict         `json:"conflicts,omitempty"`
	Skipped     []SkippedAction    `json:"skipped,omitempty"`
	Results     []ExecutionResult  `json:"results"`
	DurationMs  int64              `json:"durationMs"`
}

// EngineStatistics is the engine-wide aggregate, computed on read.
type EngineStatistics struct {
	TotalRules      int     `json:"totalRules"`
	EnabledRules    int     `json:"enabledRules"`
	DisabledRules   int     `json:"disabledRules"`
	TotalTriggers   int64   `json:"totalTriggers"`
	TotalExecutions int64   `json:"totalExecutions"`
	TotalFailures   int64   `json:"totalFailures"`
	AvgSuccessRate  float64 `json:"avgSuccessRate"`
}
