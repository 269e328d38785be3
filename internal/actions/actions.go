// Package actions provides the action handlers a Harrier host registers with
// the rule engine. Handlers do not mutate any UI themselves; they announce
// the action on the event bus for clients to apply, or log it.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
)

// Envelope is the bus payload announcing an action.
type Envelope struct {
	RuleID           string        `json:"ruleId,omitempty"`
	Action           domain.Action `json:"action"`
	ContextTimestamp time.Time     `json:"contextTimestamp"`
	DispatchedAt     time.Time     `json:"dispatchedAt"`
	Rollback         bool          `json:"rollback,omitempty"`
}

// Topic returns the bus topic for an action type (harrier.action.ui-adjustment).
func Topic(actionType string) string {
	return domain.TopicActionPrefix + actionType
}

// Publisher announces actions on the event bus. It implements
// rules.Rollbacker by publishing a rollback envelope on the same topic.
type Publisher struct {
	bus       domain.EventBus
	namespace string
}

// NewPublisher creates a publisher scoped to namespace.
func NewPublisher(bus domain.EventBus, namespace string) *Publisher {
	return &Publisher{bus: bus, namespace: namespace}
}

// Handle publishes the action envelope.
func (p *Publisher) Handle(ctx context.Context, action domain.Action, rc *domain.Context) error {
	return p.publish(ctx, action, rc, false)
}

// Rollback publishes the envelope again with rollback set.
func (p *Publisher) Rollback(ctx context.Context, action domain.Action, rc *domain.Context) error {
	return p.publish(ctx, action, rc, true)
}

func (p *Publisher) publish(ctx context.Context, action domain.Action, rc *domain.Context, rollback bool) error {
	env := Envelope{
		Action:       action,
		DispatchedAt: time.Now(),
		Rollback:     rollback,
	}
	env.RuleID, _ = rules.RuleIDFromContext(ctx)
	if rc != nil {
		env.ContextTimestamp = rc.Timestamp
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal action %s: %w", action.ID, err)
	}

	if err := p.bus.Publish(ctx, p.namespace, Topic(action.Type), payload); err != nil {
		return fmt.Errorf("failed to publish action %s: %w", action.ID, err)
	}
	return nil
}

// Logger records actions in the structured log and does nothing else.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a logging handler.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

// Handle logs the action.
func (l *Logger) Handle(ctx context.Context, action domain.Action, rc *domain.Context) error {
	ruleID, _ := rules.RuleIDFromContext(ctx)
	l.logger.InfoContext(ctx, "action dispatched",
		"rule_id", ruleID,
		"action_id", action.ID,
		"action_type", action.Type,
		"target", action.Target,
		"parameters", action.Parameters,
	)
	return nil
}

// RegisterDefaults installs handlers for the five standard action types.
// behavior-change is only logged; the rest are published on bus. A nil bus
// logs everything.
func RegisterDefaults(reg *rules.HandlerRegistry, bus domain.EventBus, namespace string, logger *slog.Logger) {
	log := NewLogger(logger)
	reg.Register(domain.ActionBehaviorChange, log)

	var h rules.Handler = log
	if bus != nil {
		h = NewPublisher(bus, namespace)
	}
	for _, actionType := range []string{
		domain.ActionUIAdjustment,
		domain.ActionResourceAllocation,
		domain.ActionFeaturePrioritization,
		domain.ActionPerformanceOptimization,
	} {
		reg.Register(actionType, h)
	}
}
