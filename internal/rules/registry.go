package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
)

// registry keeps rules in registration order. It is not synchronized; the
// engine guards it with its own lock.
type registry struct {
	rules map[string]*domain.Rule
	order []string

	// revision changes whenever the evaluable rule set changes.
	revision uint64

	// epoch changes on every reset.
	epoch uint64
}

func newRegistry() *registry {
	return &registry{rules: make(map[string]*domain.Rule)}
}

func (r *registry) get(id string) (*domain.Rule, bool) {
	rule, ok := r.rules[id]
	return rule, ok
}

// put inserts rule, or replaces an existing rule in place keeping its position.
func (r *registry) put(rule *domain.Rule) {
	if _, ok := r.rules[rule.ID]; !ok {
		r.order = append(r.order, rule.ID)
	}
	r.rules[rule.ID] = rule
	r.revision++
}

func (r *registry) delete(id string) bool {
	if _, ok := r.rules[id]; !ok {
		return false
	}
	delete(r.rules, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.revision++
	return true
}

func (r *registry) list() []*domain.Rule {
	out := make([]*domain.Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id])
	}
	return out
}

func (r *registry) clear() {
	r.rules = make(map[string]*domain.Rule)
	r.order = nil
	r.revision++
	r.epoch++
}

func (r *registry) len() int {
	return len(r.order)
}

// AddRule validates and registers a rule. A missing id is assigned.
// Duplicate ids fail with ErrDuplicateRule unless AllowOverwrite is set.
func (e *Engine) AddRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := e.validateRule(&rule); err != nil {
		return domain.Rule{}, err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Statistics = domain.NewRuleStatistics()
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}
	stored := cloneRule(&rule)

	e.mu.Lock()
	if _, exists := e.registry.get(rule.ID); exists && !e.cfg.AllowOverwrite {
		e.mu.Unlock()
		return domain.Rule{}, fmt.Errorf("%w: %s", domain.ErrDuplicateRule, rule.ID)
	}
	e.registry.put(stored)
	e.mu.Unlock()

	e.logger.Info("rule added", "rule_id", rule.ID, "name", rule.Name)
	e.emitter.Emit(ctx, events.RuleAdded, *cloneRule(stored))

	return *cloneRule(stored), nil
}

// GetRule returns a copy of the rule. ok is false when id is unknown.
func (e *Engine) GetRule(id string) (domain.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.registry.get(id)
	if !ok {
		return domain.Rule{}, false
	}
	return *cloneRule(rule), true
}

// ListRules returns every rule, enabled or not, in registration order.
func (e *Engine) ListRules() []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := e.registry.list()
	out := make([]domain.Rule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, *cloneRule(rule))
	}
	return out
}

// FilterRules returns the rules passing f, in registration order.
func (e *Engine) FilterRules(f domain.RuleFilter) []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := []domain.Rule{}
	for _, rule := range e.registry.list() {
		if f.Match(rule) {
			out = append(out, *cloneRule(rule))
		}
	}
	return out
}

// RulesByCategory returns the rules in category.
func (e *Engine) RulesByCategory(category domain.Category) []domain.Rule {
	return e.FilterRules(domain.RuleFilter{Category: category})
}

// RulesByTag returns the rules carrying tag.
func (e *Engine) RulesByTag(tag string) []domain.Rule {
	return e.FilterRules(domain.RuleFilter{Tag: tag})
}

// UpdateRule merges patch into the rule and bumps its patch version.
// Statistics carry over.
func (e *Engine) UpdateRule(ctx context.Context, id string, patch domain.RulePatch) (domain.Rule, error) {
	e.mu.Lock()
	current, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		return domain.Rule{}, &domain.RuleNotFoundError{ID: id}
	}

	updated := cloneRule(current)
	applyPatch(updated, patch)
	updated.UpdatedAt = time.Now()
	updated.Version = bumpPatch(current.Version)

	if err := e.validateRule(updated); err != nil {
		e.mu.Unlock()
		return domain.Rule{}, err
	}

	e.registry.put(updated)
	e.mu.Unlock()

	e.logger.Info("rule updated", "rule_id", id, "version", updated.Version)
	e.emitter.Emit(ctx, events.RuleUpdated, *cloneRule(updated))

	return *cloneRule(updated), nil
}

// RemoveRule deletes a rule. Unknown ids are ignored.
func (e *Engine) RemoveRule(ctx context.Context, id string) bool {
	e.mu.Lock()
	removed := e.registry.delete(id)
	e.mu.Unlock()

	if removed {
		e.logger.Info("rule removed", "rule_id", id)
		e.emitter.Emit(ctx, events.RuleRemoved, id)
	}
	return removed
}

// EnableRule makes a rule visible to evaluation.
func (e *Engine) EnableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, true)
}

// DisableRule hides a rule from evaluation.
func (e *Engine) DisableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	current, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		return &domain.RuleNotFoundError{ID: id}
	}
	updated := cloneRule(current)
	updated.Enabled = enabled
	updated.UpdatedAt = time.Now()
	e.registry.put(updated)
	e.mu.Unlock()

	name := events.RuleDisabled
	if enabled {
		name = events.RuleEnabled
	}
	e.logger.Info("rule "+strings.TrimPrefix(string(name), "rule-"), "rule_id", id)
	e.emitter.Emit(ctx, name, id)
	return nil
}

// ValidateRule checks a rule without registering it.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidRule)
	}
	return e.validateRule(rule)
}

func (e *Engine) validateRule(rule *domain.Rule) error {
	if rule.ID == "" || rule.Name == "" {
		return fmt.Errorf("%w: rule must have id and name", domain.ErrInvalidRule)
	}
	if rule.Conditions == nil {
		return fmt.Errorf("%w: rule %s must have conditions", domain.ErrInvalidRule, rule.ID)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("%w: rule %s must have at least one action", domain.ErrInvalidRule, rule.ID)
	}
	if rule.Priority < 0 || rule.Priority > 100 {
		return fmt.Errorf("%w: rule %s priority must be between 0 and 100", domain.ErrInvalidRule, rule.ID)
	}
	if err := e.evaluator.Validate(rule.Conditions); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
	}
	return nil
}

func applyPatch(rule *domain.Rule, patch domain.RulePatch) {
	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.Category != nil {
		rule.Category = *patch.Category
	}
	if patch.Conditions != nil {
		rule.Conditions = cloneCondition(patch.Conditions)
	}
	if patch.Actions != nil {
		rule.Actions = cloneActions(*patch.Actions)
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.Tags != nil {
		rule.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Metadata != nil {
		rule.Metadata = cloneMap(*patch.Metadata)
	}
}

// bumpPatch increments the last component of a major.minor.patch version.
func bumpPatch(version string) string {
	parts := strings.Split(version, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		patch = 0
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}

func cloneRule(r *domain.Rule) *domain.Rule {
	c := *r
	c.Conditions = cloneCondition(r.Conditions)
	c.Actions = cloneActions(r.Actions)
	c.Metadata = cloneMap(r.Metadata)
	c.Tags = append([]string(nil), r.Tags...)
	if r.Statistics.LastTriggeredAt != nil {
		t := *r.Statistics.LastTriggeredAt
		c.Statistics.LastTriggeredAt = &t
	}
	if r.Statistics.LastExecutedAt != nil {
		t := *r.Statistics.LastExecutedAt
		c.Statistics.LastExecutedAt = &t
	}
	return &c
}

func cloneCondition(c *domain.Condition) *domain.Condition {
	if c == nil {
		return nil
	}
	out := *c
	if c.Threshold != nil {
		th := *c.Threshold
		out.Threshold = &th
	}
	if c.Conditions != nil {
		out.Conditions = make([]domain.Condition, len(c.Conditions))
		for i := range c.Conditions {
			out.Conditions[i] = *cloneCondition(&c.Conditions[i])
		}
	}
	out.Logic = cloneMap(c.Logic)
	return &out
}

func cloneActions(actions []domain.Action) []domain.Action {
	if actions == nil {
		return nil
	}
	out := make([]domain.Action, len(actions))
	for i, a := range actions {
		a.Parameters = cloneMap(a.Parameters)
		out[i] = a
	}
	return out
}

// cloneMap copies the top level only; nested values are treated as read-only.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
