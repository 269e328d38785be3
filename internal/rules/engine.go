// Package rules is the condition-action rule engine: an ordered in-memory
// registry, a parallel evaluator, a conflict analyzer and an action
// dispatcher that keeps per-rule statistics.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/condition"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine evaluates rules against contexts and dispatches their actions.
// All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	registry *registry
	cfg      domain.EngineConfig

	evaluator *condition.Evaluator
	handlers  *HandlerRegistry
	emitter   *events.Emitter
	history   *history
	defaults  func() []domain.Rule

	cache    domain.Cache
	cacheNS  string
	cacheTTL time.Duration

	digestMu sync.Mutex
	digest   ruleDigest

	// beforeRule runs ahead of each rule evaluation. Tests use it to stall
	// a rule past the evaluation timeout.
	beforeRule func(ctx context.Context, rule *domain.Rule)

	logger *slog.Logger
	tracer trace.Tracer
}

// New builds an independent engine seeded with the default rules and emits
// initialized.
func New(opts ...Option) (*Engine, error) {
	o := options{
		config:   domain.DefaultEngineConfig(),
		defaults: DefaultRules,
		cacheNS:  "harrier",
		cacheTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.handlers == nil {
		o.handlers = BuiltinHandlers(o.logger)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("harrier-rules")
	}

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry:  newRegistry(),
		cfg:       o.config,
		evaluator: evaluator,
		handlers:  o.handlers,
		emitter:   events.NewEmitter(o.logger, events.Initialized),
		history:   newHistory(o.config.MaxHistorySize),
		defaults:  o.defaults,
		cache:     o.cache,
		cacheNS:   o.cacheNS,
		cacheTTL:  o.cacheTTL,
		logger:    o.logger,
		tracer:    o.tracer,
	}

	for _, s := range o.subscribers {
		e.emitter.On(s.name, s.fn)
	}

	seeded, err := e.seedRules()
	if err != nil {
		return nil, err
	}
	for _, r := range seeded {
		e.registry.put(r)
	}

	e.logger.Info("rule engine initialized", "rules", e.registry.len())
	e.emitter.Emit(context.Background(), events.Initialized, e.Statistics())

	return e, nil
}

// seedRules validates and stamps the default rules.
func (e *Engine) seedRules() ([]*domain.Rule, error) {
	now := time.Now()
	var rules []*domain.Rule
	for _, r := range e.defaults() {
		rule := r
		if err := e.validateRule(&rule); err != nil {
			return nil, fmt.Errorf("default rule %s: %w", rule.ID, err)
		}
		rule.CreatedAt = now
		rule.UpdatedAt = now
		rule.Statistics = domain.NewRuleStatistics()
		if rule.Version == "" {
			rule.Version = "1.0.0"
		}
		rules = append(rules, cloneRule(&rule))
	}
	return rules, nil
}

// Handlers returns the action handler registry.
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// On subscribes to an engine event. The returned function unsubscribes.
func (e *Engine) On(name events.Name, fn events.Listener) func() {
	return e.emitter.On(name, fn)
}

// Once subscribes to the next emission of an engine event.
func (e *Engine) Once(name events.Name, fn events.Listener) func() {
	return e.emitter.Once(name, fn)
}

// OnAny subscribes to every engine event.
func (e *Engine) OnAny(fn events.Listener) func() {
	return e.emitter.OnAny(fn)
}

// snapshot is a consistent view of the evaluable rules.
type snapshot struct {
	rules    []*domain.Rule
	cfg      domain.EngineConfig
	revision uint64
	epoch    uint64
}

func (e *Engine) snapshot() snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	all := e.registry.list()
	enabled := make([]*domain.Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return snapshot{
		rules:    enabled,
		cfg:      e.cfg,
		revision: e.registry.revision,
		epoch:    e.registry.epoch,
	}
}

// Evaluate returns one result per enabled rule, in registration order.
func (e *Engine) Evaluate(ctx context.Context, rc *domain.Context) []domain.EvaluationResult {
	run, _ := e.evaluate(ctx, rc)
	return run.Results
}

// EvaluateRun is Evaluate with run metadata.
func (e *Engine) EvaluateRun(ctx context.Context, rc *domain.Context) *domain.EvaluationRun {
	run, _ := e.evaluate(ctx, rc)
	return run
}

func (e *Engine) evaluate(ctx context.Context, rc *domain.Context) (*domain.EvaluationRun, snapshot) {
	ctx, span := e.tracer.Start(ctx, "rules.Evaluate")
	defer span.End()

	start := time.Now()
	snap := e.snapshot()
	doc := condition.NewDocument(rc)

	run := &domain.EvaluationRun{
		ID:        uuid.New().String(),
		Timestamp: start,
	}

	key := e.memoKey(snap, doc)
	if cached, ok := e.recall(ctx, key, snap); ok {
		run.Results = cached
	} else {
		run.Results, run.TimedOut = e.evaluateAll(ctx, snap, doc)
		if !run.TimedOut {
			e.remember(ctx, key, run.Results)
		}
	}
	run.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("rules.evaluated", len(run.Results)),
		attribute.Int("rules.matched", run.MatchedCount()),
		attribute.Bool("rules.timed_out", run.TimedOut),
	)

	if run.TimedOut {
		e.logger.Warn("evaluation timed out",
			"run_id", run.ID,
			"timeout_ms", snap.cfg.EvaluationTimeout.Milliseconds(),
		)
	}

	e.history.addEvaluations(snap.epoch, run.Results)
	e.emitter.Emit(ctx, events.EvaluationCompleted, run)

	return run, snap
}

type evalSlot struct {
	idx    int
	result domain.EvaluationResult
}

// evaluateAll runs every rule on a bounded worker pool. Rules that have not
// finished when the evaluation timeout fires are reported as timed out.
func (e *Engine) evaluateAll(ctx context.Context, snap snapshot, doc *condition.Document) ([]domain.EvaluationResult, bool) {
	results := make([]domain.EvaluationResult, len(snap.rules))
	if len(snap.rules) == 0 {
		return results, false
	}

	if snap.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, snap.cfg.EvaluationTimeout)
		defer cancel()
	}

	maxWorkers := snap.cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = domain.DefaultEngineConfig().MaxWorkers
	}

	// Buffered so stragglers never block after a timeout
	out := make(chan evalSlot, len(snap.rules))
	sem := make(chan struct{}, maxWorkers)

	go func() {
		for i, rule := range snap.rules {
			select {
			case sem <- struct{}{}: // Acquire
			case <-ctx.Done():
				return
			}
			go func(idx int, r *domain.Rule) {
				defer func() { <-sem }() // Release
				out <- evalSlot{idx: idx, result: e.evaluateRule(ctx, r, doc)}
			}(i, rule)
		}
	}()

	done := make([]bool, len(snap.rules))
	remaining := len(snap.rules)
	timedOut := false

collect:
	for remaining > 0 {
		select {
		case s := <-out:
			results[s.idx] = s.result
			done[s.idx] = true
			remaining--
		case <-ctx.Done():
			timedOut = true
			break collect
		}
	}

	if timedOut {
		now := time.Now()
		for i, ok := range done {
			if !ok {
				results[i] = domain.EvaluationResult{
					RuleID:    snap.rules[i].ID,
					TimedOut:  true,
					Timestamp: now,
				}
			}
		}
	}

	return results, timedOut
}

func (e *Engine) evaluateRule(ctx context.Context, rule *domain.Rule, doc *condition.Document) (res domain.EvaluationResult) {
	res.RuleID = rule.ID
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panicked", "rule_id", rule.ID, "panic", fmt.Sprint(r))
			res = domain.EvaluationResult{RuleID: rule.ID, Timestamp: time.Now()}
		}
	}()

	if e.beforeRule != nil {
		e.beforeRule(ctx, rule)
	}

	out := e.evaluator.Match(ctx, rule.Conditions, doc)
	res.Matched = out.Matched
	res.Confidence = out.Confidence
	res.Conditions = out.Checks
	res.Timestamp = time.Now()
	return res
}

// Execute evaluates, resolves conflicts and dispatches the planned actions.
// It returns one result per attempted action.
func (e *Engine) Execute(ctx context.Context, rc *domain.Context) []domain.ExecutionResult {
	return e.ExecuteReport(ctx, rc).Results
}

// ExecuteReport is Execute with the evaluations, conflicts and skipped
// actions that led to the results.
func (e *Engine) ExecuteReport(ctx context.Context, rc *domain.Context) *domain.ExecutionReport {
	ctx, span := e.tracer.Start(ctx, "rules.Execute")
	defer span.End()

	start := time.Now()
	run, snap := e.evaluate(ctx, rc)

	report := &domain.ExecutionReport{
		ID:          uuid.New().String(),
		Timestamp:   start,
		Evaluations: run.Results,
		Results:     []domain.ExecutionResult{},
	}

	byID := make(map[string]*domain.Rule, len(snap.rules))
	for _, r := range snap.rules {
		byID[r.ID] = r
	}
	var matched []*domain.Rule
	var matchedIDs []string
	for _, res := range run.Results {
		if !res.Matched {
			continue
		}
		r, ok := byID[res.RuleID]
		if !ok {
			e.logger.Warn("matched rule not in snapshot", "run_id", run.ID, "rule_id", res.RuleID)
			continue
		}
		matched = append(matched, r)
		matchedIDs = append(matchedIDs, res.RuleID)
	}

	if len(matched) == 0 {
		e.logger.Debug("no rules matched", "run_id", run.ID)
		report.DurationMs = time.Since(start).Milliseconds()
		e.emitter.Emit(ctx, events.ExecutionCompleted, report)
		return report
	}

	now := time.Now()
	e.recordTriggers(snap.epoch, matchedIDs, now)
	for _, res := range run.Results {
		if res.Matched {
			e.logger.Info("rule triggered", "rule_id", res.RuleID, "confidence", res.Confidence)
			e.emitter.Emit(ctx, events.RuleTriggered, events.Trigger{
				RuleID:     res.RuleID,
				Confidence: res.Confidence,
				Timestamp:  now,
			})
		}
	}

	plan := Analyze(matched, snap.cfg.ConflictResolutionStrategy)
	report.Conflicts = plan.Conflicts
	report.Skipped = plan.Skipped
	if len(plan.Conflicts) > 0 {
		e.logger.Warn("conflicts detected",
			"count", len(plan.Conflicts),
			"skipped", len(plan.Skipped),
			"strategy", string(snap.cfg.ConflictResolutionStrategy.Normalize()),
		)
		e.emitter.Emit(ctx, events.ConflictsDetected, plan.Conflicts)
	}

	for _, step := range plan.Steps {
		res := e.dispatch(ctx, step, rc, snap.cfg)
		e.recordOutcome(snap.epoch, res)
		report.Results = append(report.Results, res)
		e.emitter.Emit(ctx, events.ActionExecuted, res)
		if res.Rollback {
			e.emitter.Emit(ctx, events.ActionRolledBack, res)
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("actions.planned", len(plan.Steps)),
		attribute.Int("actions.skipped", len(plan.Skipped)),
	)

	e.history.addExecutions(snap.epoch, report.Results)
	e.emitter.Emit(ctx, events.ExecutionCompleted, report)

	return report
}

// Config returns the current engine configuration.
func (e *Engine) Config() domain.EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig merges patch into the configuration and emits config-updated.
func (e *Engine) UpdateConfig(ctx context.Context, patch domain.ConfigPatch) domain.EngineConfig {
	e.mu.Lock()
	e.cfg = patch.Apply(e.cfg)
	cfg := e.cfg
	e.mu.Unlock()

	if patch.MaxHistorySize != nil {
		e.history.resize(cfg.MaxHistorySize)
	}

	e.logger.Info("engine config updated",
		"strategy", string(cfg.ConflictResolutionStrategy),
		"max_workers", cfg.MaxWorkers,
	)
	e.emitter.Emit(ctx, events.ConfigUpdated, cfg)
	return cfg
}

// Reset drops every rule, statistic and history entry, reseeds the default
// rules and emits reset. In-flight Execute calls stop updating statistics.
func (e *Engine) Reset(ctx context.Context) error {
	seeded, err := e.seedRules()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.registry.clear()
	for _, r := range seeded {
		e.registry.put(r)
	}
	stats := aggregate(e.registry.list())
	e.history.clear(e.registry.epoch)
	e.mu.Unlock()

	e.logger.Info("rule engine reset", "rules", stats.TotalRules)
	e.emitter.Emit(ctx, events.Reset, stats)
	return nil
}

// Close releases the evaluation cache.
func (e *Engine) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// ruleDigest fingerprints the content of an evaluable rule set.
type ruleDigest struct {
	epoch    uint64
	revision uint64
	sum      string
}

// memoKey hashes the rule set content together with the context document.
// Engines sharing a cache only share results when both hash the same.
func (e *Engine) memoKey(snap snapshot, doc *condition.Document) string {
	if e.cache == nil {
		return ""
	}
	set, err := e.rulesDigest(snap)
	if err != nil {
		return ""
	}
	data, err := json.Marshal(doc.Plain)
	if err != nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(set))
	h.Write(data)
	return "eval:" + hex.EncodeToString(h.Sum(nil))
}

// rulesDigest hashes the id and condition tree of each rule in order. It is
// recomputed only when the registry revision or epoch moves.
func (e *Engine) rulesDigest(snap snapshot) (string, error) {
	e.digestMu.Lock()
	defer e.digestMu.Unlock()

	if e.digest.sum != "" && e.digest.epoch == snap.epoch && e.digest.revision == snap.revision {
		return e.digest.sum, nil
	}

	h := sha256.New()
	for _, r := range snap.rules {
		conds, err := json.Marshal(r.Conditions)
		if err != nil {
			return "", fmt.Errorf("rule %s: %w", r.ID, err)
		}
		fmt.Fprintf(h, "%s\x00%s\x00", r.ID, conds)
	}
	e.digest = ruleDigest{
		epoch:    snap.epoch,
		revision: snap.revision,
		sum:      hex.EncodeToString(h.Sum(nil)),
	}
	return e.digest.sum, nil
}

// recall returns cached results only when they line up with the snapshot
// rule for rule.
func (e *Engine) recall(ctx context.Context, key string, snap snapshot) ([]domain.EvaluationResult, bool) {
	if key == "" {
		return nil, false
	}
	data, err := e.cache.Get(ctx, e.cacheNS, key)
	if err != nil || data == nil {
		return nil, false
	}
	var results []domain.EvaluationResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	if len(results) != len(snap.rules) {
		return nil, false
	}
	for i, r := range snap.rules {
		if results[i].RuleID != r.ID {
			return nil, false
		}
	}
	now := time.Now()
	for i := range results {
		results[i].Timestamp = now
	}
	return results, true
}

func (e *Engine) remember(ctx context.Context, key string, results []domain.EvaluationResult) {
	if key == "" {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, e.cacheNS, key, data, e.cacheTTL); err != nil {
		e.logger.Debug("evaluation cache write failed", "error", err)
	}
}
