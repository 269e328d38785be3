package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/velocity"
	"github.com/opensource-finance/harrier/internal/worker"
)

// createTestServer creates a server backed by a fresh engine and no
// persistence.
func createTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()

	if deps.Engine == nil {
		engine, err := rules.New(rules.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
		t.Cleanup(func() { engine.Close() })
		deps.Engine = engine
	}
	if deps.Version == "" {
		deps.Version = "test-v1"
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, deps)
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func deviceContext(deviceType string) domain.Context {
	return domain.Context{
		Timestamp: time.Now(),
		Environment: map[string]any{
			"device": map[string]any{"type": deviceType},
		},
	}
}

func customRule(id string) domain.Rule {
	return domain.Rule{
		ID:   id,
		Name: "Dark Mode At Night",
		Conditions: &domain.Condition{
			ID:       "cond-night",
			Field:    "environment.time.hour",
			Operator: domain.OpGte,
			Value:    22,
		},
		Actions: []domain.Action{{
			ID:     "action-dark-theme",
			Type:   domain.ActionUIAdjustment,
			Target: "theme",
		}},
		Priority: 5,
		Enabled:  true,
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t, Dependencies{})

	t.Run("MobileMatches", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate", deviceContext("mobile"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		run := decode[domain.EvaluationRun](t, rr)
		if run.ID == "" {
			t.Error("expected run id")
		}
		if len(run.Results) != len(rules.DefaultRules()) {
			t.Errorf("expected one result per default rule, got %d", len(run.Results))
		}

		found := false
		for _, res := range run.Results {
			if res.RuleID == "rule-mobile-optimization" {
				found = true
				if !res.Matched || res.Confidence != 1 {
					t.Errorf("expected mobile rule to match, got %+v", res)
				}
			}
		}
		if !found {
			t.Error("mobile rule missing from results")
		}
	})

	t.Run("EvaluateDoesNotTouchStatistics", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules/rule-mobile-optimization", nil)
		rule := decode[domain.Rule](t, rr)
		if rule.Statistics.TriggeredCount != 0 {
			t.Errorf("evaluate must not count triggers, got %d", rule.Statistics.TriggeredCount)
		}
	})

	t.Run("EpochMillisTimestamps", func(t *testing.T) {
		body := `{
			"timestamp": 1700000000000,
			"environment": {"device": {"type": "mobile"}},
			"history": [{"timestamp": 1699999990000, "data": {"latency": 120}}]
		}`
		rr := do(t, server, http.MethodPost, "/evaluate", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		run := decode[domain.EvaluationRun](t, rr)
		for _, res := range run.Results {
			if res.RuleID == "rule-mobile-optimization" && !res.Matched {
				t.Errorf("expected mobile rule to match, got %+v", res)
			}
		}
	})

	t.Run("InvalidTimestamp", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate", `{"timestamp": "yesterday"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate", "invalid json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/evaluate", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if resp := decode[map[string]string](t, rr); resp["error"] != "request body is required" {
			t.Errorf("unexpected error %q", resp["error"])
		}
	})
}

func TestExecuteEndpoint(t *testing.T) {
	tracker := velocity.NewTracker(cache.NewLRUCache(100), "harrier", time.Minute, nil)
	engine, err := rules.New(rules.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()
	tracker.Attach(engine)
	defer tracker.Detach()

	server := createTestServer(t, Dependencies{Engine: engine, Tracker: tracker})

	rr := do(t, server, http.MethodPost, "/execute", deviceContext("mobile"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	report := decode[domain.ExecutionReport](t, rr)
	if len(report.Results) != 1 {
		t.Fatalf("expected one action result, got %+v", report.Results)
	}
	if report.Results[0].ActionID != "action-compact-ui" || !report.Results[0].Success {
		t.Errorf("unexpected result %+v", report.Results[0])
	}

	t.Run("StatisticsReflectExecution", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/statistics", nil)
		stats := decode[StatisticsResponse](t, rr)

		if stats.Engine.TotalTriggers != 1 || stats.Engine.TotalExecutions != 1 {
			t.Errorf("unexpected engine statistics %+v", stats.Engine)
		}
		if len(stats.Rules) != len(rules.DefaultRules()) {
			t.Errorf("expected per-rule summaries, got %d", len(stats.Rules))
		}
		if len(stats.TriggerRates) != 1 || stats.TriggerRates[0].RuleID != "rule-mobile-optimization" {
			t.Errorf("expected trigger rate for mobile rule, got %+v", stats.TriggerRates)
		}
		if stats.RateWindow != "1m0s" {
			t.Errorf("expected 1m0s window, got %q", stats.RateWindow)
		}
	})

	t.Run("ExecutionHistory", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/history/executions?ruleId=rule-mobile-optimization", nil)
		history := decode[[]domain.ExecutionResult](t, rr)
		if len(history) != 1 {
			t.Errorf("expected one history entry, got %d", len(history))
		}

		rr = do(t, server, http.MethodGet, "/history/evaluations?limit=2", nil)
		evals := decode[[]domain.EvaluationResult](t, rr)
		if len(evals) != 2 {
			t.Errorf("expected limit to apply, got %d", len(evals))
		}

		rr = do(t, server, http.MethodGet, "/history/evaluations?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t, Dependencies{})

	t.Run("List", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules", nil)
		resp := decode[struct {
			Rules []domain.Rule `json:"rules"`
			Count int           `json:"count"`
		}](t, rr)
		if resp.Count != len(rules.DefaultRules()) || resp.Rules[0].ID != "rule-mobile-optimization" {
			t.Errorf("unexpected listing %+v", resp)
		}
	})

	t.Run("FilterByCategoryAndTag", func(t *testing.T) {
		type listing struct {
			Rules []domain.Rule `json:"rules"`
			Count int           `json:"count"`
		}

		resp := decode[listing](t, do(t, server, http.MethodGet, "/rules?category=resource", nil))
		if resp.Count != 2 {
			t.Fatalf("expected 2 resource rules, got %+v", resp)
		}
		for _, r := range resp.Rules {
			if r.Category != domain.CategoryResource {
				t.Errorf("unexpected category %s for %s", r.Category, r.ID)
			}
		}

		resp = decode[listing](t, do(t, server, http.MethodGet, "/rules?tag=power", nil))
		if resp.Count != 2 || resp.Rules[0].ID != "rule-battery-saving" || resp.Rules[1].ID != "rule-idle-mode" {
			t.Errorf("unexpected tag listing %+v", resp)
		}

		resp = decode[listing](t, do(t, server, http.MethodGet, "/rules?category=performance&tag=power", nil))
		if resp.Count != 0 || resp.Rules == nil {
			t.Errorf("expected an empty list, got %+v", resp)
		}
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", customRule("rule-dark-mode"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		created := decode[domain.Rule](t, rr)
		if created.Version != "1.0.0" || created.Statistics.SuccessRate != 1 {
			t.Errorf("unexpected created rule %+v", created)
		}

		rr = do(t, server, http.MethodGet, "/rules/rule-dark-mode", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", customRule("rule-dark-mode"))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		rule := customRule("rule-broken")
		rule.Actions = nil
		rr := do(t, server, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		rule := customRule("rule-unregistered")
		rule.Priority = 500
		rr := do(t, server, http.MethodPost, "/rules/validate", rule)
		resp := decode[map[string]any](t, rr)
		if resp["valid"] != false {
			t.Errorf("expected invalid rule, got %v", resp)
		}

		rr = do(t, server, http.MethodGet, "/rules/rule-unregistered", nil)
		if rr.Code != http.StatusNotFound {
			t.Error("validate must not register the rule")
		}
	})

	t.Run("Update", func(t *testing.T) {
		priority := 50
		rr := do(t, server, http.MethodPatch, "/rules/rule-dark-mode", domain.RulePatch{Priority: &priority})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		updated := decode[domain.Rule](t, rr)
		if updated.Priority != 50 || updated.Version != "1.0.1" {
			t.Errorf("unexpected updated rule %+v", updated)
		}
	})

	t.Run("DisableAndEnable", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules/rule-dark-mode/disable", nil)
		if rr.Code != http.StatusOK || decode[domain.Rule](t, rr).Enabled {
			t.Errorf("expected disabled rule, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodPost, "/rules/rule-dark-mode/enable", nil)
		if rr.Code != http.StatusOK || !decode[domain.Rule](t, rr).Enabled {
			t.Errorf("expected enabled rule, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := do(t, server, http.MethodDelete, "/rules/rule-dark-mode", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodDelete, "/rules/rule-dark-mode", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		for _, tc := range []struct {
			method string
			path   string
			body   any
		}{
			{http.MethodGet, "/rules/missing", nil},
			{http.MethodPatch, "/rules/missing", domain.RulePatch{}},
			{http.MethodPost, "/rules/missing/enable", nil},
			{http.MethodPost, "/rules/missing/disable", nil},
		} {
			rr := do(t, server, tc.method, tc.path, tc.body)
			if rr.Code != http.StatusNotFound {
				t.Errorf("%s %s: expected status 404, got %d", tc.method, tc.path, rr.Code)
				continue
			}
			if resp := decode[map[string]string](t, rr); resp["error"] != "Rule not found: missing" {
				t.Errorf("%s %s: unexpected error %q", tc.method, tc.path, resp["error"])
			}
		}
	})
}

func TestConfigEndpoints(t *testing.T) {
	server := createTestServer(t, Dependencies{})

	rr := do(t, server, http.MethodGet, "/config", nil)
	cfg := decode[domain.EngineConfig](t, rr)
	if cfg.ConflictResolutionStrategy != domain.StrategyHighestPriority {
		t.Errorf("unexpected default strategy %q", cfg.ConflictResolutionStrategy)
	}

	rr = do(t, server, http.MethodPatch, "/config", `{"maxHistorySize": 10, "conflictResolutionStrategy": "merge"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	updated := decode[domain.EngineConfig](t, rr)
	if updated.MaxHistorySize != 10 || updated.ConflictResolutionStrategy != domain.StrategyMerge {
		t.Errorf("patch not applied: %+v", updated)
	}
	if updated.MaxWorkers != cfg.MaxWorkers {
		t.Error("fields absent from the patch must be unchanged")
	}

	t.Run("TimeoutsInMilliseconds", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/config", nil)
		raw := decode[map[string]any](t, rr)
		if raw["evaluationTimeout"] != 5000.0 || raw["executionTimeout"] != 10000.0 {
			t.Errorf("expected millisecond timeouts, got %v and %v", raw["evaluationTimeout"], raw["executionTimeout"])
		}

		rr = do(t, server, http.MethodPatch, "/config", `{"evaluationTimeout": 250}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		updated := decode[domain.EngineConfig](t, rr)
		if updated.EvaluationTimeout != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %s", updated.EvaluationTimeout)
		}
		if updated.ExecutionTimeout != 10*time.Second {
			t.Errorf("execution timeout must be unchanged, got %s", updated.ExecutionTimeout)
		}
	})
}

func TestResetEndpoint(t *testing.T) {
	server := createTestServer(t, Dependencies{})

	do(t, server, http.MethodPost, "/rules", customRule("rule-dark-mode"))
	do(t, server, http.MethodPost, "/execute", deviceContext("mobile"))

	rr := do(t, server, http.MethodPost, "/reset", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	stats := decode[domain.EngineStatistics](t, rr)
	if stats.TotalRules != len(rules.DefaultRules()) || stats.TotalTriggers != 0 {
		t.Errorf("expected pristine defaults, got %+v", stats)
	}

	rr = do(t, server, http.MethodGet, "/history/executions", nil)
	if history := decode[[]domain.ExecutionResult](t, rr); len(history) != 0 {
		t.Errorf("expected empty history after reset, got %d", len(history))
	}
}

func TestPersistedHistoryEndpoints(t *testing.T) {
	t.Run("DisabledWithoutRepository", func(t *testing.T) {
		server := createTestServer(t, Dependencies{})
		rr := do(t, server, http.MethodGet, "/executions", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	now := time.Now().UTC()
	ctx := context.Background()
	if err := repo.SaveExecutionReport(ctx, &domain.ExecutionReport{
		ID:        "report-001",
		Timestamp: now,
		Results: []domain.ExecutionResult{{
			RuleID:     "rule-mobile-optimization",
			ActionID:   "action-compact-ui",
			ActionType: domain.ActionUIAdjustment,
			Target:     "widget",
			Success:    true,
			Timestamp:  now,
		}},
	}); err != nil {
		t.Fatalf("SaveExecutionReport failed: %v", err)
	}

	server := createTestServer(t, Dependencies{Repo: repo})

	t.Run("ListByRule", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/executions?ruleId=rule-mobile-optimization&limit=5", nil)
		resp := decode[struct {
			Executions []domain.ExecutionRecord `json:"executions"`
			Count      int                      `json:"count"`
		}](t, rr)
		if resp.Count != 1 || resp.Executions[0].ReportID != "report-001" {
			t.Errorf("unexpected listing %+v", resp)
		}
	})

	t.Run("GetReport", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/executions/report-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if report := decode[domain.ExecutionReport](t, rr); len(report.Results) != 1 {
			t.Errorf("expected stored results, got %+v", report)
		}
	})

	t.Run("MissingReport", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/executions/report-404", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodGet, "/evaluations/run-404", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestIngestEndpoint(t *testing.T) {
	t.Run("DisabledWithoutBus", func(t *testing.T) {
		server := createTestServer(t, Dependencies{})
		rr := do(t, server, http.MethodPost, "/ingest", deviceContext("mobile"))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	server := createTestServer(t, Dependencies{Bus: eventBus, Namespace: "default"})

	w := worker.NewWorker(eventBus, server.Handler().engine, "default")
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	t.Run("Accepted", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/ingest", deviceContext("desktop"))
		if rr.Code != http.StatusAccepted {
			t.Errorf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("WaitForReport", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/ingest?wait=true", deviceContext("mobile"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		report := decode[domain.ExecutionReport](t, rr)
		if len(report.Results) != 1 || report.Results[0].RuleID != "rule-mobile-optimization" {
			t.Errorf("unexpected report %+v", report)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t, Dependencies{Cache: cache.NewLRUCache(10)})

	rr := do(t, server, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	resp := decode[map[string]string](t, rr)
	if resp["status"] != "healthy" {
		t.Errorf("expected status healthy, got %s", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp["version"])
	}

	rr = do(t, server, http.MethodGet, "/ready", nil)
	if resp := decode[map[string]string](t, rr); resp["ready"] != "true" {
		t.Errorf("expected ready, got %v", resp)
	}
}

func TestMiddleware(t *testing.T) {
	server := createTestServer(t, Dependencies{})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header to be set")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header to be set")
		}
	})

	t.Run("TracingMiddlewareKeepsRequestID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request id to be propagated, got %q", got)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/rules", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("unexpected allow origin %q", got)
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})

		wrapped := RecoverMiddleware(panicHandler)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
