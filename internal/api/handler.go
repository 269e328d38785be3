// Package api provides the HTTP API for Harrier.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/velocity"
)

// maxBodyBytes bounds request bodies. Contexts and rules are small documents.
const maxBodyBytes = 1 << 20

// Handler contains HTTP handlers for the API.
type Handler struct {
	engine    *rules.Engine
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	namespace string
	tracker   *velocity.Tracker
	version   string
}

// NewHandler creates a new Handler.
func NewHandler(deps Dependencies) *Handler {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		engine:    deps.Engine,
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		namespace: deps.Namespace,
		tracker:   deps.Tracker,
		version:   version,
	}
}

// ============================================================================
// EVALUATION HANDLERS
// ============================================================================

// Evaluate matches every enabled rule against the posted context without
// dispatching actions.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.decodeContext(w, r)
	if !ok {
		return
	}

	run := h.engine.EvaluateRun(r.Context(), rc)
	writeJSON(w, http.StatusOK, run)
}

// Execute evaluates the posted context and dispatches the winning actions.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.decodeContext(w, r)
	if !ok {
		return
	}

	report := h.engine.ExecuteReport(r.Context(), rc)
	writeJSON(w, http.StatusOK, report)
}

// Ingest hands the posted context to the worker through the event bus.
// With ?wait=true the call blocks until the worker replies with its report.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus is not configured",
		})
		return
	}

	rc, ok := h.decodeContext(w, r)
	if !ok {
		return
	}
	payload, err := json.Marshal(rc)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		if err := h.bus.Publish(r.Context(), h.namespace, domain.TopicContextIngested, payload); err != nil {
			slog.Error("failed to publish context",
				"error", err,
				"trace_id", GetTraceID(r.Context()),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to publish context",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"topic":  domain.TopicContextIngested,
		})
		return
	}

	reply, err := h.bus.Request(r.Context(), h.namespace, domain.TopicContextIngested, payload)
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": fmt.Sprintf("no reply from worker: %v", err),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

// ============================================================================
// RULE HANDLERS
// ============================================================================

// ListRules returns the registered rules in registration order, optionally
// narrowed by ?category= and ?tag=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list := h.engine.FilterRules(domain.RuleFilter{
		Category: domain.Category(q.Get("category")),
		Tag:      q.Get("tag"),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule returns a single rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rule, ok := h.engine.GetRule(id)
	if !ok {
		writeError(w, &domain.RuleNotFoundError{ID: id})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule registers a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if !decodeBody(w, r, &rule) {
		return
	}

	created, err := h.engine.AddRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ValidateRule checks a rule without registering it.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if !decodeBody(w, r, &rule) {
		return
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// UpdateRule applies a partial update to a rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch domain.RulePatch
	if !decodeBody(w, r, &patch) {
		return
	}

	updated, err := h.engine.UpdateRule(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.engine.RemoveRule(r.Context(), id) {
		writeError(w, &domain.RuleNotFoundError{ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableRule makes a rule visible to evaluation.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableRule hides a rule from evaluation.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")

	var err error
	if enabled {
		err = h.engine.EnableRule(r.Context(), id)
	} else {
		err = h.engine.DisableRule(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	rule, _ := h.engine.GetRule(id)
	writeJSON(w, http.StatusOK, rule)
}

// ============================================================================
// ENGINE HANDLERS
// ============================================================================

// RuleSummary pairs a rule id with its counters for the statistics view.
type RuleSummary struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Enabled    bool                  `json:"enabled"`
	Statistics domain.RuleStatistics `json:"statistics"`
}

// StatisticsResponse is the body of GET /statistics.
type StatisticsResponse struct {
	Engine       domain.EngineStatistics `json:"engine"`
	Rules        []RuleSummary           `json:"rules"`
	TriggerRates []velocity.Rate         `json:"triggerRates,omitempty"`
	RateWindow   string                  `json:"rateWindow,omitempty"`
}

// Statistics returns engine-wide and per-rule counters.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	list := h.engine.ListRules()

	resp := StatisticsResponse{
		Engine: h.engine.Statistics(),
		Rules:  make([]RuleSummary, 0, len(list)),
	}
	for _, rule := range list {
		resp.Rules = append(resp.Rules, RuleSummary{
			ID:         rule.ID,
			Name:       rule.Name,
			Enabled:    rule.Enabled,
			Statistics: rule.Statistics,
		})
	}
	if h.tracker != nil {
		resp.TriggerRates = h.tracker.Snapshot()
		resp.RateWindow = h.tracker.Window().String()
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetConfig returns the current engine configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Config())
}

// UpdateConfig merges a partial configuration. Durations are nanoseconds.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.ConfigPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.UpdateConfig(r.Context(), patch))
}

// Reset clears rules, history and statistics, then reseeds the defaults.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Statistics())
}

// ============================================================================
// HISTORY HANDLERS
// ============================================================================

// EvaluationHistory returns recent in-memory evaluation results, newest first.
func (h *Handler) EvaluationHistory(w http.ResponseWriter, r *http.Request) {
	ruleID, limit, ok := historyQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.EvaluationHistory(ruleID, limit))
}

// ExecutionHistory returns recent in-memory execution results, newest first.
func (h *Handler) ExecutionHistory(w http.ResponseWriter, r *http.Request) {
	ruleID, limit, ok := historyQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.ExecutionHistory(ruleID, limit))
}

// ListExecutions returns persisted execution results, newest first.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ruleID, limit, ok := historyQuery(w, r)
	if !ok {
		return
	}

	records, err := h.repo.ListExecutionResults(r.Context(), ruleID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": records,
		"count":      len(records),
	})
}

// GetExecutionReport returns a persisted execution report.
func (h *Handler) GetExecutionReport(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	report, err := h.repo.GetExecutionReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetEvaluationRun returns a persisted evaluation run.
func (h *Handler) GetEvaluationRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	run, err := h.repo.GetEvaluationRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "history persistence is disabled",
		})
		return false
	}
	return true
}

// ============================================================================
// HEALTH HANDLERS
// ============================================================================

// Health returns the health status of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) decodeContext(w http.ResponseWriter, r *http.Request) (*domain.Context, bool) {
	var rc domain.Context
	if !decodeBody(w, r, &rc) {
		return nil, false
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now()
	}
	return &rc, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}

	msg := "invalid request body"
	if errors.Is(err, io.EOF) {
		msg = "request body is required"
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
	return false
}

func historyQuery(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return "", 0, false
		}
		limit = n
	}
	return q.Get("ruleId"), limit, true
}

// writeError maps engine and repository errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRuleNotFound), errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRule), errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateRule):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
