package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitoring"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Pinger reports the health of a backing component.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the collaborators of the HTTP handlers.
type Deps struct {
	Service   *monitoring.Service
	Rules     *rules.Engine
	RuleStore domain.RuleStore

	// Components checked by /health, keyed by name.
	Components map[string]Pinger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps     Deps
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		version:  version,
	}
}

// AnalyzeTransaction handles POST /users/{userID}/transactions/analyze.
func (h *Handler) AnalyzeTransaction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var txn domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.deps.Service.AnalyzeTransaction(r.Context(), userID, &txn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetUserAnomalies handles GET /users/{userID}/anomalies.
func (h *Handler) GetUserAnomalies(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	list, err := h.deps.Service.GetUserAnomalies(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": list,
		"count":     len(list),
	})
}

// GetUserAlerts handles GET /users/{userID}/alerts.
func (h *Handler) GetUserAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	list, err := h.deps.Service.GetUserAlerts(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": list,
		"count":  len(list),
	})
}

// AcknowledgeAlert handles POST /users/{userID}/alerts/{alertID}/ack.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Service.AcknowledgeAlert(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// GetRiskScore handles GET /users/{userID}/risk-score.
func (h *Handler) GetRiskScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.deps.Service.CalculateRiskScore(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// TrainUserModel handles POST /users/{userID}/train.
func (h *Handler) TrainUserModel(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Service.TrainUserModel(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// TriggerRequest is the optional body of POST /monitoring/trigger.
// An empty userId runs every sweep.
type TriggerRequest struct {
	UserID string `json:"userId"`
}

// TriggerAnalysis handles POST /monitoring/trigger.
func (h *Handler) TriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	n, err := h.deps.Service.TriggerImmediateAnalysis(r.Context(), req.UserID)
	if err != nil && n == 0 {
		writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"enqueued": n,
	}
	if err != nil {
		slog.WarnContext(r.Context(), "partial trigger", "enqueued", n, "error", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// GetMonitoringStats handles GET /monitoring/stats.
func (h *Handler) GetMonitoringStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Service.GetMonitoringStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListRules returns every registered rule, builtin and CEL.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list := h.deps.Rules.Rules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// CreateRule compiles a CEL rule, persists it and registers it at runtime.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cfg domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validate.StructCtx(ctx, &cfg); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	for _, existing := range h.deps.Rules.Rules() {
		if existing.ID == cfg.ID && existing.Source == rules.SourceBuiltin {
			writeError(w, r, fmt.Errorf("%w: rule %s is builtin", domain.ErrDuplicate, cfg.ID))
			return
		}
	}
	if err := h.deps.Rules.ValidateRule(&cfg); err != nil {
		writeError(w, r, err)
		return
	}

	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if h.deps.RuleStore != nil {
		if err := h.deps.RuleStore.SaveRuleConfig(ctx, &cfg); err != nil {
			writeError(w, r, fmt.Errorf("save rule: %w", err))
			return
		}
	}
	if err := h.deps.Rules.LoadRuleConfig(&cfg); err != nil {
		writeError(w, r, err)
		return
	}

	slog.InfoContext(ctx, "rule created", "rule_id", cfg.ID, "severity", cfg.Severity)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule": cfg,
	})
}

// EnableRule handles POST /rules/{id}/enable.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, true)
}

// DisableRule handles POST /rules/{id}/disable.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, false)
}

func (h *Handler) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	toggle := h.deps.Rules.Disable
	if active {
		toggle = h.deps.Rules.Enable
	}
	if err := toggle(id); err != nil {
		writeError(w, r, err)
		return
	}

	// Stored CEL rules keep their state across restarts.
	if h.deps.RuleStore != nil {
		stored, err := h.deps.RuleStore.GetRuleConfig(ctx, id)
		switch {
		case err == nil:
			stored.Enabled = active
			if err := h.deps.RuleStore.SaveRuleConfig(ctx, stored); err != nil {
				writeError(w, r, fmt.Errorf("save rule: %w", err))
				return
			}
		case !errors.Is(err, domain.ErrNotFound):
			writeError(w, r, err)
			return
		}
	}

	slog.InfoContext(ctx, "rule toggled", "rule_id", id, "active", active)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"active": active,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.deps.Components))
	for name, c := range h.deps.Components {
		if c == nil {
			continue
		}
		if err := c.Ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = "unhealthy"
			continue
		}
		components[name] = "healthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// parseAlertFilter reads type, severity, since, unacknowledged and limit.
func parseAlertFilter(r *http.Request) (domain.AlertFilter, error) {
	q := r.URL.Query()
	var f domain.AlertFilter

	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, domain.AlertType(t))
			}
		}
	}
	if v := q.Get("severity"); v != "" {
		f.MinSeverity = domain.Severity(v)
		if !f.MinSeverity.Valid() {
			return f, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, v)
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: since must be RFC3339", domain.ErrInvalidInput)
		}
		f.Since = since
	}
	if v := q.Get("unacknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: unacknowledged must be a boolean", domain.ErrInvalidInput)
		}
		f.Unacknowledged = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput)
		}
		f.Limit = n
	}
	return f, nil
}

// writeError maps domain errors onto status codes. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicate):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":     "internal server error",
			"requestId": RequestID(r.Context()),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
