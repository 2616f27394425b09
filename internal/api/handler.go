package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
)

// TrustService is the trust manager surface the API exposes.
type TrustService interface {
	GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error)
	GetTrustThreshold(ctx context.Context, userID string) (domain.TrustThreshold, error)
	CanPerformAction(ctx context.Context, userID string, action domain.ActionKind, actx domain.ActionContext) (*domain.PermissionResult, error)
	GetTrustBasedRateLimit(ctx context.Context, userID string) (domain.RateLimit, error)
}

// SybilService is the sybil engine surface the API exposes.
type SybilService interface {
	AnalyzeUserBehavior(ctx context.Context, userID string) (*domain.UserBehaviorProfile, error)
	GetUserRiskAssessment(ctx context.Context, userID string) (*domain.RiskAssessment, error)
	DetectCoordinatedAttacks(ctx context.Context) (*domain.CoordinatedAttackFinding, error)
	Reinstate(ctx context.Context, userID string) error
}

// ResistanceService produces verdicts.
type ResistanceService interface {
	ApplyAttackResistance(ctx context.Context, userID string, action domain.ActionKind, data map[string]any) (*domain.Verdict, error)
}

// Pipeline runs a submitted action end to end.
type Pipeline interface {
	Process(ctx context.Context, msg *domain.ActionMessage) (*domain.VerdictMessage, error)
}

// RateLimiter enforces per-user action budgets.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Decision, error)
	Reset(ctx context.Context, userID string) error
}

// RuleEngine holds the compiled operator rules.
type RuleEngine interface {
	ValidateRule(rule *domain.RiskRule) error
	GetLoadedRules() []*domain.RiskRule
	ReloadFromStore(ctx context.Context, store domain.RuleStore) error
}

// UserRegistry records account data the sybil engine reads.
type UserRegistry interface {
	SaveUser(ctx context.Context, user *domain.UserRecord) error
}

// Pinger is anything with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP surface. Limiter, Users, Store,
// Cache, Rules and RuleStore are optional.
type Deps struct {
	Trust      TrustService
	Sybil      SybilService
	Resistance ResistanceService
	Pipeline   Pipeline
	Limiter    RateLimiter
	Users      UserRegistry
	Rules      RuleEngine
	RuleStore  domain.RuleStore
	Store      Pinger
	Cache      Pinger
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.deps.Version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// RegisterUserRequest is the request body for PUT /users/{id}.
type RegisterUserRequest struct {
	CreatedAt         time.Time `json:"createdAt"`
	Origin            string    `json:"origin,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	MFAEnabled        bool      `json:"mfaEnabled"`
}

// RegisterUser creates or updates an account record. A new account is active.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	if h.deps.Users == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "user store not available",
		})
		return
	}

	var req RegisterUserRequest
	if !decode(w, r, &req) {
		return
	}

	user := &domain.UserRecord{
		ID:                chi.URLParam(r, "id"),
		CreatedAt:         req.CreatedAt,
		Origin:            req.Origin,
		DeviceFingerprint: req.DeviceFingerprint,
		MFAEnabled:        req.MFAEnabled,
		Status:            domain.UserActive,
	}
	if err := h.deps.Users.SaveUser(r.Context(), user); err != nil {
		writeError(w, "save user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetTrust returns the user's current trust score.
func (h *Handler) GetTrust(w http.ResponseWriter, r *http.Request) {
	score, err := h.deps.Trust.GetTrustScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get trust score", err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// GetThreshold returns the band the user's score falls in.
func (h *Handler) GetThreshold(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.deps.Trust.GetTrustThreshold(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get trust threshold", err)
		return
	}
	writeJSON(w, http.StatusOK, threshold)
}

// GetRateLimit returns the request budget of the user's band.
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := h.deps.Trust.GetTrustBasedRateLimit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get rate limit", err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

// GetRisk returns the user's risk assessment.
func (h *Handler) GetRisk(w http.ResponseWriter, r *http.Request) {
	assessment, err := h.deps.Sybil.GetUserRiskAssessment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get risk assessment", err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

// CanPerformRequest is the request body for POST /users/{id}/can-perform.
type CanPerformRequest struct {
	Action  domain.ActionKind    `json:"action"`
	Context domain.ActionContext `json:"context"`
}

// CanPerform checks an action against the user's band.
func (h *Handler) CanPerform(w http.ResponseWriter, r *http.Request) {
	var req CanPerformRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.deps.Trust.CanPerformAction(r.Context(), chi.URLParam(r, "id"), req.Action, req.Context)
	if err != nil {
		writeError(w, "check permission", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ActionRequest is the request body for POST /users/{id}/actions.
type ActionRequest struct {
	ID                string               `json:"id,omitempty"`
	Action            domain.ActionKind    `json:"action"`
	TargetID          string               `json:"targetId,omitempty"`
	Value             int                  `json:"value,omitempty"`
	Origin            string               `json:"origin,omitempty"`
	DeviceFingerprint string               `json:"deviceFingerprint,omitempty"`
	Location          *domain.Coordinates  `json:"location,omitempty"`
	EventType         string               `json:"eventType,omitempty"`
	Context           domain.ActionContext `json:"context"`
	Data              map[string]any       `json:"data,omitempty"`
}

// SubmitAction rate-limits the user, then runs the action through the
// pipeline. Denied actions answer 200 with a blocked verdict and no update.
func (h *Handler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	var req ActionRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Action.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown action: " + string(req.Action),
		})
		return
	}

	if h.deps.Limiter != nil {
		decision, err := h.deps.Limiter.Allow(ctx, userID)
		if err != nil {
			writeError(w, "rate limit", err)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":     "rate limit exceeded",
				"band":      decision.Band,
				"penalized": decision.Penalized,
			})
			return
		}
	}

	if h.deps.Pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "action pipeline not available",
		})
		return
	}

	out, err := h.deps.Pipeline.Process(ctx, &domain.ActionMessage{
		ID:                req.ID,
		UserID:            userID,
		Action:            req.Action,
		TargetID:          req.TargetID,
		Value:             req.Value,
		Origin:            req.Origin,
		DeviceFingerprint: req.DeviceFingerprint,
		Location:          req.Location,
		EventType:         req.EventType,
		Timestamp:         time.Now().UTC(),
		Context:           req.Context,
		Data:              req.Data,
	})
	if err != nil {
		writeError(w, "process action", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Analyze rebuilds the user's behavior profile.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	profile, err := h.deps.Sybil.AnalyzeUserBehavior(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "analyze user", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ResistanceRequest is the request body for POST /users/{id}/resistance.
type ResistanceRequest struct {
	Action domain.ActionKind `json:"action"`
	Data   map[string]any    `json:"data,omitempty"`
}

// Resistance returns the verdict for a prospective action. A verdict reached
// without trust data is still returned.
func (h *Handler) Resistance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req ResistanceRequest
	if !decode(w, r, &req) {
		return
	}

	verdict, err := h.deps.Resistance.ApplyAttackResistance(r.Context(), userID, req.Action, req.Data)
	if verdict == nil {
		writeError(w, "apply resistance", err)
		return
	}
	if err != nil {
		slog.Warn("verdict reached without trust data", "user_id", userID, "error", err)
	}
	writeJSON(w, http.StatusOK, verdict)
}

// Reinstate lifts a suspension and clears any rate-limit penalty.
func (h *Handler) Reinstate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if err := h.deps.Sybil.Reinstate(ctx, userID); err != nil {
		writeError(w, "reinstate user", err)
		return
	}
	if h.deps.Limiter != nil {
		if err := h.deps.Limiter.Reset(ctx, userID); err != nil {
			slog.Warn("failed to reset rate limit", "user_id", userID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"userId": userID,
		"status": string(domain.UserActive),
	})
}

// ScanCoordinated runs the coordinated-attack detectors once.
func (h *Handler) ScanCoordinated(w http.ResponseWriter, r *http.Request) {
	finding, err := h.deps.Sybil.DetectCoordinatedAttacks(r.Context())
	if err != nil {
		writeError(w, "coordinated scan", err)
		return
	}
	writeJSON(w, http.StatusOK, finding)
}

// ListRules returns the rules loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loadedRules := h.deps.Rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Expression   string          `json:"expression"`
	Contribution float64         `json:"contribution"`
	Severity     domain.Severity `json:"severity"`
	Enabled      bool            `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.deps.Rules == nil || h.deps.RuleStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule store not available",
		})
		return
	}

	var req CreateRuleRequest
	if !decode(w, r, &req) {
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.Contribution < 0 || req.Contribution > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "contribution must be in [0,1]",
		})
		return
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityMedium
	}

	rule := &domain.RiskRule{
		ID:           req.ID,
		Name:         req.Name,
		Description:  req.Description,
		Expression:   req.Expression,
		Contribution: req.Contribution,
		Severity:     req.Severity,
		Enabled:      req.Enabled,
		UpdatedAt:    time.Now().UTC(),
	}

	if err := h.deps.Rules.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.deps.RuleStore.SaveRiskRule(ctx, rule); err != nil {
		slog.Error("failed to save risk rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("risk rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil || h.deps.RuleStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule store not available",
		})
		return
	}

	if err := h.deps.Rules.ReloadFromStore(r.Context(), h.deps.RuleStore); err != nil {
		slog.Error("failed to reload risk rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	count := len(h.deps.Rules.GetLoadedRules())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// decode parses the JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownAction):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "op", op, "error", err)
		writeJSON(w, status, map[string]string{"error": op + " failed"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
