/*
handlers.go - HTTP handlers for the XP engine

PURPOSE:
  Exposes the crediting core via a narrow RPC-shaped REST surface. Handles
  HTTP request/response and JSON serialization, delegates everything else
  to the engine.

ENDPOINTS:
  POST /api/keys                        Derive an idempotency key
  POST /api/xp/credit                   Credit a delta (exactly-once)
  POST /api/achievements/{code}/unlock  Compound unlock + reward
  POST /api/users                       Register an XP profile
  GET  /api/users/{id}/xp               Aggregate + level info
  GET  /api/users/{id}/events           Ledger history
  POST /api/users/{id}/revalidate       Enqueue background achievement sweep
  GET  /api/levels                      Level table
  POST /api/admin/levels/refresh        Invalidate + refresh level cache

ERROR HANDLING:
  Engine errors carry a closed taxonomy kind; statusFor maps kinds to HTTP
  statuses and the body carries kind + retryable so clients never parse
  message text.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router setup and middleware
  - revalidator.go: The background sweep worker
*/
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   xp.Store
	Credits *xp.CreditService
	Unlocks *xp.UnlockService
	Levels  *xp.LevelCache
	Rules   *progression.RuleCache

	// Revalidator is optional; without it the revalidate endpoint 503s.
	Revalidator *Revalidator
}

// NewHandler wires the handler from its dependencies.
func NewHandler(store xp.Store, credits *xp.CreditService, unlocks *xp.UnlockService,
	levels *xp.LevelCache, rules *progression.RuleCache) *Handler {
	return &Handler{
		Store:   store,
		Credits: credits,
		Unlocks: unlocks,
		Levels:  levels,
		Rules:   rules,
	}
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

// BuildKey derives an idempotency key from a request descriptor.
// POST /api/keys
func (h *Handler) BuildKey(w http.ResponseWriter, r *http.Request) {
	var req BuildKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	key, err := xp.BuildKey(xp.KeyParams{
		Kind:       req.Kind,
		UserID:     req.UserID,
		Identifier: req.Identifier,
		Version:    req.Version,
		Scope:      req.Scope,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BuildKeyResponse{IdempotencyKey: key})
}

// =============================================================================
// CREDITING
// =============================================================================

// CreditXP credits a delta against a user's total, exactly once per key.
// POST /api/xp/credit
func (h *Handler) CreditXP(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	source := xp.SourceRef{SourceType: req.SourceType, ActionType: req.ActionType}

	delta := req.XPDelta
	if delta == 0 {
		// No explicit delta: resolve from the active rule table.
		rules, err := h.Rules.ActiveRules(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		points, ok := rules.PointsFor(source)
		if !ok {
			writeError(w, http.StatusBadRequest,
				"No XP rule for "+source.String()+" and no explicit xp_delta", nil)
			return
		}
		delta = points
	}

	result, err := h.Credits.CreditXP(r.Context(), xp.CreditRequest{
		UserID:         xp.UserID(req.UserID),
		Source:         source,
		XPDelta:        delta,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.ReferenceID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCreditResultDTO(result))
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

// UnlockAchievement runs the compound unlock-and-reward operation.
// POST /api/achievements/{code}/unlock
func (h *Handler) UnlockAchievement(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Unlocks.Unlock(r.Context(), xp.UnlockParams{
		UserID:      xp.UserID(req.UserID),
		Code:        code,
		Version:     req.Version,
		Scope:       req.Scope,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUnlockResultDTO(result))
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser registers an XP profile with a zero total.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	if err := h.Store.CreateProfile(r.Context(), xp.UserID(req.UserID)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": req.UserID})
}

// GetUserXP returns the aggregate plus derived level display fields.
// GET /api/users/{id}/xp
func (h *Handler) GetUserXP(w http.ResponseWriter, r *http.Request) {
	userID := xp.UserID(chi.URLParam(r, "id"))

	state, err := h.Store.State(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	info, err := h.Credits.LevelInfo(r.Context(), state.TotalXP)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dto := UserXpDTO{
		UserID:       string(state.UserID),
		TotalXP:      state.TotalXP,
		CurrentLevel: info.Level,
		XPThreshold:  info.XPThreshold,
		XPToNext:     info.XPToNext,
		UpdatedAt:    state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if table, err := h.Levels.Levels(r.Context()); err == nil {
		for _, def := range table {
			if def.Level == info.Level {
				dto.LevelTitle = def.Title
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, dto)
}

// GetUserEvents returns the ledger history, oldest first.
// GET /api/users/{id}/events
func (h *Handler) GetUserEvents(w http.ResponseWriter, r *http.Request) {
	userID := xp.UserID(chi.URLParam(r, "id"))

	events, err := h.Store.Events(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]XpEventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Revalidate enqueues a background achievement sweep for the user.
// POST /api/users/{id}/revalidate
func (h *Handler) Revalidate(w http.ResponseWriter, r *http.Request) {
	if h.Revalidator == nil {
		writeError(w, http.StatusServiceUnavailable, "Revalidation worker not running", nil)
		return
	}

	userID := xp.UserID(chi.URLParam(r, "id"))
	if !h.Revalidator.Enqueue(userID) {
		writeError(w, http.StatusServiceUnavailable, "Revalidation queue full", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

// =============================================================================
// LEVELS
// =============================================================================

// ListLevels returns the level threshold table.
// GET /api/levels
func (h *Handler) ListLevels(w http.ResponseWriter, r *http.Request) {
	table, err := h.Levels.Levels(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]LevelDTO, 0, len(table))
	for _, def := range table {
		dtos = append(dtos, LevelDTO{
			Level:      def.Level,
			XPRequired: def.XPRequired,
			Title:      def.Title,
			Badge:      def.Badge,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RefreshLevels invalidates and reloads the level cache.
// POST /api/admin/levels/refresh
func (h *Handler) RefreshLevels(w http.ResponseWriter, r *http.Request) {
	h.Levels.Invalidate()
	if _, err := h.Levels.Refresh(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = map[string]any{"cause": err.Error()}
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps taxonomy kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	xe, ok := xp.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal error", err)
		return
	}

	writeJSON(w, statusFor(xe.Kind), ErrorResponse{
		Error:     xe.Message,
		Kind:      string(xe.Kind),
		Retryable: xe.Retryable(),
		Details:   xe.Details,
	})
}

func statusFor(kind xp.Kind) int {
	switch kind {
	case xp.KindValidation, xp.KindInvalidDelta, xp.KindInvalidIdempotencyKey:
		return http.StatusBadRequest
	case xp.KindProfileNotFound, xp.KindAchievementNotFound:
		return http.StatusNotFound
	case xp.KindConflictMismatch, xp.KindAlreadyUnlocked:
		return http.StatusConflict
	case xp.KindConditionsNotMet:
		return http.StatusUnprocessableEntity
	case xp.KindLockNotAcquired:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
