package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit"
	auditentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
)

// AuditReader lists audit entries newest first.
type AuditReader interface {
	Query(ctx context.Context, userID *int64, limit int) ([]*auditentity.Entry, error)
}

// Handler exposes the admin-only endpoints.
type Handler struct {
	svc    *auth.Service
	audit  AuditReader
	logger *zap.SugaredLogger
}

func NewHandler(svc *auth.Service, audit AuditReader, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, audit: audit, logger: logger}
}

// Routes mounts /api/admin behind authentication and the admin role.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireAuth(h.svc, h.logger))
		r.Use(auth.RequireRole(h.svc, entity.RoleAdmin))
		r.Get("/users", h.ListUsers)
		r.Post("/users/{id}/lock", h.Lock)
		r.Post("/users/{id}/unlock", h.Unlock)
		r.Put("/users/{id}/subscription", h.UpdateSubscription)
		r.Get("/audit-logs", h.AuditLogs)
	})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListAccounts(r.Context())
	if err != nil {
		auth.WriteError(w, h.logger, err, "Failed to fetch users")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.targetID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.IdentityFromContext(r.Context())
	if _, err := h.svc.Lock(r.Context(), actor, id, auth.ClientFrom(r)); err != nil {
		auth.WriteError(w, h.logger, err, "Failed to lock user")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User account locked"})
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.targetID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.IdentityFromContext(r.Context())
	if _, err := h.svc.Unlock(r.Context(), actor, id, auth.ClientFrom(r)); err != nil {
		auth.WriteError(w, h.logger, err, "Failed to unlock user")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User account unlocked"})
}

type subscriptionRequest struct {
	Status                string  `json:"status"`
	Plan                  *string `json:"plan"`
	BillingCustomerID     *string `json:"billing_customer_id"`
	BillingSubscriptionID *string `json:"billing_subscription_id"`
}

func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.targetID(w, r)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid subscription payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid payload"})
		return
	}
	status, err := entity.ParseSubscriptionStatus(req.Status)
	if err != nil {
		auth.WriteError(w, h.logger, err, "Failed to update subscription")
		return
	}
	actor, _ := auth.IdentityFromContext(r.Context())
	acc, err := h.svc.UpdateSubscription(r.Context(), actor, id, entity.SubscriptionUpdate{
		Status:                status,
		Plan:                  req.Plan,
		BillingCustomerID:     req.BillingCustomerID,
		BillingSubscriptionID: req.BillingSubscriptionID,
	}, auth.ClientFrom(r))
	if err != nil {
		auth.WriteError(w, h.logger, err, "Failed to update subscription")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": acc})
}

// AuditLogs returns the latest entries, optionally for one user
// (?user_id=) and with a custom ?limit=.
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var userID *int64
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid user_id"})
			return
		}
		userID = &id
	}
	limit := audit.DefaultQueryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid limit"})
			return
		}
		limit = n
	}
	logs, err := h.audit.Query(r.Context(), userID, limit)
	if err != nil {
		h.logger.Errorw("query audit logs", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Failed to fetch logs"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}

func (h *Handler) targetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
