package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/models"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/BradenHooton/loginguard/pkg/logger"
)

// AdminHandler handles the operator security endpoints.
type AdminHandler struct {
	security    SecurityServiceInterface
	auditLogger *logger.AuditLogger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(security SecurityServiceInterface, auditLogger *logger.AuditLogger) *AdminHandler {
	return &AdminHandler{security: security, auditLogger: auditLogger}
}

// IdentityRequest names the account an operator is acting on
type IdentityRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// AdminUnlockResponse is returned after an operator unlock
type AdminUnlockResponse struct {
	Message string              `json:"message"`
	Lock    *models.AccountLock `json:"lock"`
}

func decodeIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return "", false
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return "", false
	}
	return req.Email, true
}

// GetSecurityStatus handles POST /admin/security/status
func (h *AdminHandler) GetSecurityStatus(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeIdentity(w, r)
	if !ok {
		return
	}

	status, err := h.security.Status(r.Context(), email)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve security status")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// GetDashboard handles GET /admin/security/dashboard
func (h *AdminHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.security.Dashboard(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve security dashboard")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, dashboard)
}

// UnlockAccount handles POST /admin/security/unlock
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeIdentity(w, r)
	if !ok {
		return
	}

	actor := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		actor = claims.UserID
	}

	lock, err := h.security.AdminUnlock(r.Context(), email, actor)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Account is not locked")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to unlock account")
		return
	}

	if h.auditLogger != nil {
		h.auditLogger.AdminAction(r.Context(), "unlock", actor, lock.Identity, slog.String("lock_id", lock.ID))
	}

	pkghttp.WriteJSON(w, http.StatusOK, AdminUnlockResponse{
		Message: "Account unlocked",
		Lock:    lock,
	})
}
