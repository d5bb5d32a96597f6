package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/server/middleware"
	"github.com/faucetdb/keyward/internal/service"
)

// SystemHandler serves the admin API: admin sessions, admin accounts and the
// API key lifecycle.
type SystemHandler struct {
	manager *service.Manager
	authSvc *service.AuthService
	store   *config.Store
	logger  *slog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(manager *service.Manager, authSvc *service.AuthService, store *config.Store, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{
		manager: manager,
		authSvc: authSvc,
		store:   store,
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	*service.TokenPair
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login authenticates an admin and returns an access and refresh token pair.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	pair, admin, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.logger.Warn("admin login failed", "email", req.Email, "remote_addr", r.RemoteAddr)
		}
		writeServiceError(w, err, "Authentication error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		TokenPair: pair,
		AdminID:   admin.ID,
		Email:     admin.Email,
		Name:      admin.Name,
	})
}

// RefreshSession exchanges a refresh token for a new token pair. The
// presented refresh token is consumed.
// POST /api/v1/system/admin/session/refresh
func (h *SystemHandler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.authSvc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, err, "Failed to refresh session")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes the presented refresh token. Access tokens stay valid
// until they expire.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	if req.RefreshToken != "" {
		if err := h.authSvc.Logout(r.Context(), req.RefreshToken); err != nil {
			writeServiceError(w, err, "Failed to end session")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

// ListAdmins returns all admin accounts.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list admins: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: admins,
		Meta:     &model.ResponseMeta{Count: len(admins)},
	})
}

// CreateAdmin creates a new admin account.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	hash, err := service.HashPassword(body.Password)
	if err != nil {
		writeServiceError(w, err, "Failed to hash password")
		return
	}

	admin := &model.Admin{
		Email:        strings.TrimSpace(body.Email),
		PasswordHash: hash,
		Name:         body.Name,
		IsActive:     true,
	}
	if err := h.store.CreateAdmin(r.Context(), admin); err != nil {
		if errors.Is(err, config.ErrConflict) {
			writeError(w, http.StatusConflict, "Admin with this email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create admin: "+err.Error())
		return
	}

	if p := middleware.GetPrincipal(r.Context()); p != nil {
		h.logger.Info("admin created", "admin_id", admin.ID, "created_by", p.AdminID)
	}
	writeJSON(w, http.StatusCreated, admin)
}

// ---------------------------------------------------------------------------
// API key management
// ---------------------------------------------------------------------------

// ListAPIKeys returns keys filtered by user_id and status, newest first.
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	filter := config.APIKeyFilter{
		UserID: queryString(r, "user_id"),
		Status: model.KeyStatus(queryString(r, "status")),
		Limit:  queryInt(r, "limit", 0),
	}
	keys, err := h.manager.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys), Limit: filter.Limit},
	})
}

// CreateAPIKey generates a key and returns its plaintext exactly once.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req service.GenerateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	issued, err := h.manager.Generate(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "Failed to create API key")
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// GetAPIKey returns one key's record.
// GET /api/v1/system/api-key/{keyId}
func (h *SystemHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.manager.Get(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, err, "Failed to get API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// UpdateAPIKey renames a key.
// PATCH /api/v1/system/api-key/{keyId}
func (h *SystemHandler) UpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	key, err := h.manager.Rename(r.Context(), chi.URLParam(r, "keyId"), body.Name)
	if err != nil {
		writeServiceError(w, err, "Failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// RotateAPIKey issues a new secret for a key. The old secret stops working
// immediately.
// POST /api/v1/system/api-key/{keyId}/rotate
func (h *SystemHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	issued, err := h.manager.Rotate(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, err, "Failed to rotate API key")
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

// SuspendAPIKey temporarily disables a key.
// POST /api/v1/system/api-key/{keyId}/suspend
func (h *SystemHandler) SuspendAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.manager.Suspend(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, err, "Failed to suspend API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ReactivateAPIKey returns a suspended or inactive key to service.
// POST /api/v1/system/api-key/{keyId}/reactivate
func (h *SystemHandler) ReactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.manager.Reactivate(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, err, "Failed to reactivate API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// RevokeAPIKey permanently disables a key. Revoking twice succeeds.
// DELETE /api/v1/system/api-key/{keyId}
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Revoke(r.Context(), chi.URLParam(r, "keyId")); err != nil {
		writeServiceError(w, err, "Failed to revoke API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// APIKeyStats returns usage statistics for a key.
// GET /api/v1/system/api-key/{keyId}/stats
func (h *SystemHandler) APIKeyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, err, "Failed to get API key stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
