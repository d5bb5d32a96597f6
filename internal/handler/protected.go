package handler

import (
	"net/http"

	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/server/middleware"
)

type whoAmIResponse struct {
	KeyID  string   `json:"key_id"`
	UserID string   `json:"user_id,omitempty"`
	Scopes []string `json:"scopes"`
}

// WhoAmI reports the API key identity attached by the API-key middleware.
// It is mounted under every protected prefix.
func WhoAmI(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetAPIKeyIdentity(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "API key required")
		return
	}
	writeJSON(w, http.StatusOK, whoAmIResponse{
		KeyID:  id.KeyID,
		UserID: id.UserID,
		Scopes: model.ScopeStrings(id.Scopes),
	})
}
