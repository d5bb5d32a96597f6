package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/server/middleware"
	"github.com/faucetdb/keyward/internal/service"
)

// ---------------------------------------------------------------------------
// Login / Refresh / Logout
// ---------------------------------------------------------------------------

func TestLogin_ValidCredentials(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedAdmin(t)

	body := toJSON(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		AdminID      int64  `json:"admin_id"`
		Email        string `json:"email"`
		Name         string `json:"name"`
	}
	decodeJSON(t, rr, &resp)

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("expected non-empty tokens")
	}
	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
	if resp.AdminID != admin.ID {
		t.Errorf("admin_id = %d, want %d", resp.AdminID, admin.ID)
	}
	if resp.Name != "Test Admin" {
		t.Errorf("name = %q, want %q", resp.Name, "Test Admin")
	}

	principal, err := env.authSvc.ValidateJWT(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.Email != "admin@example.com" {
		t.Errorf("token email = %q", principal.Email)
	}
}

func TestLogin_InvalidPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := toJSON(t, map[string]string{
		"email":    "admin@example.com",
		"password": "wrongpassword",
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body)
	assertStatus(t, rr, http.StatusUnauthorized)
	if msg := errorMessage(t, rr); msg != "Invalid credentials" {
		t.Errorf("message = %q", msg)
	}
}

func TestLogin_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/system/admin/session", strings.NewReader("not json"))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/api/v1/system/admin/session", toJSON(t, map[string]string{"email": "a@b.c"}))
	assertStatus(t, rr, http.StatusBadRequest)
	if msg := errorMessage(t, rr); msg != "Email and password are required" {
		t.Errorf("message = %q", msg)
	}
}

func TestRefreshSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	pair, _, err := env.authSvc.Login(context.Background(), "admin@example.com", testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	rr := env.do(t, "POST", "/api/v1/system/admin/session/refresh", toJSON(t, map[string]string{}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/api/v1/system/admin/session/refresh",
		toJSON(t, map[string]string{"refresh_token": pair.RefreshToken}))
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "POST", "/api/v1/system/admin/session/refresh",
		toJSON(t, map[string]string{"refresh_token": pair.RefreshToken}))
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	pair, _, err := env.authSvc.Login(context.Background(), "admin@example.com", testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// No body is accepted.
	rr := env.do(t, "DELETE", "/api/v1/system/admin/session", nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "DELETE", "/api/v1/system/admin/session",
		toJSON(t, map[string]string{"refresh_token": pair.RefreshToken}))
	assertStatus(t, rr, http.StatusOK)

	if _, err := env.authSvc.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Error("refresh after logout should fail")
	}
}

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

func TestCreateAdmin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"valid", map[string]string{"email": "new@example.com", "password": "longenough", "name": "New"}, http.StatusCreated},
		{"duplicate", map[string]string{"email": "new@example.com", "password": "longenough"}, http.StatusConflict},
		{"missing email", map[string]string{"password": "longenough"}, http.StatusBadRequest},
		{"short password", map[string]string{"email": "short@example.com", "password": "abc"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/system/admin", toJSON(t, tt.body))
			assertStatus(t, rr, tt.want)
		})
	}

	rr := env.do(t, "GET", "/api/v1/system/admin", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Resource []model.Admin      `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 1 || resp.Resource[0].Email != "new@example.com" {
		t.Errorf("unexpected admins %+v", resp.Resource)
	}
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/system/api-key", toJSON(t, map[string]interface{}{
		"name":            "billing-sync",
		"scopes":          []string{"billing", "read_only"},
		"user_id":         "user-7",
		"expires_in_days": 30,
		"allowed_ips":     []string{"10.0.0.0/8"},
	}))
	assertStatus(t, rr, http.StatusCreated)

	var issued service.IssuedKey
	decodeJSON(t, rr, &issued)
	if !strings.HasPrefix(issued.Plaintext, "kw_") {
		t.Errorf("plaintext = %q, want kw_ prefix", issued.Plaintext)
	}
	if issued.Key.KeyPrefix != issued.Plaintext[:8] {
		t.Errorf("key_prefix = %q, want %q", issued.Key.KeyPrefix, issued.Plaintext[:8])
	}
	if issued.Key.Status != model.StatusActive || issued.Key.ExpiresAt == nil {
		t.Errorf("unexpected key %+v", issued.Key)
	}
	if issued.Key.UserIDValue() != "user-7" {
		t.Errorf("user_id = %q", issued.Key.UserIDValue())
	}
}

func TestCreateAPIKey_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", "{"},
		{"empty name", `{"name":"  "}`},
		{"unknown scope", `{"name":"x","scopes":["root"]}`},
		{"bad allow-list entry", `{"name":"x","allowed_ips":["not-an-ip"]}`},
		{"negative expiry", `{"name":"x","expires_in_days":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/system/api-key", strings.NewReader(tt.body))
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestGetAPIKey_NotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/system/api-key/missing",
		"/api/v1/system/api-key/missing/stats",
	} {
		rr := env.do(t, "GET", path, nil)
		assertStatus(t, rr, http.StatusNotFound)
		if msg := errorMessage(t, rr); msg != "API key not found" {
			t.Errorf("%s: message = %q", path, msg)
		}
	}
	for _, path := range []string{
		"/api/v1/system/api-key/missing/rotate",
		"/api/v1/system/api-key/missing/suspend",
		"/api/v1/system/api-key/missing/reactivate",
	} {
		assertStatus(t, env.do(t, "POST", path, nil), http.StatusNotFound)
	}
	assertStatus(t, env.do(t, "DELETE", "/api/v1/system/api-key/missing", nil), http.StatusNotFound)
}

func TestUpdateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	issued := env.seedKey(t, service.GenerateRequest{Name: "before"})
	path := "/api/v1/system/api-key/" + issued.Key.ID

	rr := env.do(t, "PATCH", path, toJSON(t, map[string]string{"name": "after"}))
	assertStatus(t, rr, http.StatusOK)
	var key model.APIKey
	decodeJSON(t, rr, &key)
	if key.Name != "after" {
		t.Errorf("name = %q, want after", key.Name)
	}

	rr = env.do(t, "PATCH", path, toJSON(t, map[string]string{"name": ""}))
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestRotateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	issued := env.seedKey(t, service.GenerateRequest{Name: "rotating"})

	rr := env.do(t, "POST", "/api/v1/system/api-key/"+issued.Key.ID+"/rotate", nil)
	assertStatus(t, rr, http.StatusOK)
	var rotated service.IssuedKey
	decodeJSON(t, rr, &rotated)
	if rotated.Plaintext == issued.Plaintext || rotated.Key.ID != issued.Key.ID {
		t.Errorf("unexpected rotation result %+v", rotated.Key)
	}
	if rotated.Key.LastRotatedAt == nil {
		t.Error("last_rotated_at not set")
	}

	fixed := false
	locked := env.seedKey(t, service.GenerateRequest{Name: "locked", IsRotatable: &fixed})
	rr = env.do(t, "POST", "/api/v1/system/api-key/"+locked.Key.ID+"/rotate", nil)
	assertStatus(t, rr, http.StatusConflict)
}

func TestSuspendReactivateRevoke(t *testing.T) {
	env := newTestEnv(t)
	issued := env.seedKey(t, service.GenerateRequest{Name: "stateful"})
	base := "/api/v1/system/api-key/" + issued.Key.ID

	status := func() model.KeyStatus {
		t.Helper()
		rr := env.do(t, "GET", base, nil)
		assertStatus(t, rr, http.StatusOK)
		var k model.APIKey
		decodeJSON(t, rr, &k)
		return k.Status
	}

	assertStatus(t, env.do(t, "POST", base+"/suspend", nil), http.StatusOK)
	if s := status(); s != model.StatusSuspended {
		t.Errorf("status = %q, want suspended", s)
	}
	assertStatus(t, env.do(t, "POST", base+"/reactivate", nil), http.StatusOK)
	if s := status(); s != model.StatusActive {
		t.Errorf("status = %q, want active", s)
	}

	rr := env.do(t, "DELETE", base, nil)
	assertStatus(t, rr, http.StatusOK)
	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["success"] != true {
		t.Errorf("unexpected revoke response %v", resp)
	}
	if s := status(); s != model.StatusRevoked {
		t.Errorf("status = %q, want revoked", s)
	}

	// Revoked keys cannot be suspended.
	assertStatus(t, env.do(t, "POST", base+"/suspend", nil), http.StatusBadRequest)
}

func TestListAPIKeys_Filters(t *testing.T) {
	env := newTestEnv(t)
	u1, u2 := "u1", "u2"
	env.seedKey(t, service.GenerateRequest{Name: "a", UserID: &u1})
	env.seedKey(t, service.GenerateRequest{Name: "b", UserID: &u2})

	rr := env.do(t, "GET", "/api/v1/system/api-key?user_id=u2", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Resource []model.APIKey     `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resource) != 1 || resp.Resource[0].Name != "b" {
		t.Errorf("unexpected keys %+v", resp.Resource)
	}

	rr = env.do(t, "GET", "/api/v1/system/api-key?status=nope", nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestAPIKeyStats(t *testing.T) {
	env := newTestEnv(t)
	days := 10
	issued := env.seedKey(t, service.GenerateRequest{Name: "stats", ExpiresInDays: &days})

	rr := env.do(t, "GET", "/api/v1/system/api-key/"+issued.Key.ID+"/stats", nil)
	assertStatus(t, rr, http.StatusOK)
	var stats model.APIKeyStats
	decodeJSON(t, rr, &stats)
	if stats.ID != issued.Key.ID || stats.Status != model.StatusActive {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.DaysUntilExpiry == nil || *stats.DaysUntilExpiry != 9 {
		t.Errorf("days_until_expiry = %v, want 9", stats.DaysUntilExpiry)
	}
	if stats.RateLimitUsage != nil {
		t.Error("usage should be omitted without a limiter")
	}
}

// ---------------------------------------------------------------------------
// WhoAmI
// ---------------------------------------------------------------------------

func TestWhoAmI_WithoutIdentity(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/v1/external/whoami", nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestWhoAmI_WithIdentity(t *testing.T) {
	env := newTestEnv(t)
	user := "owner-1"
	issued := env.seedKey(t, service.GenerateRequest{
		Name:   "who",
		UserID: &user,
		Scopes: []model.Scope{model.ScopeReadWrite},
	})

	policy, err := middleware.NewPolicy([]string{"/api/v1/external/"}, nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	auth := middleware.NewAPIKeyAuth(env.manager, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := auth.Handler(http.HandlerFunc(WhoAmI))

	req := httptest.NewRequest("GET", "/api/v1/external/whoami", nil)
	req.Header.Set("X-API-Key", issued.Plaintext)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		KeyID  string   `json:"key_id"`
		UserID string   `json:"user_id"`
		Scopes []string `json:"scopes"`
	}
	decodeJSON(t, rr, &resp)
	if resp.KeyID != issued.Key.ID || resp.UserID != user {
		t.Errorf("unexpected identity %+v", resp)
	}
	if len(resp.Scopes) != 1 || resp.Scopes[0] != "read_write" {
		t.Errorf("scopes = %v", resp.Scopes)
	}
}
