package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/service"
)

const (
	testJWTSecret = "test-secret-for-handler-tests"
	testPassword  = "supersecretpassword"
)

type testEnv struct {
	store   *config.Store
	authSvc *service.AuthService
	manager *service.Manager
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore(config.StoreConfig{}) // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(store, service.AuthConfig{JWTSecret: testJWTSecret})
	manager := service.NewManager(store, service.ManagerConfig{}, service.WithLogger(logger))
	sysHandler := NewSystemHandler(manager, authSvc, store, logger)

	// Mount routes without auth middleware for direct handler testing.
	r := chi.NewRouter()
	r.Route("/api/v1/system", func(r chi.Router) {
		r.Post("/admin/session", sysHandler.Login)
		r.Post("/admin/session/refresh", sysHandler.RefreshSession)
		r.Delete("/admin/session", sysHandler.Logout)

		r.Get("/admin", sysHandler.ListAdmins)
		r.Post("/admin", sysHandler.CreateAdmin)

		r.Get("/api-key", sysHandler.ListAPIKeys)
		r.Post("/api-key", sysHandler.CreateAPIKey)
		r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
		r.Patch("/api-key/{keyId}", sysHandler.UpdateAPIKey)
		r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
		r.Post("/api-key/{keyId}/rotate", sysHandler.RotateAPIKey)
		r.Post("/api-key/{keyId}/suspend", sysHandler.SuspendAPIKey)
		r.Post("/api-key/{keyId}/reactivate", sysHandler.ReactivateAPIKey)
		r.Get("/api-key/{keyId}/stats", sysHandler.APIKeyStats)
	})
	r.Get("/api/v1/external/whoami", WhoAmI)

	return &testEnv{
		store:   store,
		authSvc: authSvc,
		manager: manager,
		router:  r,
	}
}

// seedAdmin creates a default admin account and returns it.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	hash, err := service.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: hash,
		Name:         "Test Admin",
		IsActive:     true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// seedKey generates a key directly through the manager.
func (e *testEnv) seedKey(t *testing.T, req service.GenerateRequest) *service.IssuedKey {
	t.Helper()
	issued, err := e.manager.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return issued
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// errorMessage decodes a standard error envelope and returns its message.
func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != rr.Code {
		t.Errorf("error.code = %d, want %d", resp.Error.Code, rr.Code)
	}
	return resp.Error.Message
}
