package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/service"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if respID := rr.Header().Get("X-Request-ID"); len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q", respID)
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := GetRequestID(r.Context()); id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if respID := rr.Header().Get("X-Request-ID"); respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestRequestIDReplacesOversizedID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if respID := rr.Header().Get("X-Request-ID"); len(respID) != 36 {
		t.Errorf("expected a generated ID, got %d chars", len(respID))
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Policy tests
// ---------------------------------------------------------------------------

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(
		[]string{"/api/v1/payments/", "/api/v1/admin/", "/api/v1/external/"},
		map[string][]string{
			"/api/v1/payments/":         {"payment"},
			"/api/v1/payments/refunds/": {"payment", "billing"},
			"/api/v1/admin/":            {"admin"},
		},
	)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func TestPolicyProtects(t *testing.T) {
	p := testPolicy(t)
	tests := []struct {
		path string
		want bool
	}{
		{"/api/v1/payments/charge", true},
		{"/api/v1/admin/whoami", true},
		{"/api/v1/external/x", true},
		{"/api/v1/system/api-key", false},
		{"/healthz", false},
		{"/api/v1/payments", false},
	}
	for _, tt := range tests {
		if got := p.Protects(tt.path); got != tt.want {
			t.Errorf("Protects(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPolicyRequiredScopesLongestPrefix(t *testing.T) {
	p := testPolicy(t)

	got := p.RequiredScopes("/api/v1/payments/refunds/42")
	if len(got) != 2 || got[0] != model.ScopePayment || got[1] != model.ScopeBilling {
		t.Errorf("refunds: got %v", got)
	}
	got = p.RequiredScopes("/api/v1/payments/charge")
	if len(got) != 1 || got[0] != model.ScopePayment {
		t.Errorf("payments: got %v", got)
	}
	if got := p.RequiredScopes("/api/v1/external/x"); len(got) != 0 {
		t.Errorf("external: expected no scopes, got %v", got)
	}
}

func TestNewPolicyRejectsUnknownScope(t *testing.T) {
	_, err := NewPolicy(nil, map[string][]string{"/x/": {"superuser"}})
	if err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

// ---------------------------------------------------------------------------
// APIKeyAuth tests
// ---------------------------------------------------------------------------

type fakeValidator struct {
	key   *model.APIKey
	err   error
	calls int
	last  service.ValidateRequest
}

func (f *fakeValidator) Validate(ctx context.Context, req service.ValidateRequest) (*model.APIKey, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.key, nil
}

func serveAPIKey(t *testing.T, a *APIKeyAuth, req *http.Request) (*httptest.ResponseRecorder, *APIKeyIdentity) {
	t.Helper()
	var identity *APIKeyIdentity
	handler := a.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity = GetAPIKeyIdentity(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, identity
}

func decodeKeyError(t *testing.T, rr *httptest.ResponseRecorder) model.APIKeyErrorResponse {
	t.Helper()
	var body model.APIKeyErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "API_KEY_ERROR" || body.Code != "INVALID_API_KEY" {
		t.Errorf("unexpected error body %+v", body)
	}
	if rr.Header().Get(HeaderKeyStatus) != "invalid" {
		t.Errorf("expected %s: invalid", HeaderKeyStatus)
	}
	return body
}

func TestAPIKeyAuthUnprotectedPassThrough(t *testing.T) {
	v := &fakeValidator{}
	a := NewAPIKeyAuth(v, testPolicy(t), nil)

	rr, identity := serveAPIKey(t, a, httptest.NewRequest("GET", "/api/v1/public/info", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if identity != nil || v.calls != 0 {
		t.Error("unprotected path must not be validated")
	}
}

func TestAPIKeyAuthMissingCredential(t *testing.T) {
	v := &fakeValidator{}
	a := NewAPIKeyAuth(v, testPolicy(t), nil)

	rr, _ := serveAPIKey(t, a, httptest.NewRequest("GET", "/api/v1/admin/whoami", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	decodeKeyError(t, rr)
	if v.calls != 0 {
		t.Error("validator should not be called without a credential")
	}
}

func TestAPIKeyAuthSuccess(t *testing.T) {
	user := "user-1"
	v := &fakeValidator{key: &model.APIKey{ID: "key-1", Scopes: []model.Scope{model.ScopeAdmin}, UserID: &user}}
	a := NewAPIKeyAuth(v, testPolicy(t), nil)

	for _, header := range []struct{ name, value string }{
		{"Authorization", "Bearer kw_secret"},
		{"Authorization", "bearer kw_secret"},
		{"X-API-Key", "kw_secret"},
	} {
		req := httptest.NewRequest("GET", "/api/v1/payments/refunds/1", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set(header.name, header.value)

		rr, identity := serveAPIKey(t, a, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", header.name, rr.Code)
		}
		if rr.Header().Get(HeaderKeyID) != "key-1" || rr.Header().Get(HeaderKeyStatus) != "valid" {
			t.Errorf("missing success headers: %v", rr.Header())
		}
		if identity == nil || identity.KeyID != "key-1" || identity.UserID != "user-1" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if v.last.Plaintext != "kw_secret" {
			t.Errorf("credential %q", v.last.Plaintext)
		}
		if v.last.ClientIP != "10.0.0.1" {
			t.Errorf("client ip %q", v.last.ClientIP)
		}
		if len(v.last.RequiredScopes) != 2 {
			t.Errorf("required scopes %v", v.last.RequiredScopes)
		}
	}
}

func TestAPIKeyAuthRejections(t *testing.T) {
	tests := []struct {
		err     error
		message string
	}{
		{service.ErrKeyNotFound, "Invalid API key"},
		{service.ErrKeyInactive, "API key is not active"},
		{service.ErrKeyExpired, "API key has expired"},
		{service.ErrIPDenied, "IP address not allowed for this API key"},
		{service.ErrInsufficientScope, "Insufficient permissions"},
		{service.ErrRateLimited, "Rate limit exceeded"},
		{service.ErrMalformedCredential, "Invalid API key"},
		{errors.Join(service.ErrDependencyUnavailable, errors.New("dial tcp 10.1.1.1:5432")), "Invalid API key"},
	}
	for _, tt := range tests {
		a := NewAPIKeyAuth(&fakeValidator{err: tt.err}, testPolicy(t), nil)
		req := httptest.NewRequest("GET", "/api/v1/admin/whoami", nil)
		req.Header.Set("X-API-Key", "kw_secret")

		rr, identity := serveAPIKey(t, a, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("%v: expected 403, got %d", tt.err, rr.Code)
			continue
		}
		if identity != nil {
			t.Errorf("%v: handler should not run", tt.err)
		}
		if body := decodeKeyError(t, rr); body.Message != tt.message {
			t.Errorf("%v: message %q, want %q", tt.err, body.Message, tt.message)
		}
	}
}

func TestAPIKeyAuthSetPolicy(t *testing.T) {
	v := &fakeValidator{}
	a := NewAPIKeyAuth(v, testPolicy(t), nil)

	p, err := NewPolicy([]string{"/api/v1/public/"}, nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	a.SetPolicy(p)

	rr, _ := serveAPIKey(t, a, httptest.NewRequest("GET", "/api/v1/public/info", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected new policy to protect /api/v1/public/, got %d", rr.Code)
	}
	rr, _ = serveAPIKey(t, a, httptest.NewRequest("GET", "/api/v1/admin/whoami", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected old prefix to pass through, got %d", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin JWT middleware tests
// ---------------------------------------------------------------------------

func newTestAuthService(t *testing.T) *service.AuthService {
	t.Helper()
	store, err := config.NewStore(config.StoreConfig{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return service.NewAuthService(store, service.AuthConfig{JWTSecret: "middleware-test-secret"})
}

func TestAuthenticate(t *testing.T) {
	authSvc := newTestAuthService(t)
	token, err := authSvc.IssueJWT(context.Background(), 42, "ops@example.com", time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	var got *Principal
	handler := Authenticate(authSvc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/v1/system/api-key", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got == nil || got.AdminID != 42 || got.Email != "ops@example.com" {
		t.Errorf("unexpected principal %+v", got)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	authSvc := newTestAuthService(t)
	expired, err := authSvc.IssueJWT(context.Background(), 1, "a@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	handler := Authenticate(authSvc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not be called")
	}))

	for name, header := range map[string]string{
		"missing": "",
		"garbage": "Bearer not-a-jwt",
		"expired": "Bearer " + expired,
		"basic":   "Basic dXNlcjpwYXNz",
	} {
		req := httptest.NewRequest("GET", "/api/v1/system/api-key", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rr.Code)
		}
		var body model.ErrorResponse
		if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body.Error.Code != 401 {
			t.Errorf("%s: unexpected body (err=%v) %+v", name, err, body)
		}
	}
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	if GetPrincipal(context.Background()) != nil {
		t.Error("expected nil principal from bare context")
	}
}

// ---------------------------------------------------------------------------
// RateLimit and Logger tests
// ---------------------------------------------------------------------------

func TestRateLimitByIP(t *testing.T) {
	handler := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/system/admin/session", nil)
		req.RemoteAddr = "192.0.2.10:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	req := httptest.NewRequest("POST", "/api/v1/system/admin/session", nil)
	req.RemoteAddr = "192.0.2.11:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("other ip should not be limited, got %d", rr.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	handler := RateLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d limited", i)
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	for _, status := range []int{200, 404, 503} {
		buf.Reset()
		handler := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderKeyID, "key-9")
			w.WriteHeader(status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		want := map[int]string{200: "INFO", 404: "WARN", 503: "ERROR"}[status]
		if entry["level"] != want {
			t.Errorf("status %d logged at %v, want %s", status, entry["level"], want)
		}
		if entry["api_key_id"] != "key-9" {
			t.Errorf("expected api_key_id in log line, got %v", entry["api_key_id"])
		}
	}
}

func TestLoggerProbePathsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := Logger(logger, "/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("healthy probe logged at INFO: %s", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/other", nil))
	if !strings.Contains(buf.String(), `"path":"/other"`) {
		t.Errorf("expected access line for /other, got %s", buf.String())
	}
}
