package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/service"
)

// APIKeyHeader is the dedicated credential header. Authorization: Bearer is
// also accepted.
const APIKeyHeader = "X-API-Key"

// Response headers set by the API-key middleware.
const (
	HeaderKeyID     = "X-API-Key-ID"
	HeaderKeyStatus = "X-API-Key-Status"
)

// Validator checks a presented API key. *service.Manager implements it.
type Validator interface {
	Validate(ctx context.Context, req service.ValidateRequest) (*model.APIKey, error)
}

type scopeRule struct {
	prefix string
	scopes []model.Scope
}

// Policy decides which paths need an API key and which scopes they need.
// A Policy is immutable once built.
type Policy struct {
	protected []string
	rules     []scopeRule // longest prefix first
}

// NewPolicy builds a Policy from protected path prefixes and a
// prefix-to-scopes mapping. Unknown scope names are an error.
func NewPolicy(protected []string, requirements map[string][]string) (*Policy, error) {
	p := &Policy{}
	for _, prefix := range protected {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			p.protected = append(p.protected, prefix)
		}
	}
	for prefix, names := range requirements {
		scopes, err := model.ParseScopes(names)
		if err != nil {
			return nil, fmt.Errorf("scope requirements for %q: %w", prefix, err)
		}
		p.rules = append(p.rules, scopeRule{prefix: prefix, scopes: scopes})
	}
	sort.Slice(p.rules, func(i, j int) bool {
		if len(p.rules[i].prefix) != len(p.rules[j].prefix) {
			return len(p.rules[i].prefix) > len(p.rules[j].prefix)
		}
		return p.rules[i].prefix < p.rules[j].prefix
	})
	return p, nil
}

// Protects reports whether path requires an API key.
func (p *Policy) Protects(path string) bool {
	for _, prefix := range p.protected {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequiredScopes returns the scopes of the longest matching prefix, or nil.
func (p *Policy) RequiredScopes(path string) []model.Scope {
	for _, r := range p.rules {
		if strings.HasPrefix(path, r.prefix) {
			return r.scopes
		}
	}
	return nil
}

// APIKeyIdentity is the validated key attached to a request context.
type APIKeyIdentity struct {
	KeyID  string
	Scopes []model.Scope
	UserID string
}

type contextKeyAPIKey struct{}

// GetAPIKeyIdentity returns the identity attached by APIKeyAuth, or nil.
func GetAPIKeyIdentity(ctx context.Context) *APIKeyIdentity {
	if id, ok := ctx.Value(contextKeyAPIKey{}).(*APIKeyIdentity); ok {
		return id
	}
	return nil
}

// APIKeyAuth guards protected paths with API keys. Its policy can be swapped
// at runtime.
type APIKeyAuth struct {
	validator Validator
	policy    atomic.Pointer[Policy]
	logger    *slog.Logger
}

// NewAPIKeyAuth creates the middleware.
func NewAPIKeyAuth(v Validator, policy *Policy, logger *slog.Logger) *APIKeyAuth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &APIKeyAuth{validator: v, logger: logger}
	a.policy.Store(policy)
	return a
}

// SetPolicy replaces the active policy. In-flight requests keep the policy
// they started with.
func (a *APIKeyAuth) SetPolicy(p *Policy) {
	a.policy.Store(p)
}

// Policy returns the active policy.
func (a *APIKeyAuth) Policy() *Policy {
	return a.policy.Load()
}

// Handler is the http middleware.
func (a *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := a.policy.Load()
		if policy == nil || !policy.Protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		credential := ExtractAPIKey(r)
		if credential == "" {
			writeAPIKeyError(w, http.StatusUnauthorized, "API key required")
			return
		}

		key, err := a.validator.Validate(r.Context(), service.ValidateRequest{
			Plaintext:      credential,
			ClientIP:       clientIP(r),
			RequiredScopes: policy.RequiredScopes(r.URL.Path),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				a.logger.Debug("api key validation abandoned", "path", r.URL.Path, "error", err)
				return
			}
			reason := service.Reason(err)
			a.logger.Info("api key rejected",
				"path", r.URL.Path,
				"reason", reason,
				"request_id", GetRequestID(r.Context()),
			)
			writeAPIKeyError(w, http.StatusForbidden, rejectionMessage(reason))
			return
		}

		identity := &APIKeyIdentity{KeyID: key.ID, Scopes: key.Scopes, UserID: key.UserIDValue()}
		w.Header().Set(HeaderKeyID, key.ID)
		w.Header().Set(HeaderKeyStatus, "valid")
		ctx := context.WithValue(r.Context(), contextKeyAPIKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey returns the credential from the Authorization bearer token
// or the X-API-Key header, in that order.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// clientIP returns the request's remote address without its port. RealIP
// upstream has already applied forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// rejectionMessage keeps infrastructure failures indistinguishable from an
// invalid key.
func rejectionMessage(reason string) string {
	switch reason {
	case service.ReasonInactiveStatus:
		return "API key is not active"
	case service.ReasonExpired:
		return "API key has expired"
	case service.ReasonIPDenied:
		return "IP address not allowed for this API key"
	case service.ReasonInsufficientScope:
		return "Insufficient permissions"
	case service.ReasonRateLimited:
		return "Rate limit exceeded"
	default:
		return "Invalid API key"
	}
}

func writeAPIKeyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderKeyStatus, "invalid")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.APIKeyErrorResponse{
		Error:   "API_KEY_ERROR",
		Message: message,
		Code:    "INVALID_API_KEY",
	})
}
