package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/keyward/internal/cache"
	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/keygen"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/ratelimit"
	"github.com/faucetdb/keyward/internal/telemetry"
)

// KeyStore is the persistence the Manager needs. *config.Store implements it.
type KeyStore interface {
	InsertAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, f config.APIKeyFilter) ([]model.APIKey, error)
	UpdateAPIKeyStatus(ctx context.Context, id string, status model.KeyStatus, at time.Time) error
	ExpireAPIKey(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateAPIKeyName(ctx context.Context, id, name string, at time.Time) error
	UpdateAPIKeyUsage(ctx context.Context, id, ip string, at time.Time) error
	UpdateAPIKeyRotation(ctx context.Context, id, prevHash, newHash, newPrefix string, at time.Time) error
	ExpireOverdueAPIKeys(ctx context.Context, now time.Time) ([]config.ExpiredKey, error)
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxNameLength    = 255
)

// ManagerConfig holds the Manager's tunables.
type ManagerConfig struct {
	KeyTag              string
	DefaultLimits       model.RateLimits
	DefaultRotationDays int
	StoreTimeout        time.Duration
	Now                 func() time.Time
}

// Manager owns the API key lifecycle: generation, validation, rotation and
// revocation.
type Manager struct {
	store   KeyStore
	cache   *cache.KeyCache
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	metrics *telemetry.Metrics
	cfg     ManagerConfig

	// scanPage is the page size for full-table scans such as DueForRotation.
	scanPage int
}

// ManagerOption configures optional Manager dependencies.
type ManagerOption func(*Manager)

// WithCache enables the key cache.
func WithCache(kc *cache.KeyCache) ManagerOption {
	return func(m *Manager) { m.cache = kc }
}

// WithLimiter enables rate limiting. Without it every request is within
// limits.
func WithLimiter(l *ratelimit.Limiter) ManagerOption {
	return func(m *Manager) { m.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records validation and lifecycle metrics.
func WithMetrics(mt *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager.
func NewManager(store KeyStore, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.KeyTag == "" {
		cfg.KeyTag = keygen.DefaultTag
	}
	if cfg.DefaultLimits == (model.RateLimits{}) {
		cfg.DefaultLimits = model.DefaultRateLimits()
	}
	if cfg.DefaultRotationDays <= 0 {
		cfg.DefaultRotationDays = 90
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{store: store, cfg: cfg, logger: slog.Default(), scanPage: maxListLimit}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateRequest describes a key to create. Nil pointers take defaults.
type GenerateRequest struct {
	Name                 string            `json:"name"`
	Scopes               []model.Scope     `json:"scopes"`
	UserID               *string           `json:"user_id,omitempty"`
	ClientID             *string           `json:"client_id,omitempty"`
	ExpiresInDays        *int              `json:"expires_in_days,omitempty"`
	RateLimits           *model.RateLimits `json:"rate_limits,omitempty"`
	AllowedIPs           []string          `json:"allowed_ips,omitempty"`
	IsRotatable          *bool             `json:"is_rotatable,omitempty"`
	RotationIntervalDays int               `json:"rotation_interval_days,omitempty"`
}

// IssuedKey carries a plaintext key, shown exactly once, with its record.
type IssuedKey struct {
	Plaintext string        `json:"api_key"`
	Key       *model.APIKey `json:"key"`
}

// Generate creates, persists and caches a new active key.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*IssuedKey, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
	}
	for _, sc := range req.Scopes {
		if _, err := model.ParseScope(string(sc)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	allowed, err := normalizeAllowList(req.AllowedIPs)
	if err != nil {
		return nil, err
	}
	if req.ExpiresInDays != nil && *req.ExpiresInDays < 0 {
		return nil, fmt.Errorf("%w: expires_in_days must not be negative", ErrInvalidInput)
	}

	mat, err := keygen.Generate(m.cfg.KeyTag)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}

	now := m.cfg.Now().UTC()
	key := &model.APIKey{
		ID:                   id.String(),
		Name:                 name,
		KeyHash:              mat.Hash,
		KeyPrefix:            mat.Prefix,
		UserID:               req.UserID,
		ClientID:             req.ClientID,
		Status:               model.StatusActive,
		Scopes:               dedupeScopes(req.Scopes),
		RateLimits:           m.cfg.DefaultLimits,
		AllowedIPs:           allowed,
		CreatedAt:            now,
		UpdatedAt:            now,
		IsRotatable:          true,
		RotationIntervalDays: m.cfg.DefaultRotationDays,
	}
	if req.RateLimits != nil {
		key.RateLimits = *req.RateLimits
	}
	if req.IsRotatable != nil {
		key.IsRotatable = *req.IsRotatable
	}
	if req.RotationIntervalDays > 0 {
		key.RotationIntervalDays = req.RotationIntervalDays
	}
	if req.ExpiresInDays != nil {
		exp := now.Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &exp
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.InsertAPIKey(sctx, key); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	m.cachePut(ctx, key)
	m.metrics.Lifecycle("generate")
	m.logger.Info("api key generated", "key_id", key.ID, "key_prefix", key.KeyPrefix, "name", key.Name)
	return &IssuedKey{Plaintext: mat.Plaintext, Key: key}, nil
}

// ValidateRequest is one credential check.
type ValidateRequest struct {
	Plaintext      string
	ClientIP       string
	RequiredScopes []model.Scope
}

// Validate checks a presented key. Checks run in a fixed order and the first
// failure is returned: lookup, status and expiry, IP allow-list, scopes, rate
// limit. On success usage is recorded best-effort and the record returned.
// A cancelled ctx yields ctx's error and nothing is recorded.
func (m *Manager) Validate(ctx context.Context, req ValidateRequest) (key *model.APIKey, err error) {
	start := m.cfg.Now()
	defer func() {
		result := "ok"
		if err != nil {
			if result = Reason(err); result == "" {
				result = "canceled"
			}
		}
		m.metrics.ObserveValidation(result, m.cfg.Now().Sub(start))
	}()

	if !keygen.WellFormed(req.Plaintext) {
		return nil, ErrMalformedCredential
	}
	hash := keygen.Hash(req.Plaintext)

	key, err = m.lookup(ctx, hash)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Now()
	if key.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrKeyInactive, key.Status)
	}
	if key.IsExpiredAt(now) {
		m.markExpired(ctx, key, now)
		return nil, ErrKeyExpired
	}
	if len(key.AllowedIPs) > 0 && !ipAllowed(req.ClientIP, key.AllowedIPs) {
		m.logger.Warn("api key used from unauthorized ip",
			"key_id", key.ID, "key_prefix", key.KeyPrefix, "client_ip", req.ClientIP)
		return nil, ErrIPDenied
	}
	if !model.HasRequired(key.Scopes, req.RequiredScopes) {
		return nil, ErrInsufficientScope
	}
	if m.limiter != nil {
		allowed, err := m.limiter.Allow(ctx, key.ID, key.RateLimits)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrRateLimited
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.recordUsage(ctx, key.ID, req.ClientIP)
	return key, nil
}

// lookup resolves hash through the cache, then the store. Store failures
// other than not-found fail closed.
func (m *Manager) lookup(ctx context.Context, hash string) (*model.APIKey, error) {
	if view, ok := m.cache.Get(ctx, hash); ok {
		return view.Record(hash), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	key, err := m.store.GetAPIKeyByHash(sctx, hash)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		m.logger.Warn("key store lookup failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	m.cachePut(ctx, key)
	return key, nil
}

// markExpired persists the expired status of an overdue key and drops it
// from the cache. Only an active record is changed, so a stale cached view
// cannot overwrite a revocation or suspension. Failures are logged; the
// caller rejects the key either way.
func (m *Manager) markExpired(ctx context.Context, key *model.APIKey, now time.Time) {
	dctx, cancel := m.detachedCtx(ctx)
	defer cancel()
	changed, err := m.store.ExpireAPIKey(dctx, key.ID, now)
	m.cacheInvalidate(dctx, key.KeyHash)
	switch {
	case err != nil:
		m.logger.Warn("failed to persist api key expiry", "key_id", key.ID, "error", err)
	case changed:
		m.metrics.Lifecycle("expire")
		m.logger.Info("api key expired", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	default:
		m.logger.Debug("api key no longer active, expiry not recorded", "key_id", key.ID)
	}
}

func (m *Manager) recordUsage(ctx context.Context, id, ip string) {
	dctx, cancel := m.detachedCtx(ctx)
	defer cancel()
	if err := m.store.UpdateAPIKeyUsage(dctx, id, ip, m.cfg.Now()); err != nil {
		m.logger.Warn("failed to record api key usage", "key_id", id, "error", err)
	}
}

// Rotate replaces a key's secret. The old plaintext stops validating once
// the store commit succeeds. A concurrent rotation that commits first makes
// this one fail with config.ErrConflict.
func (m *Manager) Rotate(ctx context.Context, id string) (*IssuedKey, error) {
	old, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.IsRotatable {
		return nil, ErrNotRotatable
	}

	mat, err := keygen.Generate(m.cfg.KeyTag)
	if err != nil {
		return nil, err
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	now := m.cfg.Now().UTC()
	if err := m.store.UpdateAPIKeyRotation(sctx, id, old.KeyHash, mat.Hash, mat.Prefix, now); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("rotate api key: %w", err)
	}

	m.cacheInvalidate(ctx, old.KeyHash)

	key := *old
	key.KeyHash = mat.Hash
	key.KeyPrefix = mat.Prefix
	key.LastRotatedAt = &now
	key.UpdatedAt = now
	m.cachePut(ctx, &key)

	m.metrics.Lifecycle("rotate")
	m.logger.Info("api key rotated", "key_id", id, "old_prefix", old.KeyPrefix, "key_prefix", key.KeyPrefix)
	return &IssuedKey{Plaintext: mat.Plaintext, Key: &key}, nil
}

// Revoke permanently disables a key. Revoking a revoked key succeeds without
// a store write; its cache entry is still dropped.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	key, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.Status == model.StatusRevoked {
		m.cacheInvalidate(ctx, key.KeyHash)
		return nil
	}
	if err := m.setStatus(ctx, key, model.StatusRevoked); err != nil {
		return err
	}
	m.metrics.Lifecycle("revoke")
	m.logger.Info("api key revoked", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	return nil
}

// Suspend temporarily disables an active key.
func (m *Manager) Suspend(ctx context.Context, id string) (*model.APIKey, error) {
	key, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Status != model.StatusActive && key.Status != model.StatusSuspended {
		return nil, fmt.Errorf("%w: cannot suspend a %s key", ErrInvalidInput, key.Status)
	}
	if key.Status == model.StatusActive {
		if err := m.setStatus(ctx, key, model.StatusSuspended); err != nil {
			return nil, err
		}
		m.metrics.Lifecycle("suspend")
		m.logger.Info("api key suspended", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	}
	return key, nil
}

// Reactivate returns a key to active. Keys whose expiry has passed cannot be
// reactivated.
func (m *Manager) Reactivate(ctx context.Context, id string) (*model.APIKey, error) {
	key, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.IsExpiredAt(m.cfg.Now()) {
		return nil, fmt.Errorf("%w: key expiry has passed", ErrInvalidInput)
	}
	if key.Status != model.StatusActive {
		if err := m.setStatus(ctx, key, model.StatusActive); err != nil {
			return nil, err
		}
		m.metrics.Lifecycle("reactivate")
		m.logger.Info("api key reactivated", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	}
	return key, nil
}

func (m *Manager) setStatus(ctx context.Context, key *model.APIKey, status model.KeyStatus) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	now := m.cfg.Now().UTC()
	if err := m.store.UpdateAPIKeyStatus(sctx, key.ID, status, now); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("update api key status: %w", err)
	}
	m.cacheInvalidate(ctx, key.KeyHash)
	key.Status = status
	key.UpdatedAt = now
	return nil
}

// Rename changes a key's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) (*model.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.UpdateAPIKeyName(sctx, id, name, m.cfg.Now().UTC()); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("rename api key: %w", err)
	}
	key, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cacheInvalidate(ctx, key.KeyHash)
	return key, nil
}

// Get returns a key by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.APIKey, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	key, err := m.store.GetAPIKey(sctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

// List returns keys matching f, newest first. The limit defaults to 100 and
// is capped at 1000.
func (m *Manager) List(ctx context.Context, f config.APIKeyFilter) ([]model.APIKey, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	keys, err := m.store.ListAPIKeys(sctx, f)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Stats returns usage statistics for a key. Rate-limit usage is omitted when
// no limiter is configured or the counter store cannot be read.
func (m *Manager) Stats(ctx context.Context, id string) (*model.APIKeyStats, error) {
	key, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &model.APIKeyStats{
		ID:            key.ID,
		Name:          key.Name,
		Status:        key.Status,
		TotalRequests: key.TotalRequests,
		LastUsedAt:    key.LastUsedAt,
		LastRequestIP: key.LastRequestIP,
		NeedsRotation: m.NeedsRotation(key),
	}
	if key.ExpiresAt != nil {
		days := floorDays(key.ExpiresAt.Sub(m.cfg.Now()))
		stats.DaysUntilExpiry = &days
	}
	if m.limiter != nil {
		usage, err := m.limiter.Usage(ctx, key.ID, key.RateLimits)
		if err != nil {
			m.logger.Warn("rate limit usage unavailable", "key_id", key.ID, "error", err)
		} else {
			stats.RateLimitUsage = &usage
		}
	}
	return stats, nil
}

// NeedsRotation reports whether a rotatable key's rotation interval has
// elapsed since its last rotation, or since creation if never rotated.
func (m *Manager) NeedsRotation(key *model.APIKey) bool {
	if !key.IsRotatable || key.RotationIntervalDays <= 0 {
		return false
	}
	base := key.CreatedAt
	if key.LastRotatedAt != nil {
		base = *key.LastRotatedAt
	}
	due := base.Add(time.Duration(key.RotationIntervalDays) * 24 * time.Hour)
	return !m.cfg.Now().Before(due)
}

// ExpireOverdue transitions every overdue active key to expired and drops
// those keys from the cache.
func (m *Manager) ExpireOverdue(ctx context.Context) ([]config.ExpiredKey, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	expired, err := m.store.ExpireOverdueAPIKeys(sctx, m.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("expire overdue api keys: %w", err)
	}
	for _, k := range expired {
		m.cacheInvalidate(ctx, k.KeyHash)
		m.metrics.Lifecycle("expire")
		m.logger.Info("api key expired", "key_id", k.ID)
	}
	return expired, nil
}

// DueForRotation lists active keys whose rotation interval has elapsed. It
// pages through every active key.
func (m *Manager) DueForRotation(ctx context.Context) ([]model.APIKey, error) {
	var due []model.APIKey
	for offset := 0; ; offset += m.scanPage {
		sctx, cancel := m.storeCtx(ctx)
		keys, err := m.store.ListAPIKeys(sctx, config.APIKeyFilter{
			Status: model.StatusActive,
			Limit:  m.scanPage,
			Offset: offset,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list api keys: %w", err)
		}
		for i := range keys {
			if m.NeedsRotation(&keys[i]) {
				due = append(due, keys[i])
			}
		}
		if len(keys) < m.scanPage {
			return due, nil
		}
	}
}

// storeCtx bounds a store call by the configured timeout.
func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// detachedCtx is for best-effort writes that must not be aborted by the
// caller going away.
func (m *Manager) detachedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
}

func (m *Manager) cachePut(ctx context.Context, key *model.APIKey) {
	if m.cache == nil {
		return
	}
	dctx, cancel := m.detachedCtx(ctx)
	defer cancel()
	if err := m.cache.Put(dctx, key); err != nil {
		m.logger.Warn("key cache write failed", "key_id", key.ID, "error", err)
	}
}

func (m *Manager) cacheInvalidate(ctx context.Context, hash string) {
	if m.cache == nil {
		return
	}
	dctx, cancel := m.detachedCtx(ctx)
	defer cancel()
	if err := m.cache.Invalidate(dctx, hash); err != nil {
		m.logger.Error("key cache invalidation failed, stale entry lives until ttl", "error", err)
	}
}

func dedupeScopes(scopes []model.Scope) []model.Scope {
	out := make([]model.Scope, 0, len(scopes))
	seen := make(map[model.Scope]bool, len(scopes))
	for _, sc := range scopes {
		if !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}
	return out
}

// normalizeAllowList validates allow-list entries: single addresses or CIDR
// prefixes.
func normalizeAllowList(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		var norm string
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid allowed ip %q", ErrInvalidInput, e)
			}
			norm = p.Masked().String()
		} else {
			a, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid allowed ip %q", ErrInvalidInput, e)
			}
			norm = a.Unmap().String()
		}
		if !seen[norm] {
			seen[norm] = true
			out = append(out, norm)
		}
	}
	return out, nil
}

// ipAllowed reports whether ip matches an allow-list entry. An absent or
// unparseable ip never matches.
func ipAllowed(ip string, allowed []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, e := range allowed {
		if strings.Contains(e, "/") {
			if p, err := netip.ParsePrefix(e); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

func floorDays(d time.Duration) int {
	day := 24 * time.Hour
	n := d / day
	if d%day < 0 {
		n--
	}
	return int(n)
}
