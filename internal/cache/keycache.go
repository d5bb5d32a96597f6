package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/telemetry"
)

// DefaultTTL bounds how stale a cached key can be when an invalidation is
// lost.
const DefaultTTL = 5 * time.Minute

// CachedKeyView is the validation-relevant part of an API key record.
type CachedKeyView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	KeyPrefix   string           `json:"key_prefix"`
	UserID      *string          `json:"user_id,omitempty"`
	ClientID    *string          `json:"client_id,omitempty"`
	Status      model.KeyStatus  `json:"status"`
	Scopes      []model.Scope    `json:"scopes"`
	RateLimits  model.RateLimits `json:"rate_limits"`
	AllowedIPs  []string         `json:"allowed_ips,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	IsRotatable bool             `json:"is_rotatable"`
	CachedAt    time.Time        `json:"cached_at"`
}

// ViewOf snapshots key.
func ViewOf(key *model.APIKey, now time.Time) CachedKeyView {
	return CachedKeyView{
		ID:          key.ID,
		Name:        key.Name,
		KeyPrefix:   key.KeyPrefix,
		UserID:      key.UserID,
		ClientID:    key.ClientID,
		Status:      key.Status,
		Scopes:      key.Scopes,
		RateLimits:  key.RateLimits,
		AllowedIPs:  key.AllowedIPs,
		ExpiresAt:   key.ExpiresAt,
		IsRotatable: key.IsRotatable,
		CachedAt:    now.UTC(),
	}
}

// Record rebuilds a partial key record from the view. Usage and timestamp
// fields are left zero.
func (v CachedKeyView) Record(hash string) *model.APIKey {
	return &model.APIKey{
		ID:          v.ID,
		Name:        v.Name,
		KeyHash:     hash,
		KeyPrefix:   v.KeyPrefix,
		UserID:      v.UserID,
		ClientID:    v.ClientID,
		Status:      v.Status,
		Scopes:      v.Scopes,
		RateLimits:  v.RateLimits,
		AllowedIPs:  v.AllowedIPs,
		ExpiresAt:   v.ExpiresAt,
		IsRotatable: v.IsRotatable,
	}
}

// KeyCache stores CachedKeyView values by key hash. A nil *KeyCache is valid
// and always misses.
type KeyCache struct {
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewKeyCache creates a KeyCache over store. metrics may be nil.
func NewKeyCache(store Store, ttl time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCache{store: store, ttl: ttl, logger: logger, metrics: metrics, now: time.Now}
}

// tombstone marks a hash whose entry was invalidated. It blocks Put until it
// expires, so a fill built from a read that raced a mutation cannot bring the
// old record back.
var tombstone = []byte("-")

func cacheKey(hash string) string {
	return "api_key:" + hash
}

// Get returns the cached view for hash. Store failures and undecodable
// entries are logged and reported as a miss.
func (c *KeyCache) Get(ctx context.Context, hash string) (*CachedKeyView, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.store.Get(ctx, cacheKey(hash))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.metrics.CacheRequest("miss")
		} else {
			c.metrics.CacheRequest("error")
			c.logger.Warn("key cache read failed", "error", err)
		}
		return nil, false
	}
	if bytes.Equal(data, tombstone) {
		c.metrics.CacheRequest("miss")
		return nil, false
	}

	var view CachedKeyView
	if err := json.Unmarshal(data, &view); err != nil {
		c.metrics.CacheRequest("error")
		c.logger.Warn("discarding undecodable key cache entry", "error", err)
		_ = c.store.Delete(ctx, cacheKey(hash))
		return nil, false
	}
	c.metrics.CacheRequest("hit")
	return &view, true
}

// Put caches a snapshot of key under its current hash. It never replaces an
// existing entry or a tombstone; changed records are dropped with Invalidate
// and refilled from the store on the next lookup.
func (c *KeyCache) Put(ctx context.Context, key *model.APIKey) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(ViewOf(key, c.now()))
	if err != nil {
		return err
	}
	_, err = c.store.SetIfAbsent(ctx, cacheKey(key.KeyHash), data, c.ttl)
	return err
}

// Invalidate replaces the entry for hash with a tombstone that lives for the
// cache TTL.
func (c *KeyCache) Invalidate(ctx context.Context, hash string) error {
	if c == nil {
		return nil
	}
	return c.store.Set(ctx, cacheKey(hash), tombstone, c.ttl)
}
