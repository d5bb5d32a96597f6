package model

import "time"

// KeyStatus is the lifecycle state of an API key. Only active keys pass
// validation.
type KeyStatus string

const (
	StatusActive    KeyStatus = "active"
	StatusInactive  KeyStatus = "inactive"
	StatusRevoked   KeyStatus = "revoked"
	StatusExpired   KeyStatus = "expired"
	StatusSuspended KeyStatus = "suspended"
)

// Valid reports whether s is one of the known statuses.
func (s KeyStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusRevoked, StatusExpired, StatusSuspended:
		return true
	}
	return false
}

// RateLimits holds the three independent request ceilings of a key. A value
// of zero or less disables that granularity.
type RateLimits struct {
	PerMinute int `json:"per_minute" db:"rate_limit_per_minute" yaml:"per_minute" mapstructure:"per_minute"`
	PerHour   int `json:"per_hour" db:"rate_limit_per_hour" yaml:"per_hour" mapstructure:"per_hour"`
	PerDay    int `json:"per_day" db:"rate_limit_per_day" yaml:"per_day" mapstructure:"per_day"`
}

// DefaultRateLimits returns the limits applied when a key is generated
// without explicit ones.
func DefaultRateLimits() RateLimits {
	return RateLimits{PerMinute: 60, PerHour: 1000, PerDay: 10000}
}

// APIKey is the persisted API key record. The plaintext secret is never
// stored; only its SHA-256 hash and an 8-character display prefix.
type APIKey struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	KeyHash    string    `json:"-" db:"key_hash"` // never expose
	KeyPrefix  string    `json:"key_prefix" db:"key_prefix"`
	UserID     *string   `json:"user_id,omitempty" db:"user_id"`
	ClientID   *string   `json:"client_id,omitempty" db:"client_id"`
	Status     KeyStatus `json:"status" db:"status"`
	Scopes     []Scope   `json:"scopes" db:"-"`
	RateLimits `json:"rate_limits"`
	AllowedIPs []string  `json:"allowed_ips,omitempty" db:"-"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`

	LastUsedAt    *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	LastRequestIP *string    `json:"last_request_ip,omitempty" db:"last_request_ip"`
	TotalRequests int64      `json:"total_requests" db:"total_requests"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	IsRotatable          bool       `json:"is_rotatable" db:"is_rotatable"`
	RotationIntervalDays int        `json:"rotation_interval_days" db:"rotation_interval_days"`
	LastRotatedAt        *time.Time `json:"last_rotated_at,omitempty" db:"last_rotated_at"`
}

// IsExpiredAt reports whether the key has an expiry at or before now.
func (k *APIKey) IsExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// UserIDValue returns the owning user id or the empty string.
func (k *APIKey) UserIDValue() string {
	if k.UserID == nil {
		return ""
	}
	return *k.UserID
}

// RateWindowUsage describes one granularity's consumption in the current
// fixed window.
type RateWindowUsage struct {
	Used      int64 `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// RateLimitUsage is the per-granularity usage snapshot for a key.
type RateLimitUsage struct {
	PerMinute RateWindowUsage `json:"per_minute"`
	PerHour   RateWindowUsage `json:"per_hour"`
	PerDay    RateWindowUsage `json:"per_day"`
}

// APIKeyStats is the administrative statistics view of a key.
type APIKeyStats struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Status          KeyStatus       `json:"status"`
	TotalRequests   int64           `json:"total_requests"`
	LastUsedAt      *time.Time      `json:"last_used_at,omitempty"`
	LastRequestIP   *string         `json:"last_request_ip,omitempty"`
	RateLimitUsage  *RateLimitUsage `json:"rate_limit_usage,omitempty"`
	DaysUntilExpiry *int            `json:"days_until_expiry,omitempty"`
	NeedsRotation   bool            `json:"needs_rotation"`
}
