package config

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	d := s.dialect
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			key_hash VARCHAR(64) NOT NULL UNIQUE,
			key_prefix VARCHAR(16) NOT NULL,
			user_id VARCHAR(64),
			client_id VARCHAR(255),
			status VARCHAR(20) NOT NULL,
			rate_limit_per_minute INTEGER NOT NULL,
			rate_limit_per_hour INTEGER NOT NULL,
			rate_limit_per_day INTEGER NOT NULL,
			created_at ` + d.timestamp + ` NOT NULL,
			updated_at ` + d.timestamp + ` NOT NULL,
			last_used_at ` + d.timestamp + `,
			last_request_ip VARCHAR(45),
			total_requests ` + d.bigint + ` NOT NULL DEFAULT 0,
			expires_at ` + d.timestamp + `,
			is_rotatable ` + d.boolean + ` NOT NULL,
			rotation_interval_days INTEGER NOT NULL,
			last_rotated_at ` + d.timestamp + `
		)`,

		`CREATE TABLE IF NOT EXISTS api_key_scopes (
			key_id VARCHAR(36) NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
			scope VARCHAR(32) NOT NULL,
			PRIMARY KEY (key_id, scope)
		)`,

		`CREATE TABLE IF NOT EXISTS api_key_allowed_ips (
			key_id VARCHAR(36) NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
			ip VARCHAR(64) NOT NULL,
			PRIMARY KEY (key_id, ip)
		)`,

		`CREATE TABLE IF NOT EXISTS admins (
			id ` + d.autoID + `,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_active ` + d.boolean + ` NOT NULL,
			last_login_at ` + d.timestamp + `,
			created_at ` + d.timestamp + ` NOT NULL,
			updated_at ` + d.timestamp + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id ` + d.autoID + `,
			admin_id ` + d.bigint + ` NOT NULL REFERENCES admins(id) ON DELETE CASCADE,
			token_hash VARCHAR(64) NOT NULL UNIQUE,
			expires_at ` + d.timestamp + ` NOT NULL,
			revoked_at ` + d.timestamp + `,
			created_at ` + d.timestamp + ` NOT NULL
		)`,

		s.createIndex("idx_api_keys_user_id", "api_keys", "user_id"),
		s.createIndex("idx_api_keys_status", "api_keys", "status"),
		s.createIndex("idx_api_keys_expires_at", "api_keys", "expires_at"),
		s.createIndex("idx_refresh_tokens_admin_id", "refresh_tokens", "admin_id"),
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate index on
			// re-run is a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func (s *Store) createIndex(name, table, column string) string {
	if s.dialect.name == DriverMySQL {
		return fmt.Sprintf("CREATE INDEX %s ON %s(%s)", name, table, column)
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, table, column)
}
