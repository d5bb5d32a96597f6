package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/faucetdb/keyward/internal/model"
)

// ---------------------------------------------------------------------------
// Admin CRUD
// ---------------------------------------------------------------------------

// CreateAdmin inserts a new admin account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO admins (email, password_hash, name, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		admin.Email, admin.PasswordHash, admin.Name, admin.IsActive, admin.CreatedAt, admin.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert admin: %w", ErrConflict)
		}
		return fmt.Errorf("insert admin: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdmin returns an admin by ID.
func (s *Store) GetAdmin(ctx context.Context, id int64) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.GetContext(ctx, &admin, s.rebind("SELECT * FROM admins WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &admin, nil
}

// GetAdminByEmail returns an admin by email address.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	if err := s.db.GetContext(ctx, &admin, s.rebind("SELECT * FROM admins WHERE email = ?"), email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin by email: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	admins := []model.Admin{}
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin sets the last_login_at timestamp to now.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE admins SET last_login_at = ?, updated_at = ? WHERE id = ?"), now, now, id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	return requireRow(result, "update admin last login")
}

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

// CreateRefreshToken stores a hashed refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, tok *model.RefreshToken) error {
	tok.CreatedAt = time.Now().UTC()
	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO refresh_tokens (admin_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		tok.AdminID, tok.TokenHash, tok.ExpiresAt.UTC(), tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	tok.ID = id
	return nil
}

// GetRefreshTokenByHash looks up a refresh token by its hash.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*model.RefreshToken, error) {
	var tok model.RefreshToken
	if err := s.db.GetContext(ctx, &tok, s.rebind("SELECT * FROM refresh_tokens WHERE token_hash = ?"), hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &tok, nil
}

// RevokeRefreshToken marks a refresh token used. It returns ErrConflict if
// the token was already revoked, which makes each token single-use even
// under concurrent refreshes.
func (s *Store) RevokeRefreshToken(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL"), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
