package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/faucetdb/keyward/internal/model"
)

// apiKeyColumns lists the api_keys columns in the order model.APIKey scans them.
const apiKeyColumns = `id, name, key_hash, key_prefix, user_id, client_id, status,
	rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day,
	created_at, updated_at, last_used_at, last_request_ip, total_requests,
	expires_at, is_rotatable, rotation_interval_days, last_rotated_at`

// APIKeyFilter narrows ListAPIKeys. Zero values mean "no filter"; a Limit of
// zero or less means no limit. Offset skips rows and only applies with a
// Limit.
type APIKeyFilter struct {
	UserID string
	Status model.KeyStatus
	Limit  int
	Offset int
}

// ExpiredKey identifies a key transitioned by ExpireOverdueAPIKeys.
type ExpiredKey struct {
	ID      string `db:"id"`
	KeyHash string `db:"key_hash"`
}

// ---------------------------------------------------------------------------
// API key writes
// ---------------------------------------------------------------------------

// InsertAPIKey persists a new key together with its scopes and allowed IPs in
// a single transaction. ID, KeyHash and timestamps must already be set.
func (s *Store) InsertAPIKey(ctx context.Context, key *model.APIKey) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO api_keys
		(id, name, key_hash, key_prefix, user_id, client_id, status,
		 rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day,
		 created_at, updated_at, last_used_at, last_request_ip, total_requests,
		 expires_at, is_rotatable, rotation_interval_days, last_rotated_at)
		VALUES
		(:id, :name, :key_hash, :key_prefix, :user_id, :client_id, :status,
		 :rate_limit_per_minute, :rate_limit_per_hour, :rate_limit_per_day,
		 :created_at, :updated_at, :last_used_at, :last_request_ip, :total_requests,
		 :expires_at, :is_rotatable, :rotation_interval_days, :last_rotated_at)`

	if _, err := tx.NamedExecContext(ctx, q, key); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert api key: %w", ErrConflict)
		}
		return fmt.Errorf("insert api key: %w", err)
	}

	if err := insertKeyChildren(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func insertKeyChildren(ctx context.Context, tx *sqlx.Tx, key *model.APIKey) error {
	for _, sc := range key.Scopes {
		if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO api_key_scopes (key_id, scope) VALUES (?, ?)"), key.ID, string(sc)); err != nil {
			return fmt.Errorf("insert api key scope: %w", err)
		}
	}
	for _, ip := range key.AllowedIPs {
		if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO api_key_allowed_ips (key_id, ip) VALUES (?, ?)"), key.ID, ip); err != nil {
			return fmt.Errorf("insert api key allowed ip: %w", err)
		}
	}
	return nil
}

// UpdateAPIKeyStatus sets the status of a key.
func (s *Store) UpdateAPIKeyStatus(ctx context.Context, id string, status model.KeyStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE api_keys SET status = ?, updated_at = ? WHERE id = ?"),
		string(status), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key status: %w", err)
	}
	return requireRow(result, "update api key status")
}

// ExpireAPIKey moves a key from active to expired. It reports false, without
// error, when the key exists but is no longer active.
func (s *Store) ExpireAPIKey(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE api_keys SET status = ?, updated_at = ? WHERE id = ? AND status = ?"),
		string(model.StatusExpired), at.UTC(), id, string(model.StatusActive))
	if err != nil {
		return false, fmt.Errorf("expire api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire api key rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetAPIKey(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateAPIKeyName renames a key.
func (s *Store) UpdateAPIKeyName(ctx context.Context, id, name string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE api_keys SET name = ?, updated_at = ? WHERE id = ?"),
		name, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key name: %w", err)
	}
	return requireRow(result, "update api key name")
}

// UpdateAPIKeyUsage records a successful validation: it bumps the request
// counter and stamps the last-used time and source address.
func (s *Store) UpdateAPIKeyUsage(ctx context.Context, id, ip string, at time.Time) error {
	var lastIP sql.NullString
	if ip != "" {
		lastIP = sql.NullString{String: ip, Valid: true}
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE api_keys SET
		total_requests = total_requests + 1,
		last_used_at = ?,
		last_request_ip = COALESCE(?, last_request_ip),
		updated_at = ?
		WHERE id = ?`), at.UTC(), lastIP, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update api key usage: %w", err)
	}
	return requireRow(result, "update api key usage")
}

// UpdateAPIKeyRotation swaps a key's hash and prefix. The write only applies
// while the stored hash still equals prevHash, so hash, prefix and rotation
// timestamp always come from the same rotation. A lost race returns
// ErrConflict.
func (s *Store) UpdateAPIKeyRotation(ctx context.Context, id, prevHash, newHash, newPrefix string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE api_keys SET
		key_hash = ?, key_prefix = ?, last_rotated_at = ?, updated_at = ?
		WHERE id = ? AND key_hash = ?`),
		newHash, newPrefix, at.UTC(), at.UTC(), id, prevHash)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate api key rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind("SELECT COUNT(*) FROM api_keys WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("rotate api key lookup: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return tx.Commit()
}

// ExpireOverdueAPIKeys transitions every active key whose expiry is at or
// before now to expired, returning the affected keys.
func (s *Store) ExpireOverdueAPIKeys(ctx context.Context, now time.Time) ([]ExpiredKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var candidates []struct {
		ExpiredKey
		ExpiresAt time.Time `db:"expires_at"`
	}
	if err := tx.SelectContext(ctx, &candidates, tx.Rebind(
		"SELECT id, key_hash, expires_at FROM api_keys WHERE status = ? AND expires_at IS NOT NULL"),
		string(model.StatusActive)); err != nil {
		return nil, fmt.Errorf("select expiring api keys: %w", err)
	}

	// Compared in Go rather than SQL so the result does not depend on how
	// each driver encodes timestamps.
	var expired []ExpiredKey
	for _, c := range candidates {
		if now.Before(c.ExpiresAt) {
			continue
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"UPDATE api_keys SET status = ?, updated_at = ? WHERE id = ? AND status = ?"),
			string(model.StatusExpired), now.UTC(), c.ID, string(model.StatusActive)); err != nil {
			return nil, fmt.Errorf("expire api key %s: %w", c.ID, err)
		}
		expired = append(expired, c.ExpiredKey)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return expired, nil
}

// ---------------------------------------------------------------------------
// API key reads
// ---------------------------------------------------------------------------

// GetAPIKeyByHash looks up a key by its SHA-256 hash via the unique index.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "key_hash", hash)
}

// GetAPIKey looks up a key by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "id", id)
}

func (s *Store) getAPIKey(ctx context.Context, column, value string) (*model.APIKey, error) {
	var key model.APIKey
	q := s.rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + column + " = ?")
	if err := s.db.GetContext(ctx, &key, q, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by %s: %w", column, err)
	}

	keys := []model.APIKey{key}
	if err := s.loadKeyChildren(ctx, keys); err != nil {
		return nil, err
	}
	return &keys[0], nil
}

// ListAPIKeys returns keys matching the filter, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, f APIKeyFilter) ([]model.APIKey, error) {
	q := "SELECT " + apiKeyColumns + " FROM api_keys WHERE 1 = 1"
	var args []interface{}
	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	keys := []model.APIKey{}
	if err := s.db.SelectContext(ctx, &keys, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	if err := s.loadKeyChildren(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// CountAPIKeysByStatus returns the number of keys in each status.
func (s *Store) CountAPIKeysByStatus(ctx context.Context) (map[model.KeyStatus]int, error) {
	var rows []struct {
		Status model.KeyStatus `db:"status"`
		N      int             `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM api_keys GROUP BY status"); err != nil {
		return nil, fmt.Errorf("count api keys: %w", err)
	}
	counts := make(map[model.KeyStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// loadKeyChildren fills Scopes and AllowedIPs for each key with one query per
// child table.
func (s *Store) loadKeyChildren(ctx context.Context, keys []model.APIKey) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, len(keys))
	index := make(map[string]int, len(keys))
	for i := range keys {
		ids[i] = keys[i].ID
		index[keys[i].ID] = i
		keys[i].Scopes = []model.Scope{}
	}

	var scopes []struct {
		KeyID string `db:"key_id"`
		Scope string `db:"scope"`
	}
	q, args, err := sqlx.In("SELECT key_id, scope FROM api_key_scopes WHERE key_id IN (?) ORDER BY scope", ids)
	if err != nil {
		return fmt.Errorf("build scope query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &scopes, s.rebind(q), args...); err != nil {
		return fmt.Errorf("load api key scopes: %w", err)
	}
	for _, r := range scopes {
		k := &keys[index[r.KeyID]]
		k.Scopes = append(k.Scopes, model.Scope(r.Scope))
	}

	var ips []struct {
		KeyID string `db:"key_id"`
		IP    string `db:"ip"`
	}
	q, args, err = sqlx.In("SELECT key_id, ip FROM api_key_allowed_ips WHERE key_id IN (?) ORDER BY ip", ids)
	if err != nil {
		return fmt.Errorf("build allowed ip query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &ips, s.rebind(q), args...); err != nil {
		return fmt.Errorf("load api key allowed ips: %w", err)
	}
	for _, r := range ips {
		k := &keys[index[r.KeyID]]
		k.AllowedIPs = append(k.AllowedIPs, r.IP)
	}
	return nil
}

func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
