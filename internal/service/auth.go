package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/keygen"
	"github.com/faucetdb/keyward/internal/model"
)

const refreshTokenTag = "kwrt"

// AdminStore is the persistence AuthService needs. *config.Store implements
// it.
type AdminStore interface {
	GetAdmin(ctx context.Context, id int64) (*model.Admin, error)
	GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error)
	UpdateAdminLastLogin(ctx context.Context, id int64) error
	CreateRefreshToken(ctx context.Context, tok *model.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*model.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id int64, at time.Time) error
}

// JWTPrincipal is the admin identity carried by an access token.
type JWTPrincipal struct {
	AdminID int64
	Email   string
}

// TokenPair is issued on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// AuthConfig configures AuthService.
type AuthConfig struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AuthService authenticates admins and issues their tokens: a short-lived
// HS256 access JWT and an opaque single-use refresh token stored hashed.
type AuthService struct {
	store      AdminStore
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewAuthService creates an AuthService.
func NewAuthService(store AdminStore, cfg AuthConfig) *AuthService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &AuthService{
		store:      store,
		jwtSecret:  []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// Login verifies an admin's email and password and issues a token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (*TokenPair, *model.Admin, error) {
	admin, err := s.store.GetAdminByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("lookup admin: %w", err)
	}
	if !admin.IsActive || !CheckPassword(admin.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, admin)
	if err != nil {
		return nil, nil, err
	}
	_ = s.store.UpdateAdminLastLogin(ctx, admin.ID)
	return pair, admin, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed; presenting it again fails.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tok, err := s.lookupRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if err := s.store.RevokeRefreshToken(ctx, tok.ID, s.now()); err != nil {
		if errors.Is(err, config.ErrConflict) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	admin, err := s.store.GetAdmin(ctx, tok.AdminID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup admin: %w", err)
	}
	if !admin.IsActive {
		return nil, ErrInvalidCredentials
	}
	return s.issuePair(ctx, admin)
}

// Logout revokes a refresh token. Unknown or already revoked tokens are not
// an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	tok, err := s.lookupRefresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil
		}
		return err
	}
	if err := s.store.RevokeRefreshToken(ctx, tok.ID, s.now()); err != nil && !errors.Is(err, config.ErrConflict) {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *AuthService) lookupRefresh(ctx context.Context, refreshToken string) (*model.RefreshToken, error) {
	if !keygen.WellFormed(refreshToken) {
		return nil, ErrInvalidCredentials
	}
	tok, err := s.store.GetRefreshTokenByHash(ctx, keygen.Hash(refreshToken))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	if tok.RevokedAt != nil {
		return nil, ErrInvalidCredentials
	}
	return tok, nil
}

func (s *AuthService) issuePair(ctx context.Context, admin *model.Admin) (*TokenPair, error) {
	access, err := s.IssueJWT(ctx, admin.ID, admin.Email, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	mat, err := keygen.Generate(refreshTokenTag)
	if err != nil {
		return nil, err
	}
	tok := &model.RefreshToken{
		AdminID:   admin.ID,
		TokenHash: mat.Hash,
		ExpiresAt: s.now().Add(s.refreshTTL),
	}
	if err := s.store.CreateRefreshToken(ctx, tok); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: mat.Plaintext,
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer("keyward"))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID: claims.AdminID,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID int64, email string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keyward",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
