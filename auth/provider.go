// Package auth is the identity provider: it registers users, issues signed
// tokens and turns a presented token back into a stable owner id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"quota-shortener/db"
	"quota-shortener/models"
	apperrors "quota-shortener/pkg/errors"
)

const (
	MinPasswordLength = 5
	MinSecretLength   = 32
)

var validate = validator.New()

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type Provider struct {
	users   db.UserStore
	revoked RevocationList
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

func NewProvider(users db.UserStore, revoked RevocationList, cfg Config, logger zerolog.Logger) (*Provider, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("signing key must be at least %d characters", MinSecretLength)
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	return &Provider{
		users:   users,
		revoked: revoked,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Register creates an account. The email is matched case-insensitively.
func (p *Provider) Register(ctx context.Context, email, password string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", apperrors.ErrValidation, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%w: password cannot be hashed", apperrors.ErrValidation)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    p.now().UTC(),
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, apperrors.ErrEmailTaken
		}
		return nil, err
	}

	p.logger.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login checks the credentials and issues a token
func (p *Provider) Login(ctx context.Context, email, password string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", apperrors.ErrInvalidCredentials
	}

	user, err := p.users.GetUserByEmail(ctx, email)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", apperrors.ErrInvalidCredentials
	}

	return p.issue(user)
}

func (p *Provider) issue(user *models.User) (string, error) {
	now := p.now()
	claims := &Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    p.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.TokenTTL)),
		},
	}
	if p.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{p.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate returns the owner id carried by a valid, unrevoked token
// whose user still exists. Every failure is apperrors.ErrUnauthenticated.
func (p *Provider) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := p.parse(token)
	if err != nil {
		return "", err
	}

	revoked, err := p.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	if revoked {
		return "", fmt.Errorf("%w: token revoked", apperrors.ErrUnauthenticated)
	}

	if _, err := p.users.GetUserByID(ctx, claims.Subject); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown user", apperrors.ErrUnauthenticated)
		}
		return "", err
	}

	return claims.Subject, nil
}

// Logout revokes token for the rest of its lifetime
func (p *Provider) Logout(ctx context.Context, token string) error {
	claims, err := p.parse(token)
	if err != nil {
		return err
	}

	ttl := claims.ExpiresAt.Sub(p.now())
	if err := p.revoked.Revoke(ctx, claims.ID, ttl); err != nil {
		return err
	}

	p.logger.Info().Str("user_id", claims.Subject).Msg("token revoked")
	return nil
}

func (p *Provider) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.cfg.Audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(p.cfg.Secret), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid or expired token", apperrors.ErrUnauthenticated)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: token is missing subject or id", apperrors.ErrUnauthenticated)
	}
	return claims, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var(email, "required,email"); err != nil {
		return "", fmt.Errorf("%w: invalid email address", apperrors.ErrValidation)
	}
	return email, nil
}
