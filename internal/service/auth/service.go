package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/repository"
	"github.com/splax/statikk/pkg/config"
	"github.com/splax/statikk/pkg/crypto"
	jwtpkg "github.com/splax/statikk/pkg/jwt"
)

const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

var (
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidEmail rejects signups without a usable address.
	ErrInvalidEmail = errors.New("a valid email is required")
	// ErrEmailTaken reports a duplicate signup.
	ErrEmailTaken = errors.New("email already registered")
	// ErrTokenRequired is returned when no bearer token was presented.
	ErrTokenRequired = errors.New("token required")
	// ErrInvalidToken covers malformed, expired and refresh tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger.With("component", "auth"), cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    time.Duration `json:"expires_in"`
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, TokenPair{}, ErrInvalidEmail
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, TokenPair{}, ErrEmailTaken
		}
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	if claims.Kind == tokenKindRefresh {
		return nil, nil, ErrInvalidToken
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}
	return user, claims, nil
}

// Refresh exchanges a refresh token for a new token pair. Access tokens are
// rejected.
func (s Service) Refresh(ctx context.Context, refreshToken string) (*domain.User, TokenPair, error) {
	trimmed := strings.TrimSpace(refreshToken)
	if trimmed == "" {
		return nil, TokenPair{}, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil || claims.Kind != tokenKindRefresh {
		return nil, TokenPair{}, ErrInvalidToken
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			return nil, TokenPair{}, ErrInvalidToken
		}
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, tokens, nil
}

// Authenticate resolves a token to its user for live connections.
func (s Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	user, _, err := s.Authorize(ctx, token)
	return user, err
}

func (s Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, tokenKindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, tokenKindRefresh, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
