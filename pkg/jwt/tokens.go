package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "statikk"

// ErrMissingSubject indicates a token without a user identifier.
var ErrMissingSubject = errors.New("jwt: token has no subject")

// Claims defines JWT payload. The user identifier travels in the standard
// subject claim.
type Claims struct {
	Kind string `json:"kind,omitempty"`
	jwtlib.RegisteredClaims
}

// UserID returns the authenticated user identifier.
func (c Claims) UserID() string {
	return c.Subject
}

// GenerateToken issues a signed JWT for userID with provided secret and ttl.
func GenerateToken(userID, kind, secret string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrMissingSubject
	}
	now := time.Now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
