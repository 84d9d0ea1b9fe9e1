package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/statikk/internal/domain"
)

var (
	errMissingToken  = errors.New("missing bearer token")
	errMalformedAuth = errors.New("authorization header must be \"Bearer <token>\"")
)

type authContextKey struct{}

// authInfo is the authenticated caller attached to a request context.
type authInfo struct {
	UserID string
	User   *domain.User
}

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth resolves the caller from the bearer token before invoking next.
// The audit recorder is handed the enriched context so access logs carry the user.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("request unauthenticated", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, claims, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("token rejected", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), authContextKey{}, authInfo{UserID: claims.UserID(), User: user})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

// liveToken returns the credential of a live connection. Browsers cannot set
// headers on a websocket handshake, so the token query parameter is accepted
// when no Authorization header is present.
func liveToken(req *http.Request) string {
	if token, err := bearerToken(req.Header.Get("Authorization")); err == nil {
		return token
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformedAuth
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformedAuth
	}
	return token, nil
}
