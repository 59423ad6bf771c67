package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Dangere/syncora-backend/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// Browsers cannot set headers on a WebSocket handshake.
	tokenQueryParam = "access_token"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Authenticate resolves the bearer token into the caller's account id.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token, err := requestToken(r)
			if err != nil {
				unauthorized(w, r, err.Error())
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				unauthorized(w, r, "invalid token")
				return
			}
			ctx := auth.ContextWithAccountID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="syncora"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func requestToken(r *http.Request) (string, error) {
	if h := r.Header.Get(authHeader); h != "" {
		return extractBearerToken(h)
	}
	if t := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); t != "" {
		return t, nil
	}
	return "", errors.New("missing bearer token")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// callerID returns the account id placed in the context by Authenticate.
func callerID(r *http.Request) string {
	id, _ := auth.AccountIDFromContext(r.Context())
	return id
}
