package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// AuthMiddleware checks the Bearer token on every request except /healthz.
// An empty token disables the check.
type AuthMiddleware struct {
	mu    sync.RWMutex
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

// SetToken rotates the expected token.
func (am *AuthMiddleware) SetToken(token string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.token = token
}

func (am *AuthMiddleware) expected() string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.token
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := am.expected()
		if want == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := ExtractToken(r)
		if got == "" {
			writeErrorMessage(w, http.StatusUnauthorized, kindUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeErrorMessage(w, http.StatusUnauthorized, kindUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken returns the Bearer token, falling back to the access_token
// query parameter for browser WebSocket and event-stream clients that
// cannot set headers.
func ExtractToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(authz, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
