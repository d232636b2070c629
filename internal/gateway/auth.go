package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken extracts the auth token from a request. It checks, in
// order: Authorization: Bearer <token>, X-Auth-Token header, token query
// param. The query form exists for browser devtools, which cannot set
// headers on a websocket upgrade.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// tokenMatches uses constant-time comparison to prevent timing attacks.
func tokenMatches(candidate, want string) bool {
	if candidate == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1
}

// requireToken rejects requests without the configured token. An empty
// token disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := ExtractToken(r)
		if candidate == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing auth token"})
			return
		}
		if !tokenMatches(candidate, token) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid auth token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
