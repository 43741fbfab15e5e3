package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/partsdesk/consoleguard/internal/auth"
	"github.com/partsdesk/consoleguard/internal/httputil"
)

// TokenVerifier verifies bearer JWTs.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// RequireAdmin admits requests carrying the static admin token (bearer or
// X-Admin-Token) or a verified JWT whose role normalizes to administrator.
// verifier may be nil.
func RequireAdmin(adminToken string, verifier TokenVerifier, next http.Handler) http.Handler {
	adminToken = strings.TrimSpace(adminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminToken == "" && verifier == nil {
			httputil.WriteError(w, http.StatusForbidden, "admin API credentials not configured")
			return
		}

		token := auth.BearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		}

		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="consoleguard-admin"`)
			httputil.WriteError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		if adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if verifier != nil {
			if identity, err := verifier.Verify(token); err == nil {
				if !identity.IsAdministrator() {
					httputil.WriteError(w, http.StatusForbidden, "administrator role required")
					return
				}
				next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
				return
			}
		}

		httputil.WriteError(w, http.StatusForbidden, "invalid admin token")
	})
}
