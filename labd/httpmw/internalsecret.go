package httpmw

import (
	"crypto/subtle"
	"net/http"

	"github.com/labforge/labforge/labd/httpapi"
)

// InternalSecretHeader carries the shared secret for internal-only
// routes, e.g. cleanup invocations from the reaper.
const InternalSecretHeader = "X-Internal-Secret"

// RequireInternalSecret protects routes that must only be reachable by
// trusted internal callers. When no secret is configured the routes are
// unavailable rather than open.
func RequireInternalSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if secret == "" {
				httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
					Message: "internal secret is not configured",
				})
				return
			}
			provided := r.Header.Get(InternalSecretHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				httpapi.Forbidden(rw)
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}
