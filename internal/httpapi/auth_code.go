package httpapi

import (
	"net/http"

	"github.com/BYU-PCCL/footron-api/internal/auth"
)

// authCodeField names both the header and the cookie carrying the visitor's
// auth code. Header wins when both are present.
const authCodeField = "X-AUTH-CODE"

// RequireAuthCode guards a route with the rotating auth code. A request with
// no code at all is forbidden; a stale code is unauthorized. Presenting the
// advertised next code admits and burns it, same as the websocket path.
func RequireAuthCode(m *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.Header.Get(authCodeField)
			if code == "" {
				if c, err := r.Cookie(authCodeField); err == nil {
					code = c.Value
				}
			}
			if code == "" {
				writeError(w, http.StatusForbidden, "not authenticated")
				return
			}

			if !m.Admit(auth.Code(code)) {
				writeError(w, http.StatusUnauthorized, "invalid auth code")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
