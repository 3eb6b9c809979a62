package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware returns middleware that validates Bearer token authentication
// on control-channel routes. When ControlToken is empty, the middleware is a
// no-op. Intercepted traffic is never wrapped: its Authorization header
// belongs to the application.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.ControlToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.ControlToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}
