package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken_NoOp(t *testing.T) {
	s := &Server{config: Config{ControlToken: ""}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/__pwa/message", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s := &Server{config: Config{ControlToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/__pwa/message", nil)
	req.Header.Set("Authorization", "Bearer test-token-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	s := &Server{config: Config{ControlToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/__pwa/message", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)
	require.Equal(t, "unauthorized", body["error"])
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	s := &Server{config: Config{ControlToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/__pwa/message", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_WrongScheme(t *testing.T) {
	s := &Server{config: Config{ControlToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/__pwa/message", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
