// Package server provides the HTTP edge that hosts the worker registration.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/telemetry"
	"github.com/wolfeidau/pwa-cache/worker"
)

// ClientCookie identifies an open page across requests.
const ClientCookie = "pwa-cache-client"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Origin is the public origin of the application.
	Origin *url.URL

	// ControlToken, when set, is required as a bearer token on
	// POST /__pwa/message.
	ControlToken string

	// OfflinePage is an optional html/template file for the offline page.
	OfflinePage string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP edge for one application origin.
type Server struct {
	config       Config
	httpServer   *http.Server
	logger       *slog.Logger
	registration *worker.Registration
	offline      *offlinePage
}

// New creates a server routing traffic through reg.
func New(cfg Config, reg *worker.Registration) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Origin == nil {
		return nil, errors.New("server: origin is required")
	}
	if reg == nil {
		return nil, errors.New("server: registration is required")
	}

	offline, err := loadOfflinePage(cfg.OfflinePage)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:       cfg,
		logger:       cfg.Logger,
		registration: reg,
		offline:      offline,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the server's root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(mux)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Registration control surface.
	mux.HandleFunc("GET /__pwa/status", s.handleStatus)
	mux.Handle("POST /__pwa/message", s.authMiddleware(http.HandlerFunc(s.handleMessage)))
	mux.HandleFunc("GET /__pwa/events", s.handleEvents)
	mux.HandleFunc("POST /__pwa/unload", s.handleUnload)

	// Everything else is an intercepted fetch.
	mux.HandleFunc("/", s.handleIntercept)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")
	telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleIntercept hands the request to the registration and writes whatever
// it resolves to.
func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "intercept")
	ctx := r.Context()

	req, err := fetch.NewRequestFromHTTP(r, s.config.Origin)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sameOrigin := req.SameOrigin(s.config.Origin)
	if sameOrigin {
		s.trackClient(w, r, req)
	} else if req.Mode == fetch.ModeNoCORS {
		// Passthrough traffic is answered in full; tainting only matters
		// inside the worker.
		req.Mode = fetch.ModeCORS
	}

	resp, err := s.registration.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.DebugContext(ctx, "client went away", "url", req.URL.String())
			return
		}
		s.logger.WarnContext(ctx, "fetch unresolved",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err,
		)
		s.writeOffline(w, r, req, err)
		return
	}
	defer resp.Close()

	if err := writeResponse(w, r, resp); err != nil {
		s.logger.DebugContext(ctx, "writing response", "url", req.URL.String(), "error", err)
	}
}

// trackClient records the page behind a same-origin request, issuing a
// client id on navigations that arrive without one.
func (s *Server) trackClient(w http.ResponseWriter, r *http.Request, req *fetch.Request) {
	if c, err := r.Cookie(ClientCookie); err == nil && c.Value != "" {
		s.registration.Touch(c.Value)
		return
	}
	if !req.IsNavigation() {
		return
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.Origin.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	})
	s.registration.Touch(id)
}

// handleUnload forgets the calling page, e.g. from navigator.sendBeacon on pagehide.
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "unload")
	telemetry.SetCacheResult(r.Context(), telemetry.CacheNA)
	if c, err := r.Cookie(ClientCookie); err == nil && c.Value != "" {
		s.registration.Forget(c.Value)
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResponse copies resp to w. Status 0 (an opaque response) cannot be
// expressed on the wire and is reported as a bad gateway.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *fetch.Response) error {
	if resp.Status == 0 {
		writeJSONError(w, http.StatusBadGateway, "opaque response")
		return nil
	}

	h := w.Header()
	for name, values := range resp.Header {
		if isHopHeader(name) {
			continue
		}
		h[name] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return nil
	}

	body, err := resp.Body()
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

func isHopHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, strategy, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if r.URL.IsAbs() {
			attrs = append(attrs, "host", r.URL.Host)
		}

		// Add handler-set tags
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.Version != "" {
			attrs = append(attrs, "version", tags.Version)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "origin", s.config.Origin.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func wantsHTML(r *http.Request, req *fetch.Request) bool {
	if req != nil && req.IsNavigation() {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
