// Package api exposes the HTTP interface for the fetch service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/admission"
	"github.com/renderfetch/renderfetch/internal/engine"
	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/metrics"
	"github.com/renderfetch/renderfetch/internal/renderer"
	"github.com/renderfetch/renderfetch/internal/renderer/pool"
)

// FetchService is the engine surface the handlers need.
type FetchService interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error)
	Stats() engine.Stats
}

// Server wires HTTP handlers to the fetch engine. The converter is an
// optional collaborator; when absent, responses carry raw bytes only.
type Server struct {
	router chi.Router
	svc    FetchService
	conv   fetch.Converter
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. conv may be
// nil.
func NewServer(svc FetchService, conv fetch.Converter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, conv: conv, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.handleFetch)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type fetchRequest struct {
	URL         string `json:"url"`
	Mode        string `json:"mode,omitempty"`
	Profile     string `json:"profile,omitempty"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
	Retries     *int   `json:"retries,omitempty"`
	Proxy       string `json:"proxy,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	MaxBytes    int    `json:"max_bytes,omitempty"`
	InsecureTLS bool   `json:"insecure_tls,omitempty"`
}

type fetchResponse struct {
	RequestedURL string `json:"requested_url"`
	FinalURL     string `json:"final_url"`
	StatusCode   int    `json:"status_code"`
	ContentType  string `json:"content_type"`
	Body         []byte `json:"body"`
	Text         string `json:"text,omitempty"`
	Rendered     bool   `json:"rendered"`
	Redirected   bool   `json:"redirected"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	retries := -1 // let the engine default apply
	if req.Retries != nil {
		retries = *req.Retries
	}
	res, err := s.svc.Fetch(r.Context(), fetch.Request{
		URL:         req.URL,
		Mode:        fetch.Mode(req.Mode),
		Profile:     fetch.Profile(req.Profile),
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		Retries:     retries,
		Proxy:       req.Proxy,
		UserAgent:   req.UserAgent,
		MaxBytes:    req.MaxBytes,
		InsecureTLS: req.InsecureTLS,
	})
	if err != nil {
		s.writeFetchError(w, r, err)
		return
	}

	resp := fetchResponse{
		RequestedURL: req.URL,
		FinalURL:     res.FinalURL,
		StatusCode:   res.StatusCode,
		ContentType:  res.ContentType,
		Body:         res.Body,
		Rendered:     res.Rendered,
		Redirected:   res.FinalURL != "" && res.FinalURL != req.URL,
		ElapsedMS:    res.Duration.Milliseconds(),
	}
	if s.conv != nil && len(res.Body) > 0 {
		text, cerr := s.conv.Convert(r.Context(), res.Body, res.ContentType, res.FinalURL)
		if cerr != nil {
			// Conversion failing never voids a successful fetch.
			s.logger.Warn("convert failed", zap.String("url", req.URL), zap.Error(cerr))
		} else {
			resp.Text = text
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeFetchError maps engine failures onto transport status codes.
// Overload is retryable and says so; upstream trouble is a bad gateway.
func (s *Server) writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, admission.ErrQueueFull), errors.Is(err, pool.ErrExhausted):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, admission.ErrQueueTimeout), errors.Is(err, renderer.ErrBudgetExhausted):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		s.logger.Debug("fetch canceled by client", zap.String("path", r.URL.Path))
		writeError(w, 499, "client closed request")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
