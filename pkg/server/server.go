// Package server is the HTTP and WebSocket front end for the generation
// service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/fingerprint"
	"github.com/pario-ai/copydesk/pkg/generate"
	"github.com/pario-ai/copydesk/pkg/metrics"
	"github.com/pario-ai/copydesk/pkg/models"
	"github.com/pario-ai/copydesk/pkg/prompt"
	"github.com/pario-ai/copydesk/pkg/provider"
	"github.com/pario-ai/copydesk/pkg/quota"
)

const maxBodyBytes = 64 << 10

// Server serves the copydesk API.
type Server struct {
	svc     *generate.Service
	metrics *metrics.Collector
	logger  *zap.Logger
	handler http.Handler
	cancel  context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics exposes m on /metrics and records HTTP metrics into it.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server wired to svc.
func New(svc *generate.Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(zap.String("component", "server"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/image", s.handleImage)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	cfg := svc.Config().Server
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		AccessLog(s.logger, s.metrics),
		CORS(cfg.CORSAllowedOrigins),
	}
	if cfg.RateLimit.RPS > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	s.handler = Chain(mux, middlewares...)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background middleware work.
func (s *Server) Close() {
	s.cancel()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer s.Close()
	addr := s.svc.Config().Listen
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("copydesk listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status        string             `json:"status"`
	APIConfigured bool               `json:"api_configured"`
	CacheEntries  int64              `json:"cache_entries"`
	Usage         models.UsageStatus `json:"usage"`
	Config        struct {
		ImageGenerationEnabled bool `json:"image_generation_enabled"`
		CachingEnabled         bool `json:"caching_enabled"`
	} `json:"config"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.svc.Config()
	resp := healthResponse{
		Status:        "ok",
		APIConfigured: cfg.APIConfigured(),
		CacheEntries:  s.svc.Cache().Stats(r.Context()).Entries,
		Usage:         s.svc.Tracker().Snapshot(),
	}
	resp.Config.ImageGenerationEnabled = cfg.Generation.EnableImages
	resp.Config.CachingEnabled = s.svc.Cache().Enabled()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	result, err := s.svc.Generate(r.Context(), req, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result.Cached {
		w.Header().Set("X-Copydesk-Cache", "hit")
	} else {
		w.Header().Set("X-Copydesk-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	result, err := s.svc.RegenerateImage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tracker().Snapshot())
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (models.GenerationRequest, bool) {
	var req models.GenerationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.ClientID = clientIP(r)
	// A client-supplied X-Request-ID may repeat, so only a server-minted
	// one becomes the generation's history key.
	if r.Header.Get("X-Request-ID") == "" {
		req.RequestID = RequestIDFromContext(r.Context())
	}
	return req, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("generation failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string            `json:"message"`
	Type    string            `json:"type"`
	Code    int               `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// errorResponse maps service errors onto HTTP statuses and user-facing
// messages.
func errorResponse(err error) (int, errorBody) {
	var (
		verr prompt.ValidationError
		lerr *quota.LimitExceededError
		perr *provider.Error
	)
	status := http.StatusInternalServerError
	msg := "An unexpected error occurred. Please try again."
	var fields map[string]string

	switch {
	case errors.As(err, &verr):
		status, msg, fields = http.StatusBadRequest, verr.Error(), verr
	case errors.Is(err, fingerprint.ErrInvalidParameters):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, generate.ErrImagesDisabled):
		status, msg = http.StatusBadRequest, "Image generation is disabled."
	case errors.As(err, &lerr):
		status = http.StatusTooManyRequests
		msg = fmt.Sprintf("Daily %s limit reached (%d/%d). Please try again tomorrow.", lerr.Limit, lerr.Used, lerr.Max)
	case errors.Is(err, generate.ErrNotConfigured):
		status, msg = http.StatusServiceUnavailable, "API key is not configured. Please check server configuration."
	case errors.As(err, &perr):
		status, msg = http.StatusBadGateway, perr.UserMessage()
	}
	return status, errorBody{Error: errorDetail{Message: msg, Type: "copydesk_error", Code: status, Fields: fields}}
}

// ErrorMessage is the user-facing text for a service error.
func ErrorMessage(err error) string {
	_, body := errorResponse(err)
	return body.Error.Message
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Type: "copydesk_error", Code: code}})
}
