// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/middleware"
	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/security"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Core is the part of the orchestrator the HTTP layer needs.
type Core interface {
	Call(ctx context.Context, req orchestrator.CallRequest) (*types.Result, error)
	Metrics() types.Metrics
	ProviderStatus(ctx context.Context) []types.ProviderStatus
	SetEnabled(providerID string, enabled bool) error
	ResetBreaker(providerID string) error
}

// Config holds server configuration.
type Config struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int

	// SpecPath locates the OpenAPI document served under /docs.
	SpecPath string
}

// Server is the HTTP front end.
type Server struct {
	core       Core
	config     *Config
	logger     *logrus.Logger
	auth       *security.Authenticator
	validator  *middleware.ValidationMiddleware
	httpServer *http.Server
}

// NewServer creates a server around the routing core.
func NewServer(core Core, config *Config, auth *security.Authenticator, validator *middleware.ValidationMiddleware, logger *logrus.Logger) *Server {
	if config.SpecPath == "" {
		config.SpecPath = "docs/openapi.yaml"
	}

	return &Server{
		core:      core,
		config:    config,
		logger:    logger,
		auth:      auth,
		validator: validator,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Routes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting LLM orchestrator server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM orchestrator server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Routes builds the full handler chain.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	if s.auth != nil {
		r.Use(s.auth.Middleware())
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)
	if s.validator != nil {
		r.Use(s.validator.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/providers/{id}/breaker/reset", s.handleBreakerReset).Methods("POST")
	api.HandleFunc("/providers/{id}/enabled", s.handleSetEnabled).Methods("PUT")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	s.setupDocsRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	CacheKey string `json:"cache_key,omitempty"`
	NoCache  bool   `json:"no_cache,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.Prompt == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "prompt is required")
		return
	}

	result, err := s.core.Call(r.Context(), orchestrator.CallRequest{
		Prompt:   req.Prompt,
		CacheKey: req.CacheKey,
		NoCache:  req.NoCache,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrAllBackendsExhausted) {
			s.writeErrorResponse(w, http.StatusServiceUnavailable, "No backend could serve the request")
			return
		}
		if errors.Is(err, context.Canceled) {
			// The client went away; nothing meaningful to write.
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Generation failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.core.ProviderStatus(r.Context())

	response := map[string]interface{}{
		"providers": statuses,
		"count":     len(statuses),
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.core.Metrics())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.core.ResetBreaker(id); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownProvider) {
			s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", id))
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"provider": id,
		"breaker":  "closed",
	})
}

// SetEnabledRequest is the body of PUT /v1/providers/{id}/enabled.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if err := s.core.SetEnabled(id, req.Enabled); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownProvider) {
			s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", id))
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"provider": id,
		"enabled":  req.Enabled,
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	statuses := s.core.ProviderStatus(r.Context())

	healthyCount := 0
	for _, status := range statuses {
		if status.Health.Healthy {
			healthyCount++
		}
	}

	overall := "healthy"
	statusCode := http.StatusOK
	if healthyCount == 0 {
		overall = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":            overall,
		"providers":         len(statuses),
		"healthy_providers": healthyCount,
		"timestamp":         time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// Helper functions

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
