// Package server provides the HTTP management API for the key registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	keyregistry "github.com/wolfeidau/key-registry"
	"github.com/wolfeidau/key-registry/registry"
	"github.com/wolfeidau/key-registry/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// CORSOrigin is the value for Access-Control-Allow-Origin.
	// Empty disables CORS headers.
	CORSOrigin string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the key registry management API.
// The registry (and through it the storage backend) is injected at
// construction rather than built from module-level state.
type Server struct {
	config     Config
	registry   *registry.Registry
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server around the given registry.
func New(reg *registry.Registry, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		registry: reg,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := s.loggingMiddleware(s.recoveryMiddleware(mux))
	if cfg.CORSOrigin != "" {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /keys", s.handleKeys)
	mux.HandleFunc("POST /add", s.handleAdd)
	mux.HandleFunc("GET /get/{key}", s.handleGet)
	mux.HandleFunc("POST /deleted/{key}", s.handleMarkDeleted)
	mux.HandleFunc("DELETE /delete/{key}", s.handleDelete)
	mux.HandleFunc("GET /logs", s.handleLogs)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled). Resolved
	// per request so a server built before metrics init still serves it.
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		telemetry.PrometheusHandler().ServeHTTP(w, r)
	})
}

// keyView is the per-key payload in the /keys listing.
type keyView struct {
	ExpiresAt time.Time `json:"expired"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// handleKeys lists all records, deleted ones included.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.Keys(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	resp := make(map[string]keyView, len(recs))
	for _, rec := range recs {
		resp[rec.Key] = keyView{
			ExpiresAt: rec.ExpiresAt,
			CreatedAt: rec.CreatedAt,
			Deleted:   rec.Deleted,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type addRequest struct {
	APIKey      string `json:"api_key"`
	ExpiredTime string `json:"expired_time"`
}

type addResponse struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expired"`
}

// handleAdd registers a new key.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}

	rec, err := s.registry.Register(r.Context(), req.APIKey, req.ExpiredTime)
	if err != nil {
		var verr *registry.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
		case errors.Is(err, registry.ErrConflict):
			writeError(w, http.StatusConflict, "conflict", "key already registered")
		default:
			s.writeStorageError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, addResponse{Key: rec.Key, ExpiresAt: rec.ExpiresAt})
}

// handleGet resolves the lifecycle status of a key.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.registry.Lookup(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	switch res.Status {
	case keyregistry.StatusNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status": keyregistry.StatusNotFound,
		})
	case keyregistry.StatusDeleted:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  keyregistry.StatusDeleted,
			"deleted": true,
		})
	case keyregistry.StatusExpired:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       keyregistry.StatusExpired,
			"expired_time": res.Record.ExpiresAt,
			"expired":      true,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       keyregistry.StatusValid,
			"expired_time": res.Record.ExpiresAt,
			"created_at":   res.Record.CreatedAt,
		})
	}
}

// handleMarkDeleted soft-deletes a key.
func (s *Server) handleMarkDeleted(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.registry.MarkDeleted(r.Context(), key); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "api_key": key})
}

// handleDelete hard-deletes a key.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.registry.Purge(r.Context(), key); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "api_key": key})
}

// handleLogs returns the retained activity log, most recent first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.registry.Logs(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if logs == nil {
		logs = []keyregistry.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats handles registry statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeStorageError reports a backing store failure. No retries are
// performed; a single failure is reported immediately to the caller.
func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	s.logger.Error("storage failure", "error", err)
	writeError(w, http.StatusInternalServerError, "storage_error", "storage operation failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, status, msg string) {
	writeJSON(w, code, map[string]string{"status": status, "error": msg})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
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
