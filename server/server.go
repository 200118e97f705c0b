// Package server exposes the platform over an HTTP admin API: server
// registrations, client records, document processing, workflows, and the
// audit trail.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jradfs/cpaagent/audit"
	"github.com/jradfs/cpaagent/clients"
	"github.com/jradfs/cpaagent/document"
	"github.com/jradfs/cpaagent/health"
	"github.com/jradfs/cpaagent/registry"
	"github.com/jradfs/cpaagent/workflow"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Manager    *registry.Manager
	Registry   registry.Store
	Prober     health.Prober
	Host       *registry.HostSettingsFile
	Clients    clients.Store
	Processor  *document.Processor
	Documents  document.Store
	Workflows  workflow.ScheduleStore
	Runs       workflow.RunStore
	Engine     *workflow.Engine
	Audit      audit.Store
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the cpaagent HTTP API server.
type Server struct {
	manager    *registry.Manager
	registry   registry.Store
	prober     health.Prober
	host       *registry.HostSettingsFile
	clients    clients.Store
	processor  *document.Processor
	documents  document.Store
	workflows  workflow.ScheduleStore
	runs       workflow.RunStore
	engine     *workflow.Engine
	audit      audit.Store
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		manager:    cfg.Manager,
		registry:   cfg.Registry,
		prober:     cfg.Prober,
		host:       cfg.Host,
		clients:    cfg.Clients,
		processor:  cfg.Processor,
		documents:  cfg.Documents,
		workflows:  cfg.Workflows,
		runs:       cfg.Runs,
		engine:     cfg.Engine,
		audit:      cfg.Audit,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux. Use this when
// composing with other handlers.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/servers", s.handleListServers)
	mux.HandleFunc("POST /api/servers", s.handleRegisterServer)
	mux.HandleFunc("DELETE /api/servers", s.handleRemoveAllServers)
	mux.HandleFunc("GET /api/servers/{name}", s.handleGetServer)
	mux.HandleFunc("DELETE /api/servers/{name}", s.handleRemoveServer)
	mux.HandleFunc("PATCH /api/servers/{name}", s.handleSetServerEnabled)
	mux.HandleFunc("POST /api/servers/{name}/refresh", s.handleRefreshServer)
	mux.HandleFunc("GET /api/servers/{name}/health", s.handleServerHealth)
	mux.HandleFunc("POST /api/host/purge", s.handlePurgeHost)
	mux.HandleFunc("POST /api/host/import", s.handleImportHost)

	mux.HandleFunc("GET /api/clients", s.handleListClients)
	mux.HandleFunc("POST /api/clients", s.handleCreateClient)
	mux.HandleFunc("GET /api/clients/{id}", s.handleGetClient)
	mux.HandleFunc("PUT /api/clients/{id}", s.handleUpdateClient)
	mux.HandleFunc("DELETE /api/clients/{id}", s.handleDeleteClient)

	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("POST /api/documents", s.handleProcessDocument)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{name}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{name}/run", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/workflows/{name}/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/workflows/{name}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/workflows/{name}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/workflows/{name}/schedules/{schedule_id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)

	mux.HandleFunc("GET /api/audit", s.handleListAudit)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
