package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jradfs/cpaagent/audit"
	"github.com/jradfs/cpaagent/clients"
	"github.com/jradfs/cpaagent/document"
	"github.com/jradfs/cpaagent/registry"
	"github.com/jradfs/cpaagent/workflow"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Server registry handlers ---

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	regs, err := s.manager.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var reg registry.ServerRegistration
	if !s.decodeBody(w, r, &reg) {
		return
	}

	created, err := s.manager.Register(r.Context(), reg)
	if err != nil {
		var validationErr *registry.ValidationError
		switch {
		case errors.As(err, &validationErr):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"server registration is invalid", diagnosticMessages(validationErr)...)
		case errors.Is(err, registry.ErrServerExists):
			writeError(w, http.StatusConflict, "CONFLICT",
				fmt.Sprintf("server %q already registered", reg.Name))
		default:
			writeError(w, http.StatusInternalServerError, "REGISTER_ERROR", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reg, ok, err := s.manager.Get(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("server %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.manager.Remove(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("server %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAllServers(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.RemoveAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "REMOVE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetServerEnabled(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "enabled flag is required")
		return
	}

	reg, err := s.manager.SetEnabled(r.Context(), name, *body.Enabled)
	if err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("server %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleRefreshServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reg, err := s.manager.Refresh(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("server %q not found", name))
			return
		}
		writeError(w, http.StatusBadGateway, "REFRESH_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reg, ok, err := s.manager.Get(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("server %q not found", name))
		return
	}
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "health prober is not configured")
		return
	}

	report, err := s.prober.Probe(r.Context(), reg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PROBE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePurgeHost(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "host settings path is not configured")
		return
	}

	var body struct {
		Names []string `json:"names,omitempty"`
		All   bool     `json:"all,omitempty"`
	}
	if r.ContentLength != 0 && !s.decodeBody(w, r, &body) {
		return
	}

	var result registry.PurgeResult
	var err error
	switch {
	case body.All:
		result, err = s.host.Purge()
	case len(body.Names) > 0:
		result, err = s.host.Purge(body.Names...)
	default:
		result, err = s.host.PurgeLegacy()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", err.Error())
		return
	}

	if s.audit != nil && len(result.Removed) > 0 {
		_ = s.audit.Append(r.Context(), audit.NewEvent(audit.KindServerPurged, s.host.Path(), map[string]any{
			"removed":   result.Removed,
			"remaining": result.Remaining,
		}).WithActor("admin-api"))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImportHost(w http.ResponseWriter, r *http.Request) {
	if s.host == nil || s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "host settings path is not configured")
		return
	}

	var body struct {
		Category registry.Category `json:"category,omitempty"`
	}
	if r.ContentLength != 0 && !s.decodeBody(w, r, &body) {
		return
	}
	if body.Category == "" {
		body.Category = registry.CategoryOther
	}

	imported, err := s.host.Import(r.Context(), s.registry, body.Category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "IMPORT_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": imported})
}

// --- Client handlers ---

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	list, err := s.clients.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var client clients.Client
	if !s.decodeBody(w, r, &client) {
		return
	}

	now := time.Now().UTC()
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	client.CreatedAt = now
	client.UpdatedAt = now

	if err := client.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.clients.Create(r.Context(), client); err != nil {
		if errors.Is(err, clients.ErrDuplicateEIN) || errors.Is(err, clients.ErrDuplicateClient) {
			writeError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	client, err := s.clients.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("client %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.clients.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("client %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var client clients.Client
	if !s.decodeBody(w, r, &client) {
		return
	}
	client.ID = existing.ID
	client.CreatedAt = existing.CreatedAt
	client.UpdatedAt = time.Now().UTC()

	if err := client.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.clients.Update(r.Context(), client); err != nil {
		if errors.Is(err, clients.ErrDuplicateEIN) {
			writeError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.clients.Delete(r.Context(), id); err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("client %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Document handlers ---

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	var docs []document.Document
	var err error
	if clientID := r.URL.Query().Get("client"); clientID != "" {
		docs, err = s.documents.ListByClient(r.Context(), clientID)
	} else {
		docs, err = s.documents.List(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "document processor is not configured")
		return
	}

	var body struct {
		Name     string `json:"name"`
		ClientID string `json:"client_id,omitempty"`
		Content  string `json:"content"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name and content are required")
		return
	}

	doc, err := s.processor.Process(r.Context(), body.Name, body.ClientID, body.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PROCESS_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.documents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("document %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// --- Workflow handlers ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.workflows.ListDefinitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// handleCreateWorkflow accepts a YAML workflow definition body.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	def, err := workflow.ParseDefinition(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.workflows.PutDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	def, err := s.workflows.GetDefinition(r.Context(), name)
	if err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.workflows.DeleteDefinition(r.Context(), name); err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "workflow engine is not configured")
		return
	}

	name := r.PathValue("name")
	def, err := s.workflows.GetDefinition(r.Context(), name)
	if err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var input map[string]any
	if r.ContentLength != 0 && !s.decodeBody(w, r, &input) {
		return
	}

	run, err := s.engine.Execute(r.Context(), def, input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "run store is not configured")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	runs, err := s.runs.ListRuns(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "run store is not configured")
		return
	}

	id := r.PathValue("run_id")
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	schedules, err := s.workflows.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	filtered := make([]workflow.Schedule, 0, len(schedules))
	for _, schedule := range schedules {
		if schedule.Workflow == name {
			filtered = append(filtered, schedule)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.workflows.GetDefinition(r.Context(), name); err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var body struct {
		Cron  string         `json:"cron"`
		Input map[string]any `json:"input,omitempty"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	schedule, err := workflow.NewSchedule(name, body.Cron, body.Input, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.workflows.PutSchedule(r.Context(), schedule); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("schedule_id")
	if err := s.workflows.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit handlers ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "audit store is not configured")
		return
	}

	query := audit.Query{
		Kind:    r.URL.Query().Get("kind"),
		Subject: r.URL.Query().Get("subject"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a non-negative integer")
			return
		}
		query.Limit = parsed
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "since must be an RFC3339 timestamp")
			return
		}
		query.Since = since
	}

	events, err := s.audit.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Shared helpers ---

// decodeBody decodes a JSON request body into v, writing the error response
// itself. It returns false when the handler should stop.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return false
	}
	return true
}

func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func diagnosticMessages(err *registry.ValidationError) []string {
	messages := make([]string, 0, len(err.Diagnostics))
	for _, d := range err.Diagnostics {
		messages = append(messages, d.Field+": "+d.Message)
	}
	return messages
}
