package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/landoncolburn/devpod/internal/client"
	"github.com/landoncolburn/devpod/internal/workspace"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		ProvidersLoaded: len(s.providers.All()),
		StartsInFlight:  s.cache.Len(),
	})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]WorkspaceResponse, 0, len(list))
	for _, ws := range list {
		out = append(out, toWorkspaceResponse(ws))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if _, ok := s.providers.All()[req.Provider]; !ok {
		s.writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}

	ws := workspace.Workspace{
		ID:       req.ID,
		Name:     req.Name,
		Provider: req.Provider,
		Options:  req.Options,
	}
	if err := s.store.Create(r.Context(), ws); err != nil {
		if errors.Is(err, workspace.ErrExists) {
			s.writeError(w, http.StatusConflict, "workspace already exists: "+req.ID)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.Get(r.Context(), req.ID)
	if err != nil || created == nil {
		s.writeError(w, http.StatusInternalServerError, "workspace created but could not be read back")
		return
	}
	respondJSON(w, http.StatusCreated, toWorkspaceResponse(created))
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	ws, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ws == nil {
		s.writeError(w, http.StatusNotFound, "workspace not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, toWorkspaceResponse(ws))
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	// Refuse to drop a workspace while its start is in flight.
	if _, busy := s.cache.Get(id); busy {
		s.writeError(w, http.StatusConflict, "workspace has an operation in flight: "+id)
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStart launches (or joins) the workspace's start operation and blocks
// until it settles. The caller's view identity comes from the view query
// parameter; absent that, the request ID keeps each call in its own slot.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	// View identity: ?view= wins, then X-View-ID, then the request ID so an
	// anonymous caller still gets its own progress slot.
	viewID := r.URL.Query().Get("view")
	if viewID == "" {
		viewID = r.Header.Get("X-View-ID")
	}
	if viewID == "" {
		viewID = "req:" + middleware.GetReqID(r.Context())
	}

	out, err := s.coordinator.Start(r.Context(), id, viewID, nil)
	if err != nil {
		s.writeOperationError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, toOperationResponse(out))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	out, err := s.coordinator.Stop(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, toOperationResponse(out))
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	out, err := s.coordinator.Rebuild(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, toOperationResponse(out))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	status, err := s.coordinator.Status(r.Context(), id)
	if err != nil {
		s.writeOperationError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		WorkspaceID: status.WorkspaceID,
		State:       status.State,
		Provider:    status.Provider,
		ObservedAt:  status.ObservedAt,
	})
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.store.RecentOperations(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]OperationLogEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, OperationLogEntry{
			ID:          rec.ID,
			Command:     rec.Command,
			Status:      rec.Status,
			State:       rec.State,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
			LastError:   rec.LastError,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	all := s.providers.All()

	out := make([]ProviderResponse, 0, len(all))
	for _, p := range all {
		commands := make([]string, 0, len(p.Commands))
		for _, c := range p.Commands {
			commands = append(commands, c.Name)
		}
		out = append(out, ProviderResponse{
			Name:        p.Name,
			Version:     p.Version,
			Description: p.Description,
			Commands:    commands,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, out)
}

// writeOperationError maps coordination errors to HTTP statuses. A failed
// provider command never lands here; that is data in the 200 response.
func (s *Server) writeOperationError(w http.ResponseWriter, workspaceID string, err error) {
	switch {
	case errors.Is(err, client.ErrNotRegistered):
		s.writeError(w, http.StatusNotFound, "workspace not found: "+workspaceID)
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func toWorkspaceResponse(ws *workspace.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:          ws.ID,
		Name:        ws.Name,
		Provider:    ws.Provider,
		Options:     ws.Options,
		CreatedAt:   ws.CreatedAt,
		LastState:   ws.LastState,
		LastStateAt: ws.LastStateAt,
	}
}

func toOperationResponse(out *client.Outcome) OperationResponse {
	resp := OperationResponse{
		WorkspaceID: out.Status.WorkspaceID,
		Command:     out.Command,
		Joined:      out.Joined,
		Status:      out.Result.Status,
		State:       out.Status.State,
	}
	if out.Result.Error != "" {
		resp.Error = out.Result.Error
	}
	return resp
}
