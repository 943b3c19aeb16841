package web

import (
	"encoding/json"
	"net/http"

	"github.com/asheshgoplani/agentterm/internal/invoke"
	"github.com/asheshgoplani/agentterm/internal/orchestrator"
	"github.com/asheshgoplani/agentterm/internal/session"
)

type sessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
}

type createSessionRequest struct {
	ID          string `json:"id,omitempty"`
	ProjectPath string `json:"projectPath"`
	Cwd         string `json:"cwd,omitempty"`
	Title       string `json:"title,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
}

// updateSessionRequest changes only the fields present. clearWorktree
// detaches the worktree.
type updateSessionRequest struct {
	Title          *string                 `json:"title"`
	WorktreeConfig *session.WorktreeConfig `json:"worktreeConfig"`
	ClearWorktree  bool                    `json:"clearWorktree"`
}

type invokeRequest struct {
	ProfileID       string   `json:"profileId,omitempty"`
	Resume          bool     `json:"resume,omitempty"`
	SkipPermissions bool     `json:"skipPermissions,omitempty"`
	ExtraFlags      []string `json:"extraFlags,omitempty"`
}

type switchRequest struct {
	ProfileID string `json:"profileId"`
}

type restoreRequest struct {
	ProjectPath string `json:"projectPath"`
}

type displayOrderRequest struct {
	ProjectPath string         `json:"projectPath"`
	Orders      map[string]int `json:"orders"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return false
	}
	return true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.core.List(r.URL.Query().Get("project"))
	if list == nil {
		list = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectPath == "" && req.Cwd == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "projectPath is required")
		return
	}
	sess, err := s.core.Create(orchestrator.CreateRequest{
		ID:          req.ID,
		ProjectPath: req.ProjectPath,
		Cwd:         req.Cwd,
		Title:       req.Title,
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.core.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if req.WorktreeConfig != nil && req.WorktreeConfig.Path == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "worktreeConfig.path is required")
		return
	}
	if req.Title != nil {
		if err := s.core.SetTitle(id, *req.Title); err != nil {
			writeCoreError(w, err)
			return
		}
	}
	if req.WorktreeConfig != nil || req.ClearWorktree {
		if err := s.core.SetWorktree(id, req.WorktreeConfig); err != nil {
			writeCoreError(w, err)
			return
		}
	}
	s.handleGetSession(w, r)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Destroy(r.Context(), r.PathValue("id")); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.core.InvokeAssistant(r.Context(), r.PathValue("id"), invoke.InvokeOptions{
		ProfileID:       req.ProfileID,
		Resume:          req.Resume,
		SkipPermissions: req.SkipPermissions,
		ExtraFlags:      req.ExtraFlags,
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	s.handleGetSession(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ResumeAssistant(r.Context(), r.PathValue("id")); err != nil {
		writeCoreError(w, err)
		return
	}
	s.handleGetSession(w, r)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProfileID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "profileId is required")
		return
	}
	if err := s.core.SwitchProfile(r.Context(), r.PathValue("id"), req.ProfileID); err != nil {
		writeCoreError(w, err)
		return
	}
	s.handleGetSession(w, r)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectPath == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "projectPath is required")
		return
	}
	list, err := s.core.RestoreProject(r.Context(), req.ProjectPath)
	if list == nil {
		list = []*session.Session{}
	}
	if err != nil && len(list) == 0 {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

func (s *Server) handleDisplayOrder(w http.ResponseWriter, r *http.Request) {
	var req displayOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProjectPath == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "projectPath is required")
		return
	}
	updated := s.core.SetDisplayOrder(req.ProjectPath, req.Orders)
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
