package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cvkhang/SlideQuick/idgen"
	"github.com/cvkhang/SlideQuick/store"
)

// newRoomID mints share-link room ids: short and URL-safe.
var newRoomID = idgen.NanoID(10)

type createSessionRequest struct {
	RoomID    string `json:"room_id"`
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if body.RoomID == "" {
		body.RoomID = newRoomID()
	}
	sess, err := s.store.CreateSession(req.Context(), store.Session{
		RoomID:    body.RoomID,
		ProjectID: body.ProjectID,
		OwnerID:   body.OwnerID,
		Role:      body.Role,
		ExpiresAt: body.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("relay: create session failed", "room", body.RoomID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := s.store.GetSession(req.Context(), chi.URLParam(req, "room"))
	if notFound(err) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("relay: get session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, req *http.Request) {
	if err := s.store.DeleteSession(req.Context(), chi.URLParam(req, "room")); err != nil {
		s.logger.Error("relay: delete session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := s.store.SessionsByProject(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.logger.Error("relay: list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetProject reads the relational mirror. The live document in a
// resident room may be slightly ahead of this view between debounced saves.
func (s *Server) handleGetProject(w http.ResponseWriter, req *http.Request) {
	p, err := s.store.GetProject(req.Context(), chi.URLParam(req, "id"))
	if notFound(err) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("relay: get project failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
