package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/workspace/session-router/internal/auth"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// authenticate resolves the caller or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug("Authentication failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return id, true
}

// handleListConversations lists stored conversations, newest first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	convs, err := s.store.ListConversations(limit)
	if err != nil {
		s.logger.Error("Failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	type item struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		ResumeID  string `json:"resumeId"`
		TurnCount int    `json:"turnCount"`
		UpdatedAt string `json:"updatedAt"`
		Streaming bool   `json:"streaming"`
	}
	out := make([]item, 0, len(convs))
	for _, c := range convs {
		out = append(out, item{
			ID:        c.ID,
			Title:     c.Title,
			ResumeID:  c.ResumeID,
			TurnCount: c.TurnCount,
			UpdatedAt: c.UpdatedAt,
			Streaming: s.queries.IsRunning(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

// handleGetConversation returns one conversation's metadata.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	id := r.PathValue("conversationId")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		s.logger.Error("Failed to load conversation", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"streaming":    s.queries.IsRunning(id),
	})
}

// handleListMessages returns a conversation's messages, oldest first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}

	id := r.PathValue("conversationId")
	msgs, err := s.store.ListMessages(id)
	if err != nil {
		s.logger.Error("Failed to list messages", "conversationID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": id,
		"messages":       msgs,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
