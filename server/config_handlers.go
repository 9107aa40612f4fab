package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/replykit/replykit/bus"
)

// ConfigRequest is the JSON body for updating the caller's extension config.
// Absent fields keep their stored value.
type ConfigRequest struct {
	Enabled   *bool              `json:"enabled,omitempty"`
	Theme     *string            `json:"theme,omitempty"`
	Shortcuts *map[string]string `json:"shortcuts,omitempty"`
}

// handleGetConfig returns the caller's extension config, falling back to
// defaults when nothing has been stored yet.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	rec, found, err := s.configs.GetConfig(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		rec = DefaultExtensionConfig(user.ID)
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePutConfig merges the request into the stored config, writes it, and
// publishes the updated config on the caller's stream.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	rec, found, err := s.configs.GetConfig(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		rec = DefaultExtensionConfig(user.ID)
	}

	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	if req.Theme != nil {
		rec.Theme = *req.Theme
	}
	if req.Shortcuts != nil {
		rec.Shortcuts = *req.Shortcuts
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := s.configs.PutConfig(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	shortcuts := make(map[string]any, len(rec.Shortcuts))
	for k, v := range rec.Shortcuts {
		shortcuts[k] = v
	}
	s.publishChange(r.Context(), bus.ChangeUpdated, bus.TopicConfig, user.ID, user.ID, map[string]any{
		"ownerId":   rec.OwnerID,
		"enabled":   rec.Enabled,
		"theme":     rec.Theme,
		"shortcuts": shortcuts,
	})
	writeJSON(w, http.StatusOK, rec)
}
