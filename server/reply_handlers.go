package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/replykit/replykit/bus"
)

// ReplyRequest is the JSON body for creating or updating a saved reply.
type ReplyRequest struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

func (req ReplyRequest) validate() (string, bool) {
	if req.Title == "" {
		return "title is required", false
	}
	if req.Body == "" {
		return "body is required", false
	}
	return "", true
}

// handleListReplies returns the caller's saved replies.
func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	replies, err := s.replies.ListReplies(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if replies == nil {
		replies = []SavedReplyRecord{}
	}
	writeJSON(w, http.StatusOK, replies)
}

// handleCreateReply creates a saved reply and publishes the change.
func (s *Server) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if msg, ok := req.validate(); !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}

	now := time.Now().UTC()
	rec := SavedReplyRecord{
		ID:        uuid.New().String(),
		OwnerID:   user.ID,
		Title:     req.Title,
		Body:      req.Body,
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.replies.CreateReply(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.publishChange(r.Context(), bus.ChangeCreated, bus.TopicReply, user.ID, rec.ID, replyPayload(rec))
	writeJSON(w, http.StatusCreated, rec)
}

// handleGetReply returns one saved reply owned by the caller.
func (s *Server) handleGetReply(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	rec, found, err := s.replies.GetReply(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "saved reply not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateReply updates a saved reply and publishes the change.
func (s *Server) handleUpdateReply(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if msg, ok := req.validate(); !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", msg)
		return
	}

	id := r.PathValue("id")
	rec, found, err := s.replies.GetReply(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "saved reply not found")
		return
	}

	rec.Title = req.Title
	rec.Body = req.Body
	rec.Tags = req.Tags
	rec.UpdatedAt = time.Now().UTC()

	if err := s.replies.UpdateReply(r.Context(), rec); err != nil {
		if errors.Is(err, ErrReplyNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "saved reply not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.publishChange(r.Context(), bus.ChangeUpdated, bus.TopicReply, user.ID, rec.ID, replyPayload(rec))
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteReply deletes a saved reply and publishes the change.
func (s *Server) handleDeleteReply(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := s.replies.DeleteReply(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, ErrReplyNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "saved reply not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.publishChange(r.Context(), bus.ChangeDeleted, bus.TopicReply, user.ID, id, map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func replyPayload(rec SavedReplyRecord) map[string]any {
	return map[string]any{
		"id":    rec.ID,
		"title": rec.Title,
		"body":  rec.Body,
		"tags":  rec.Tags,
	}
}
