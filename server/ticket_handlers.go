package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TicketRequest is the JSON body for opening a support ticket.
type TicketRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// handleListTickets returns the caller's tickets. Admins see all tickets.
func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var (
		tickets []TicketRecord
		err     error
	)
	if user.Role == RoleAdmin {
		tickets, err = s.tickets.ListAllTickets(r.Context())
	} else {
		tickets, err = s.tickets.ListTickets(r.Context(), user.ID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if tickets == nil {
		tickets = []TicketRecord{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

// handleCreateTicket opens a new ticket for the caller.
func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req TicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "subject is required")
		return
	}

	now := time.Now().UTC()
	rec := TicketRecord{
		ID:        uuid.New().String(),
		OwnerID:   user.ID,
		Subject:   req.Subject,
		Body:      req.Body,
		Status:    TicketOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.tickets.CreateTicket(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleGetTicket returns one ticket. The owner or an admin may read it.
func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	rec, found, err := s.tickets.GetTicket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found || (rec.OwnerID != user.ID && user.Role != RoleAdmin) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateTicketStatus transitions a ticket's status. Admin only.
func (s *Server) handleUpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	var req struct {
		Status TicketStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if !ValidTicketStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid status")
		return
	}

	id := r.PathValue("id")
	if err := s.tickets.UpdateTicketStatus(r.Context(), id, req.Status, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "ticket not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	rec, _, err := s.tickets.GetTicket(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
