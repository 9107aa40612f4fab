package server

import "net/http"

// handleHeartbeat records a liveness beat from the caller's extension.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if s.presence != nil {
		if err := s.presence.Touch(r.Context(), user.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "PRESENCE_ERROR", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleExtensionStatus reports whether the caller's extension has sent a
// heartbeat within the liveness threshold.
func (s *Server) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	installed := false
	if s.presence != nil {
		active, err := s.presence.Active(r.Context(), user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "PRESENCE_ERROR", err.Error())
			return
		}
		installed = active
	}
	writeJSON(w, http.StatusOK, map[string]bool{"installed": installed})
}
