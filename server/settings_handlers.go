package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/replykit/replykit/bus"
)

// flagMap returns the current feature flags as the name->enabled map used by
// list responses, publish payloads, and stream snapshots alike.
func (s *Server) flagMap(ctx context.Context) (map[string]bool, error) {
	flags, err := s.settings.ListFlags(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(flags))
	for _, f := range flags {
		out[f.Key] = f.Enabled
	}
	return out, nil
}

// settingMap returns the current app settings as a key->value map.
func (s *Server) settingMap(ctx context.Context) (map[string]string, error) {
	settings, err := s.settings.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, rec := range settings {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

// toPayload widens a typed map to the bus payload type.
func toPayload[V any](m map[string]V) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// handleListFlags returns all feature flags as a name->enabled map.
func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	out, err := s.flagMap(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutFlag sets one feature flag. Admin only. The full flag map is
// published globally so every connected client converges on the same view.
func (s *Server) handlePutFlag(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	name := r.PathValue("key")
	if name == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "flag name is required")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	rec := FeatureFlagRecord{Key: name, Enabled: req.Enabled, UpdatedAt: time.Now().UTC()}
	if err := s.settings.PutFlag(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	out, err := s.flagMap(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.publishChange(r.Context(), bus.ChangeUpdated, bus.TopicFeatures, bus.GlobalOwner, name, toPayload(out))
	writeJSON(w, http.StatusOK, out)
}

// handleListSettings returns all app settings as a key->value map.
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	out, err := s.settingMap(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutSetting sets one app setting. Admin only.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "setting key is required")
		return
	}

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	rec := AppSettingRecord{Key: key, Value: req.Value, UpdatedAt: time.Now().UTC()}
	if err := s.settings.PutSetting(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	out, err := s.settingMap(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.publishChange(r.Context(), bus.ChangeUpdated, bus.TopicAppSettings, bus.GlobalOwner, key, toPayload(out))
	writeJSON(w, http.StatusOK, out)
}
