package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/replykit/replykit/bus"
	"github.com/replykit/replykit/otel"
	"github.com/replykit/replykit/presence"
	"github.com/replykit/replykit/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Replies   ReplyStore
	Configs   ConfigStore
	Settings  SettingStore
	Tickets   TicketStore
	AuthStore AuthStore

	Bus      bus.Bus
	Presence presence.Tracker

	HeartbeatInterval time.Duration
	CORSOrigin        string
	MaxBody           int64
	Metrics           *otel.StreamMetrics
	Logger            *slog.Logger
}

// Server is the ReplyKit HTTP API server.
type Server struct {
	replies   ReplyStore
	configs   ConfigStore
	settings  SettingStore
	tickets   TicketStore
	authStore AuthStore

	bus      bus.Bus
	presence presence.Tracker

	heartbeatInterval time.Duration
	corsOrigin        string
	maxBody           int64
	metrics           *otel.StreamMetrics
	logger            *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		replies:           cfg.Replies,
		configs:           cfg.Configs,
		settings:          cfg.Settings,
		tickets:           cfg.Tickets,
		authStore:         cfg.AuthStore,
		bus:               cfg.Bus,
		presence:          cfg.Presence,
		heartbeatInterval: cfg.HeartbeatInterval,
		corsOrigin:        corsOrigin,
		maxBody:           maxBody,
		metrics:           cfg.Metrics,
		logger:            logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Saved replies
	mux.HandleFunc("GET /api/replies", s.handleListReplies)
	mux.HandleFunc("POST /api/replies", s.handleCreateReply)
	mux.HandleFunc("GET /api/replies/{id}", s.handleGetReply)
	mux.HandleFunc("PUT /api/replies/{id}", s.handleUpdateReply)
	mux.HandleFunc("DELETE /api/replies/{id}", s.handleDeleteReply)

	// Extension config + liveness
	mux.HandleFunc("GET /api/extension/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/extension/config", s.handlePutConfig)
	mux.HandleFunc("POST /api/extension/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/extension/status", s.handleExtensionStatus)

	// Global feature flags and app settings
	mux.HandleFunc("GET /api/features", s.handleListFlags)
	mux.HandleFunc("PUT /api/features/{key}", s.handlePutFlag)
	mux.HandleFunc("GET /api/settings", s.handleListSettings)
	mux.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting)

	// Support tickets
	mux.HandleFunc("GET /api/tickets", s.handleListTickets)
	mux.HandleFunc("POST /api/tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /api/tickets/{id}", s.handleGetTicket)
	mux.HandleFunc("PUT /api/tickets/{id}/status", s.handleUpdateTicketStatus)

	// Auth routes
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/me", s.handleMe)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)

	// Event stream
	if s.bus != nil {
		streamHandler, err := sse.NewHandler(sse.HandlerConfig{
			Bus:               s.bus,
			Snapshots:         s,
			Identify:          s.identifyStream,
			HeartbeatInterval: s.heartbeatInterval,
			Metrics:           s.metrics,
			Logger:            s.logger,
		})
		if err != nil {
			// Config is validated above; only a nil collaborator gets here.
			s.logger.Error("stream handler unavailable", "error", err)
			return
		}
		mux.Handle("GET /api/stream/{topic}", streamHandler)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identifyStream adapts session auth to the stream handler's identity hook.
func (s *Server) identifyStream(r *http.Request) (sse.Identity, bool, error) {
	user, err := s.currentUser(r)
	if err != nil {
		if isAuthRejection(err) {
			return sse.Identity{}, false, nil
		}
		return sse.Identity{}, false, err
	}
	return sse.Identity{ID: user.ID, Email: user.Email, Role: user.Role}, true, nil
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.corsOrigin
		if origin == "echo" {
			// The browser extension's origin is extension-scheme specific;
			// echoing it back keeps credentials usable cross-origin.
			origin = r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
