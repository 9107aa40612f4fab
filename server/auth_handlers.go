package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SessionDuration defines how long a session is valid.
	SessionDuration = 7 * 24 * time.Hour // 7 days

	// AuthCookieName is the name of the session cookie.
	AuthCookieName = "replykit_session"
)

// Auth rejection sentinels used by currentUser.
var (
	errNoToken        = errors.New("no session token")
	errInvalidSession = errors.New("invalid session")
)

// isAuthRejection distinguishes "caller is unauthenticated" from store
// failures.
func isAuthRejection(err error) bool {
	return errors.Is(err, errNoToken) ||
		errors.Is(err, errInvalidSession) ||
		errors.Is(err, ErrSessionExpired)
}

// LoginRequest is the JSON body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for login and register.
type LoginResponse struct {
	User  *UserResponse `json:"user"`
	Token string        `json:"token"`
}

// UserResponse is the public user data returned in auth responses.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserResponse(user UserRecord) *UserResponse {
	return &UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}

// RegisterRequest is the JSON body for POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// currentUser resolves the authenticated user from the request's session
// cookie or bearer token. Unauthenticated requests yield an auth-rejection
// sentinel; anything else is a store failure.
func (s *Server) currentUser(r *http.Request) (UserRecord, error) {
	token := extractSessionToken(r)
	if token == "" {
		return UserRecord{}, errNoToken
	}

	sess, ok, err := s.authStore.GetSessionByToken(r.Context(), token)
	if err != nil {
		return UserRecord{}, err
	}
	if !ok {
		return UserRecord{}, errInvalidSession
	}

	user, ok, err := s.authStore.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		return UserRecord{}, err
	}
	if !ok {
		return UserRecord{}, errInvalidSession
	}
	return user, nil
}

// requireUser resolves the caller or writes the appropriate error response.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (UserRecord, bool) {
	user, err := s.currentUser(r)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "session has expired")
			return UserRecord{}, false
		}
		if isAuthRejection(err) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return UserRecord{}, false
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return UserRecord{}, false
	}
	return user, true
}

// requireAdmin resolves the caller and enforces the admin role.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (UserRecord, bool) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return UserRecord{}, false
	}
	if user.Role != RoleAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return UserRecord{}, false
	}
	return user, true
}

// handleLogin authenticates a user and creates a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password is required")
		return
	}

	user, ok, err := s.authStore.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	token, err := generateSessionToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to generate session token")
		return
	}

	now := time.Now().UTC()
	sess := SessionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: now.Add(SessionDuration),
		CreatedAt: now,
	}

	if err := s.authStore.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	setSessionCookie(w, token, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{User: toUserResponse(user), Token: token})
}

// handleLogout invalidates the current session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := extractSessionToken(r)
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess, ok, err := s.authStore.GetSessionByToken(r.Context(), token)
	if err != nil && !errors.Is(err, ErrSessionExpired) {
		s.logger.Warn("logout session lookup failed", "error", err)
	}

	if ok {
		if err := s.authStore.DeleteSession(r.Context(), sess.ID); err != nil {
			s.logger.Warn("logout session delete failed", "error", err)
		}
	}

	// Clear cookie
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the current authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// handleRegister creates a new user account. Accounts always start as
// regular users; promotion to admin happens out of band (serve --admin-email).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password must be at least 8 characters")
		return
	}

	_, exists, err := s.authStore.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "USER_EXISTS", "a user with this email already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "HASH_ERROR", "failed to hash password")
		return
	}

	now := time.Now().UTC()
	user := UserRecord{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(req.Email),
		Name:         req.Name,
		Role:         RoleUser,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.authStore.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusConflict, "USER_EXISTS", "a user with this email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	token, err := generateSessionToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to generate session token")
		return
	}

	sess := SessionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: now.Add(SessionDuration),
		CreatedAt: now,
	}

	if err := s.authStore.CreateSession(r.Context(), sess); err != nil {
		s.logger.Warn("failed to create session after registration", "user_id", user.ID, "error", err)
	}

	setSessionCookie(w, token, sess.ExpiresAt)
	writeJSON(w, http.StatusCreated, LoginResponse{User: toUserResponse(user), Token: token})
}

func setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// extractSessionToken extracts the session token from the request.
// It checks the Authorization header first, then the cookie.
func extractSessionToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	cookie, err := r.Cookie(AuthCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	return ""
}

// generateSessionToken creates a cryptographically secure random token.
func generateSessionToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
