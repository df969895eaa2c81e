package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/examsentry/server/internal/auth"
	"github.com/examsentry/server/internal/middleware"
	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/session"
)

func isRateLimitErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "rate limit")
}

// AuthHandler handles the multi-step login endpoints
type AuthHandler struct {
	authService     *auth.AuthService
	otpProvider     auth.OtpProvider
	sessions        *session.Controller
	ipLimiter       *middleware.RateLimiter
	verifyIPLimiter *middleware.RateLimiter
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	authService *auth.AuthService,
	otpProvider auth.OtpProvider,
	sessions *session.Controller,
) *AuthHandler {
	// IP rate limiters: 10 per 10min for identity/otp request, 20 per 10min for verify (email limit is DB-based)
	return &AuthHandler{
		authService:     authService,
		otpProvider:     otpProvider,
		sessions:        sessions,
		ipLimiter:       middleware.NewRateLimiter(10*60*time.Second, 10),
		verifyIPLimiter: middleware.NewRateLimiter(10*60*time.Second, 20),
	}
}

// identityRequest is the request body for POST /auth/identity
type identityRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// identityResponse is the JSON response for the identity step
type identityResponse struct {
	NewUser bool `json:"new_user"`
}

// passwordRequest is the request body for POST /auth/password
type passwordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// requestOTPRequest is the request body for POST /auth/otp/request
type requestOTPRequest struct {
	Email string `json:"email"`
}

// requestOTPResponse is the JSON response for otp/request
type requestOTPResponse struct {
	Message string `json:"message"`
	DevOTP  string `json:"dev_otp,omitempty"`
}

// verifyOTPRequest is the request body for POST /auth/otp/verify
type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// faceRequest is the request body for POST /auth/face, the final login step.
// Frame is the captured webcam still as base64 JPEG.
type faceRequest struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password"`
	Frame    string `json:"frame"`
}

// faceResponse is the JSON response for the completed login
type faceResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	FullName string `json:"full_name"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:       u.ID.String(),
		Email:    u.Email,
		Role:     string(u.Role),
		FullName: u.FullName,
	}
}

func parseRole(raw string) (model.Role, bool) {
	switch model.Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case model.RoleSetter:
		return model.RoleSetter, true
	case model.RoleAuthoriser:
		return model.RoleAuthoriser, true
	}
	return "", false
}

// HandleIdentity handles POST /auth/identity, the whitelist gate.
func (h *AuthHandler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	role, ok := parseRole(req.Role)
	if req.Email == "" || !ok {
		respondWithError(w, http.StatusBadRequest, "email and role are required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	isNew, err := h.authService.CheckIdentity(r.Context(), req.Email, role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotWhitelisted):
			respondWithError(w, http.StatusForbidden, "access denied: identity not in authorized whitelist")
		case errors.Is(err, auth.ErrRoleClash):
			respondWithError(w, http.StatusConflict, "identity registered under a different role")
		case errors.Is(err, auth.ErrInvalidEmail):
			respondWithError(w, http.StatusBadRequest, "invalid email structure")
		default:
			logMaskedEmail(req.Email, "Identity check failed: %v", err)
			respondWithError(w, http.StatusInternalServerError, "identity check failed")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, identityResponse{NewUser: isNew})
}

// HandlePassword handles POST /auth/password
func (h *AuthHandler) HandlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if !h.verifyIPLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.authService.VerifyPassword(r.Context(), req.Email, req.Password); err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			respondWithError(w, http.StatusBadRequest, "password must be at least 6 characters")
		case errors.Is(err, auth.ErrInvalidCredentials):
			respondWithError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			logMaskedEmail(req.Email, "Password check failed: %v", err)
			respondWithError(w, http.StatusInternalServerError, "password check failed")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "password_ok"})
}

// HandleRequestOTP handles POST /auth/otp/request
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ip := getClientIP(r)
	userAgent := r.UserAgent()

	err := h.otpProvider.RequestOTP(r.Context(), req.Email, ip, userAgent)
	if err != nil {
		logMaskedEmail(req.Email, "Failed to request OTP", err)
		if isRateLimitErr(err) {
			respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to request OTP")
		return
	}

	devMode := os.Getenv("OTP_DEV_MODE") == "true"

	response := requestOTPResponse{Message: "otp_sent"}
	if devMode {
		response.DevOTP = "123456"
	}
	respondWithJSON(w, http.StatusOK, response)
}

// HandleVerifyOTP handles POST /auth/otp/verify
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.OTP = strings.TrimSpace(req.OTP)
	if req.Email == "" || req.OTP == "" {
		respondWithError(w, http.StatusBadRequest, "email and otp are required")
		return
	}

	if !h.verifyIPLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.otpProvider.VerifyOTP(r.Context(), req.Email, req.OTP, getClientIP(r)); err != nil {
		logMaskedEmail(req.Email, "OTP verification failed", err)
		respondWithError(w, http.StatusUnauthorized, "invalid or expired OTP")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "otp_verified"})
}

// HandleFace handles POST /auth/face, the final step: biometric verification
// for enrolled identities, enrollment for new ones. Issues the access token
// and registers the server-side session.
func (h *AuthHandler) HandleFace(w http.ResponseWriter, r *http.Request) {
	var req faceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	role, ok := parseRole(req.Role)
	if req.Email == "" || !ok || req.Frame == "" {
		respondWithError(w, http.StatusBadRequest, "email, role and frame are required")
		return
	}

	if !h.verifyIPLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	frame, err := decodeImagePayload(req.Frame)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "frame must be base64 JPEG")
		return
	}

	user, token, err := h.authService.CompleteFace(r.Context(), req.Email, role, req.Password, frame)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrBiometricMismatch):
			respondWithError(w, http.StatusUnauthorized, "biometric verification failed")
		case errors.Is(err, auth.ErrRoleClash):
			respondWithError(w, http.StatusConflict, "identity registered under a different role")
		case errors.Is(err, auth.ErrWeakPassword):
			respondWithError(w, http.StatusBadRequest, "password must be at least 6 characters")
		default:
			logMaskedEmail(req.Email, "Face step failed: %v", err)
			respondWithError(w, http.StatusInternalServerError, "face verification failed")
		}
		return
	}

	h.sessions.Begin(user)

	respondWithJSON(w, http.StatusOK, faceResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        toUserResponse(user),
	})
}

// HandleLogout handles POST /auth/logout (protected)
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.sessions.End(user.ID)
	if err := h.authService.RecordLogout(r.Context(), *user); err != nil {
		logMaskedEmail(user.Email, "Failed to record logout: %v", err)
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, toUserResponse(*user))
}
