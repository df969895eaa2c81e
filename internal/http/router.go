package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/examsentry/server/internal/auth"
	"github.com/examsentry/server/internal/http/handlers"
	"github.com/examsentry/server/internal/middleware"
	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/repo"
)

// Handlers bundles the endpoint implementations wired into the router.
type Handlers struct {
	Auth    *handlers.AuthHandler
	Papers  *handlers.PapersHandler
	Unlock  *handlers.UnlockHandler
	Session *handlers.SessionHandler
	Admin   *handlers.AdminHandler
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(h Handlers, jwtService *auth.JWTService, userRepo repo.UserRepo, sessions middleware.Sessions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// Login steps are unauthenticated; each validates the prior step's state.
	r.Route("/auth", func(r chi.Router) {
		r.Post("/identity", h.Auth.HandleIdentity)
		r.Post("/password", h.Auth.HandlePassword)
		r.Post("/otp/request", h.Auth.HandleRequestOTP)
		r.Post("/otp/verify", h.Auth.HandleVerifyOTP)
		r.Post("/face", h.Auth.HandleFace)
	})

	// Protected routes (valid JWT and a live, unrevoked session).
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService, userRepo, sessions))

		r.Get("/me", h.Auth.HandleMe)
		r.Post("/auth/logout", h.Auth.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleSetter))

			r.Get("/papers", h.Papers.HandleList)
			r.Post("/papers", h.Papers.HandleCreate)
			r.Get("/papers/{paperID}", h.Papers.HandleGet)
			r.Put("/papers/{paperID}", h.Papers.HandleSave)
			r.Post("/papers/{paperID}/seal", h.Papers.HandleSeal)
			r.Post("/papers/{paperID}/open", h.Papers.HandleOpen)
			r.Post("/papers/{paperID}/close", h.Papers.HandleClose)

			r.Post("/unlock/requests", h.Unlock.HandleCreate)
			r.Post("/unlock/redeem", h.Unlock.HandleRedeem)

			r.Post("/session/frames", h.Session.HandlePushFrame)
			r.Post("/session/camera-error", h.Session.HandleCameraError)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAuthoriser))

			r.Get("/unlock/requests", h.Unlock.HandleList)
			r.Post("/unlock/requests/{requestID}/approve", h.Unlock.HandleApprove)
			r.Post("/unlock/requests/{requestID}/reject", h.Unlock.HandleReject)

			r.Post("/whitelist", h.Admin.HandleWhitelistAdd)
			r.Get("/whitelist", h.Admin.HandleWhitelistList)
			r.Get("/logs", h.Admin.HandleLogs)
			r.Post("/forensics/analyze", h.Admin.HandleAnalyze)
		})
	})

	// Status stays reachable after a revocation so the locked-out client can
	// render the violation. Token-only auth, no liveness gate.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService, userRepo, nil))
		r.Get("/session/status", h.Session.HandleStatus)
	})

	return r
}
