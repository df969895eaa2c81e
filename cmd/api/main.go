package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"github.com/examsentry/server/internal/auth"
	"github.com/examsentry/server/internal/config"
	"github.com/examsentry/server/internal/db"
	"github.com/examsentry/server/internal/forensics"
	httphandler "github.com/examsentry/server/internal/http"
	"github.com/examsentry/server/internal/http/handlers"
	"github.com/examsentry/server/internal/oracle"
	"github.com/examsentry/server/internal/papers"
	"github.com/examsentry/server/internal/repo"
	"github.com/examsentry/server/internal/session"
	"github.com/examsentry/server/internal/unlock"
)

func main() {
	// Load .env from CWD so it works from repo root (env vars override)
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	// Open database connection
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	paperRepo := repo.NewPaperRepo(database)
	requestRepo := repo.NewRequestRepo(database)
	auditRepo := repo.NewAuditRepo(database)
	whitelistRepo := repo.NewWhitelistRepo(database)
	otpRepo := repo.NewOtpRepo(database)

	// Select the verdict oracle: deterministic simulation without an API key,
	// otherwise the remote service behind the degradation wrapper.
	policy := oracle.DefaultPolicy()
	var verdicts oracle.Oracle
	if cfg.SimulationMode() {
		log.Println("Verdict oracle: simulation mode (no API key configured)")
		verdicts = oracle.NewSimulator(userRepo)
	} else {
		log.Printf("Verdict oracle: remote, policy %s", policy)
		verdicts = oracle.NewResilient(oracle.NewGemini(cfg.GeminiAPIKey), policy)
	}

	// Initialize auth services
	otpProvider := auth.NewOtpService(otpRepo, cfg.AuthSalt)
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	authService := auth.NewAuthService(otpProvider, jwtService, userRepo, whitelistRepo, auditRepo, verdicts, cfg.AuthSalt)

	// Initialize domain services
	sessions := session.NewController(auditRepo, verdicts)
	unlockEngine := unlock.NewEngine(requestRepo, auditRepo)
	paperService := papers.NewService(paperRepo, auditRepo)
	forensicService := forensics.NewService(verdicts, userRepo, auditRepo)

	// Initialize handlers
	h := httphandler.Handlers{
		Auth:    handlers.NewAuthHandler(authService, otpProvider, sessions),
		Papers:  handlers.NewPapersHandler(paperService, sessions),
		Unlock:  handlers.NewUnlockHandler(unlockEngine, paperService, sessions),
		Session: handlers.NewSessionHandler(sessions),
		Admin:   handlers.NewAdminHandler(whitelistRepo, auditRepo, forensicService),
	}

	// Create router
	router := httphandler.NewRouter(h, jwtService, userRepo, sessions)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s (db %s)", cfg.Port, db.RedactedDSN(cfg.DatabaseURL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
