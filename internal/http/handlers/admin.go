package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/examsentry/server/internal/forensics"
	"github.com/examsentry/server/internal/middleware"
	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/repo"
)

// AdminHandler handles the authoriser-only endpoints: whitelist management,
// the audit trail and forensic leak analysis.
type AdminHandler struct {
	whitelist repo.WhitelistRepo
	audit     repo.AuditRepo
	forensics *forensics.Service
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(whitelist repo.WhitelistRepo, audit repo.AuditRepo, forensicsService *forensics.Service) *AdminHandler {
	return &AdminHandler{whitelist: whitelist, audit: audit, forensics: forensicsService}
}

// whitelistRequest is the request body for POST /whitelist
type whitelistRequest struct {
	Email string `json:"email"`
}

// auditResponse is the audit entry object in API responses
type auditResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

func toAuditResponse(e model.AuditLog) auditResponse {
	return auditResponse{
		ID:        e.ID.String(),
		Timestamp: e.Timestamp,
		Type:      string(e.Type),
		UserID:    e.UserID,
		Details:   e.Details,
		Severity:  string(e.Severity),
	}
}

// analyzeRequest is the request body for POST /forensics/analyze. Image is
// the leaked-paper photograph as base64 JPEG.
type analyzeRequest struct {
	Image string `json:"image"`
}

// HandleWhitelistAdd handles POST /whitelist
func (h *AdminHandler) HandleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		respondWithError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if err := h.whitelist.Add(r.Context(), req.Email); err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to update whitelist")
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]string{"message": "whitelisted"})
}

// HandleWhitelistList handles GET /whitelist
func (h *AdminHandler) HandleWhitelistList(w http.ResponseWriter, r *http.Request) {
	emails, err := h.whitelist.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list whitelist")
		return
	}
	if emails == nil {
		emails = []string{}
	}
	respondWithJSON(w, http.StatusOK, emails)
}

// HandleLogs handles GET /logs, newest first, capped at the sink's retention.
func (h *AdminHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list audit logs")
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditResponse(e))
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleAnalyze handles POST /forensics/analyze. Analysis is fail-closed: an
// oracle outage yields an error, never a fabricated attribution.
func (h *AdminHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	image, err := decodeImagePayload(req.Image)
	if err != nil || len(image) == 0 {
		respondWithError(w, http.StatusBadRequest, "image must be base64 JPEG")
		return
	}

	report, err := h.forensics.Analyze(r.Context(), *user, image)
	if err != nil {
		if errors.Is(err, forensics.ErrAnalysisFailed) {
			respondWithError(w, http.StatusBadGateway, "forensic analysis failed")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "forensic analysis failed")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}
