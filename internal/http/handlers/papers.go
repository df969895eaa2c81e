package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/examsentry/server/internal/middleware"
	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/papers"
	"github.com/examsentry/server/internal/session"
)

// PapersHandler handles the setter's paper endpoints
type PapersHandler struct {
	papers   *papers.Service
	sessions *session.Controller
}

// NewPapersHandler creates a new papers handler
func NewPapersHandler(papersService *papers.Service, sessions *session.Controller) *PapersHandler {
	return &PapersHandler{papers: papersService, sessions: sessions}
}

// paperResponse is the paper object in API responses
type paperResponse struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	SetterID    string     `json:"setter_id"`
	CreatedAt   time.Time  `json:"created_at"`
	IsLocked    bool       `json:"is_locked"`
	LockDate    *time.Time `json:"lock_date,omitempty"`
	WatermarkID string     `json:"watermark_id"`
}

func toPaperResponse(p model.ExamPaper) paperResponse {
	return paperResponse{
		ID:          p.ID.String(),
		Title:       p.Title,
		Content:     p.Content,
		SetterID:    p.SetterID.String(),
		CreatedAt:   p.CreatedAt,
		IsLocked:    p.IsLocked,
		LockDate:    p.LockDate,
		WatermarkID: p.WatermarkID,
	}
}

// savePaperRequest is the request body for PUT /papers/{paperID}
type savePaperRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func paperIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "paperID"))
}

// HandleList handles GET /papers
func (h *PapersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	list, err := h.papers.List(r.Context(), user.ID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list papers")
		return
	}
	out := make([]paperResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPaperResponse(p))
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleCreate handles POST /papers
func (h *PapersHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	paper, err := h.papers.Create(r.Context(), *user)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to create paper")
		return
	}
	respondWithJSON(w, http.StatusCreated, toPaperResponse(paper))
}

// HandleGet handles GET /papers/{paperID}
func (h *PapersHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	paperID, err := paperIDParam(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	paper, err := h.papers.Get(r.Context(), user.ID, paperID)
	if err != nil {
		if errors.Is(err, papers.ErrNotOwner) {
			respondWithError(w, http.StatusForbidden, "paper belongs to a different setter")
			return
		}
		respondWithError(w, http.StatusNotFound, "paper not found")
		return
	}
	respondWithJSON(w, http.StatusOK, toPaperResponse(paper))
}

// HandleSave handles PUT /papers/{paperID}. Saving a sealed paper requires a
// redeemed unlock grant on the current session.
func (h *PapersHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	paperID, err := paperIDParam(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	var req savePaperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	hasGrant := h.sessions.HasGrant(user.ID, paperID)
	if err := h.papers.Save(r.Context(), user.ID, paperID, req.Title, req.Content, hasGrant); err != nil {
		switch {
		case errors.Is(err, papers.ErrPaperSealed):
			respondWithError(w, http.StatusLocked, "paper is sealed; request authorization to edit")
		case errors.Is(err, papers.ErrNotOwner):
			respondWithError(w, http.StatusForbidden, "paper belongs to a different setter")
		default:
			respondWithError(w, http.StatusNotFound, "paper not found")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "saved"})
}

// HandleSeal handles POST /papers/{paperID}/seal
func (h *PapersHandler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	paperID, err := paperIDParam(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	paper, err := h.papers.Seal(r.Context(), user.ID, paperID)
	if err != nil {
		if errors.Is(err, papers.ErrNotOwner) {
			respondWithError(w, http.StatusForbidden, "paper belongs to a different setter")
			return
		}
		respondWithError(w, http.StatusNotFound, "paper not found")
		return
	}
	respondWithJSON(w, http.StatusOK, toPaperResponse(paper))
}

// HandleOpen handles POST /papers/{paperID}/open. Opening a paper for editing
// starts mandatory session monitoring; a sealed paper needs a redeemed grant.
func (h *PapersHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	paperID, err := paperIDParam(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	paper, err := h.papers.Get(r.Context(), user.ID, paperID)
	if err != nil {
		if errors.Is(err, papers.ErrNotOwner) {
			respondWithError(w, http.StatusForbidden, "paper belongs to a different setter")
			return
		}
		respondWithError(w, http.StatusNotFound, "paper not found")
		return
	}
	if paper.IsLocked && !h.sessions.HasGrant(user.ID, paperID) {
		respondWithError(w, http.StatusLocked, "paper is sealed; request authorization to edit")
		return
	}

	if err := h.sessions.StartMonitoring(r.Context(), user.ID, paperID); err != nil {
		if errors.Is(err, session.ErrSessionRevoked) {
			respondWithError(w, http.StatusForbidden, err.Error())
			return
		}
		// Camera acquisition failures have already raised the alert; the
		// client sees the lockout through /session/status.
		respondWithError(w, http.StatusConflict, "monitoring could not be started")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "monitoring_started"})
}

// HandleClose handles POST /papers/{paperID}/close
func (h *PapersHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	if _, err := paperIDParam(r); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	h.sessions.StopMonitoring(user.ID)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "monitoring_stopped"})
}
