package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/examsentry/server/internal/middleware"
	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/papers"
	"github.com/examsentry/server/internal/session"
	"github.com/examsentry/server/internal/unlock"
)

// UnlockHandler handles the two-party unlock workflow endpoints
type UnlockHandler struct {
	engine   *unlock.Engine
	papers   *papers.Service
	sessions *session.Controller
}

// NewUnlockHandler creates a new unlock handler
func NewUnlockHandler(engine *unlock.Engine, papersService *papers.Service, sessions *session.Controller) *UnlockHandler {
	return &UnlockHandler{engine: engine, papers: papersService, sessions: sessions}
}

// createRequestRequest is the request body for POST /unlock/requests
type createRequestRequest struct {
	PaperID string `json:"paper_id"`
}

// redeemRequest is the request body for POST /unlock/redeem
type redeemRequest struct {
	PaperID string `json:"paper_id"`
	Key     string `json:"key"`
}

// requestResponse is the unlock request object in API responses. The dynamic
// key is only ever surfaced to the authoriser listing.
type requestResponse struct {
	ID         string    `json:"id"`
	PaperID    string    `json:"paper_id"`
	SetterID   string    `json:"setter_id"`
	Status     string    `json:"status"`
	DynamicKey string    `json:"dynamic_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toRequestResponse(req model.UnlockRequest, includeKey bool) requestResponse {
	out := requestResponse{
		ID:        req.ID.String(),
		PaperID:   req.PaperID.String(),
		SetterID:  req.SetterID.String(),
		Status:    string(req.Status),
		CreatedAt: req.CreatedAt,
	}
	if includeKey {
		out.DynamicKey = req.DynamicKey
	}
	return out
}

// HandleCreate handles POST /unlock/requests (setter). Ownership of the paper
// is checked before the request is filed.
func (h *UnlockHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	paperID, err := uuid.Parse(strings.TrimSpace(req.PaperID))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}

	if _, err := h.papers.Get(r.Context(), user.ID, paperID); err != nil {
		if errors.Is(err, papers.ErrNotOwner) {
			respondWithError(w, http.StatusForbidden, "paper belongs to a different setter")
			return
		}
		respondWithError(w, http.StatusNotFound, "paper not found")
		return
	}

	created, err := h.engine.Request(r.Context(), paperID, user.ID)
	if err != nil {
		if errors.Is(err, unlock.ErrDuplicatePending) {
			respondWithError(w, http.StatusConflict, "unlock request already pending for this paper")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "failed to create unlock request")
		return
	}
	respondWithJSON(w, http.StatusCreated, toRequestResponse(created, false))
}

// HandleList handles GET /unlock/requests (authoriser). Approved requests
// include the minted key, which the authoriser relays out of band.
func (h *UnlockHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.List(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list unlock requests")
		return
	}
	out := make([]requestResponse, 0, len(list))
	for _, req := range list {
		out = append(out, toRequestResponse(req, true))
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleApprove handles POST /unlock/requests/{requestID}/approve (authoriser)
func (h *UnlockHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Approve)
}

// HandleReject handles POST /unlock/requests/{requestID}/reject (authoriser)
func (h *UnlockHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.Reject)
}

func (h *UnlockHandler) decide(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, requestID, authoriserID uuid.UUID) (model.UnlockRequest, error),
) {
	user, _ := middleware.GetUser(r.Context())
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	updated, err := op(r.Context(), requestID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, unlock.ErrRequestNotFound):
			respondWithError(w, http.StatusNotFound, "unlock request not found")
		case errors.Is(err, unlock.ErrNotPending):
			respondWithError(w, http.StatusConflict, "unlock request already resolved")
		default:
			respondWithError(w, http.StatusInternalServerError, "failed to resolve unlock request")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, toRequestResponse(updated, true))
}

// HandleRedeem handles POST /unlock/redeem (setter). A successful redemption
// consumes the key and attaches a session-scoped edit grant; the persisted
// lock flag on the paper is untouched.
func (h *UnlockHandler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	paperID, err := uuid.Parse(strings.TrimSpace(req.PaperID))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid paper id")
		return
	}
	key := strings.ToUpper(strings.TrimSpace(req.Key))
	if key == "" {
		respondWithError(w, http.StatusBadRequest, "key is required")
		return
	}

	// Ownership gate before the key is even considered, so a setter can
	// never consume a key minted for someone else's paper.
	if _, err := h.papers.Get(r.Context(), user.ID, paperID); err != nil {
		if errors.Is(err, papers.ErrNotOwner) {
			respondWithError(w, http.StatusForbidden, "paper belongs to a different setter")
			return
		}
		respondWithError(w, http.StatusNotFound, "paper not found")
		return
	}

	grant, err := h.engine.Redeem(r.Context(), paperID, key)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid or expired authorization key")
		return
	}
	if err := h.sessions.Grant(user.ID, grant.PaperID); err != nil {
		respondWithError(w, http.StatusUnauthorized, "no active session")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message":  "access granted for this session",
		"paper_id": grant.PaperID.String(),
	})
}
