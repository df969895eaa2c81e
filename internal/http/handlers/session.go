package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/examsentry/server/internal/middleware"
	"github.com/examsentry/server/internal/session"
)

// SessionHandler handles the monitoring feed endpoints
type SessionHandler struct {
	sessions *session.Controller
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *session.Controller) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// pushFrameRequest is the request body for POST /session/frames
type pushFrameRequest struct {
	Frame string `json:"frame"`
}

// statusResponse is the JSON response for GET /session/status
type statusResponse struct {
	Monitoring bool   `json:"monitoring"`
	Status     string `json:"status,omitempty"`
	Violation  string `json:"violation,omitempty"`
	Details    string `json:"details,omitempty"`
}

// HandlePushFrame handles POST /session/frames. The browser streams webcam
// stills here while an editing session is monitored.
func (h *SessionHandler) HandlePushFrame(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var req pushFrameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	frame, err := decodeImagePayload(req.Frame)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "frame must be base64 JPEG")
		return
	}
	if err := h.sessions.PushFrame(user.ID, frame); err != nil {
		if errors.Is(err, session.ErrNotMonitoring) {
			respondWithError(w, http.StatusConflict, "no active monitoring session")
			return
		}
		respondWithError(w, http.StatusBadRequest, "frame could not be decoded")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "frame_accepted"})
}

// HandleCameraError handles POST /session/camera-error. The client reports a
// capture device failure; the monitor escalates on its next cycle.
func (h *SessionHandler) HandleCameraError(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	if err := h.sessions.ReportCameraFailure(user.ID); err != nil {
		respondWithError(w, http.StatusConflict, "no active monitoring session")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "camera_failure_recorded"})
}

// HandleStatus handles GET /session/status. A revoked session still answers
// here so the locked-out client can render the violation.
func (h *SessionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())

	resp := statusResponse{}
	if status, ok := h.sessions.MonitorStatus(user.ID); ok {
		resp.Monitoring = true
		resp.Status = string(status)
	}
	if v := h.sessions.Violation(user.ID); v != nil {
		resp.Violation = v.Type
		resp.Details = v.Details
	}
	respondWithJSON(w, http.StatusOK, resp)
}
