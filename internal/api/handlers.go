package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/invigilator/internal/capture"
	"github.com/shehryarbajwa/invigilator/internal/notify"
	"github.com/shehryarbajwa/invigilator/internal/session"
	"github.com/shehryarbajwa/invigilator/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr *session.Manager
	hub        *notify.Hub
	log        *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, hub *notify.Hub, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sessionMgr: sessionMgr,
		hub:        hub,
		log:        log.With("component", "api"),
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	session, err := h.sessionMgr.CreateSession(r.Context(), req)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionMgr.GetSession(mux.Vars(r)["id"])
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var quizID int64
	if raw := r.URL.Query().Get("quizId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "quizId must be a positive integer")
			return
		}
		quizID = id
	}

	var state models.SessionState
	if raw := r.URL.Query().Get("state"); raw != "" {
		if _, ok := capture.ParseState(raw); !ok {
			writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(raw))
			return
		}
		state = models.SessionState(raw)
	}

	writeJSON(w, http.StatusOK, h.sessionMgr.ListSessions(quizID, state))
}

// StopSession handles DELETE /v1/sessions/{id}
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionMgr.StopSession(mux.Vars(r)["id"])
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, session)
}

// CloseSession handles POST /v1/sessions/{id}/close
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionMgr.CloseSession(mux.Vars(r)["id"])
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	data, at, err := h.sessionMgr.LastFrame(mux.Vars(r)["id"])
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	// Return PNG image
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Write(data)
}

// SessionNotifications handles GET /v1/sessions/{id}/notifications
func (h *Handler) SessionNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sessionMgr.GetSession(id); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.hub.ServeSession(w, r, id)
}

// QuizUsage handles GET /v1/quizzes/{quizId}/usage
func (h *Handler) QuizUsage(w http.ResponseWriter, r *http.Request) {
	quizID, err := strconv.ParseInt(mux.Vars(r)["quizId"], 10, 64)
	if err != nil || quizID <= 0 {
		writeError(w, http.StatusBadRequest, "quizId must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, h.sessionMgr.Usage(quizID))
}

// Health handles GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNoFrame):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrConcurrencyLimit):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.log.Error("session operation failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
