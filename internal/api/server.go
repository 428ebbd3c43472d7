package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/invigilator/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Session creation is rate limited per quiz
	limited := RateLimitMiddleware(rateLimiter)
	api.Handle("/sessions", limited(http.HandlerFunc(h.CreateSession))).Methods("POST")

	// Session endpoints
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.StopSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/close", h.CloseSession).Methods("POST")

	// Last uploaded frame (frequent polling)
	api.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods("GET")

	// Notification stream
	api.HandleFunc("/sessions/{id}/notifications", h.SessionNotifications).Methods("GET")

	api.HandleFunc("/quizzes/{quizId}/usage", h.QuizUsage).Methods("GET")
	api.HandleFunc("/health", h.Health).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}
