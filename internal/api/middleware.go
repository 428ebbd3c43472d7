package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/shehryarbajwa/invigilator/internal/ratelimit"
)

// maxPeekBytes bounds how much of a create request is read to find the quiz.
const maxPeekBytes = 64 << 10

// RateLimitMiddleware creates a middleware that enforces per-quiz rate limits
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			quizID := getQuizID(r)

			if quizID == "" {
				// No quiz id, the handler rejects the request
				next.ServeHTTP(w, r)
				return
			}

			// Check rate limit
			if !limiter.Allow(quizID) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.PerHour()))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests,
					fmt.Sprintf("Rate limit exceeded. Maximum %d session requests per hour per quiz.", limiter.PerHour()))
				return
			}

			// Add rate limit headers
			tokens := limiter.Tokens(quizID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.PerHour()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// getQuizID extracts the quiz id a request is charged to. A POST is
// charged to the quiz in its JSON body, which is restored for the next
// handler; other requests use the query or the X-Quiz-ID header.
func getQuizID(r *http.Request) string {
	if r.Method == http.MethodPost {
		return bodyQuizID(r)
	}

	if quizID := r.URL.Query().Get("quizId"); quizID != "" {
		return quizID
	}
	return r.Header.Get("X-Quiz-ID")
}

func bodyQuizID(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var peek struct {
		QuizID int64 `json:"quizId"`
	}
	if json.Unmarshal(body, &peek) != nil || peek.QuizID <= 0 {
		return ""
	}
	return strconv.FormatInt(peek.QuizID, 10)
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Quiz-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
