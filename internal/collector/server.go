package collector

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/invigilator/internal/clock"
)

// maxUploadBytes bounds one form body; a base64 PNG of a 4K frame fits.
const maxUploadBytes = 32 << 20

// ServerConfig wires the reference receiver.
type ServerConfig struct {
	Token      string
	Store      *Store
	Repository Repository
	Publisher  Publisher
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Server is a reference receiver for FunctionSendScreenshot. It stores the
// image, records metadata and announces it, answering in the web service's
// wire format.
type Server struct {
	token  string
	store  *Store
	repo   Repository
	pub    Publisher
	clock  clock.Clock
	log    *slog.Logger
	router *mux.Router
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		token: cfg.Token,
		store: cfg.Store,
		repo:  cfg.Repository,
		pub:   cfg.Publisher,
		clock: cfg.Clock,
		log:   cfg.Logger.With("component", "collector"),
	}

	r := mux.NewRouter()
	r.HandleFunc(RESTPath, s.handleREST).Methods("POST")
	r.HandleFunc("/v1/quizzes/{quizId}/archive", s.handleArchive).Methods("GET")
	r.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods("GET")
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authorized(token string) bool {
	return s.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

// handleREST handles POST /webservice/rest/server.php
func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseForm(); err != nil {
		writeException(w, http.StatusBadRequest, "invalid_parameter_exception", "invalidparameter", "Invalid form body: "+err.Error())
		return
	}

	if !s.authorized(r.PostForm.Get("wstoken")) {
		writeException(w, http.StatusOK, "moodle_exception", "invalidtoken", "Invalid token - token not found")
		return
	}
	if fn := r.PostForm.Get("wsfunction"); fn != FunctionSendScreenshot {
		writeException(w, http.StatusOK, "dml_missing_record_exception", "invalidrecord", fmt.Sprintf("Can't find data record in database table external_functions (%s).", fn))
		return
	}

	sub, warnings := parseSubmission(r.PostForm)
	if len(warnings) > 0 {
		writeJSON(w, http.StatusOK, SendScreenshotResponse{Warnings: warnings})
		return
	}

	rec, err := s.accept(r.Context(), sub)
	if err != nil {
		s.log.Error("failed to store screenshot", "quiz", sub.quizID, "error", err)
		writeException(w, http.StatusInternalServerError, "moodle_exception", "storagefailed", "Could not store screenshot")
		return
	}

	writeJSON(w, http.StatusOK, SendScreenshotResponse{ScreenshotID: rec.ID, Warnings: []Warning{}})
}

type submission struct {
	courseID, moduleID, quizID int64
	data                       []byte
	width, height              int
}

// parseSubmission validates the form. Problems come back as warnings.
func parseSubmission(form map[string][]string) (submission, []Warning) {
	get := func(k string) string {
		if v := form[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var sub submission
	var warnings []Warning
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"courseid", &sub.courseID},
		{"cmid", &sub.moduleID},
		{"quizid", &sub.quizID},
	} {
		v, err := strconv.ParseInt(get(f.name), 10, 64)
		if err != nil || v <= 0 {
			warnings = append(warnings, Warning{Item: f.name, WarningCode: "invalidid", Message: f.name + " must be a positive integer"})
			continue
		}
		*f.dst = v
	}

	raw := get("screenshot")
	if !strings.HasPrefix(raw, dataURLPrefix) {
		return sub, append(warnings, Warning{Item: "screenshot", WarningCode: "invalidimage", Message: "screenshot must be a PNG data URL"})
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, dataURLPrefix))
	if err != nil {
		return sub, append(warnings, Warning{Item: "screenshot", WarningCode: "invalidimage", Message: "screenshot is not valid base64"})
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return sub, append(warnings, Warning{Item: "screenshot", WarningCode: "invalidimage", Message: "screenshot is not a PNG image"})
	}
	sub.data, sub.width, sub.height = data, cfg.Width, cfg.Height
	return sub, warnings
}

func (s *Server) accept(ctx context.Context, sub submission) (*Record, error) {
	rel, err := s.store.Save(sub.courseID, sub.quizID, uuid.NewString(), sub.data)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		CourseID:   sub.courseID,
		ModuleID:   sub.moduleID,
		QuizID:     sub.quizID,
		Path:       rel,
		Width:      sub.width,
		Height:     sub.height,
		SizeBytes:  len(sub.data),
		ReceivedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		if delErr := s.store.Delete(rel); delErr != nil {
			s.log.Warn("failed to remove orphaned screenshot", "path", rel, "error", delErr)
		}
		return nil, err
	}

	ev := Event{
		Type:         EventScreenshotCaptured,
		ScreenshotID: rec.ID,
		CourseID:     rec.CourseID,
		ModuleID:     rec.ModuleID,
		QuizID:       rec.QuizID,
		Path:         rec.Path,
		Width:        rec.Width,
		Height:       rec.Height,
		ReceivedAt:   rec.ReceivedAt,
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pub.Publish(pubCtx, ev); err != nil {
		// Events are best effort once the screenshot is stored.
		s.log.Warn("failed to publish screenshot event", "screenshot_id", rec.ID, "error", err)
	}

	s.log.Info("screenshot stored", "screenshot_id", rec.ID, "quiz", rec.QuizID, "bytes", rec.SizeBytes)
	return rec, nil
}

// handleArchive handles GET /v1/quizzes/{quizId}/archive
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("wstoken")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if !s.authorized(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	quizID, err := strconv.ParseInt(mux.Vars(r)["quizId"], 10, 64)
	if err != nil || quizID <= 0 {
		http.Error(w, "invalid quiz id", http.StatusBadRequest)
		return
	}

	records, err := s.repo.ListByQuiz(r.Context(), quizID)
	if err != nil {
		s.log.Error("failed to list screenshots", "quiz", quizID, "error", err)
		http.Error(w, "failed to list screenshots", http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		http.Error(w, "no screenshots for quiz", http.StatusNotFound)
		return
	}

	paths := make([]string, 0, len(records))
	for _, rec := range records {
		paths = append(paths, rec.Path)
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=quiz-%d.tar.gz", quizID))
	if err := s.store.Archive(w, paths); err != nil {
		// Headers are gone; the truncated stream is all the client gets.
		s.log.Error("failed to write archive", "quiz", quizID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeException(w http.ResponseWriter, status int, exception, code, msg string) {
	writeJSON(w, status, Exception{Exception: exception, ErrorCode: code, Message: msg})
}
