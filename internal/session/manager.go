package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/invigilator/internal/capture"
	"github.com/shehryarbajwa/invigilator/internal/clock"
	"github.com/shehryarbajwa/invigilator/internal/source"
	"github.com/shehryarbajwa/invigilator/pkg/models"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session is closed")
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	ErrInvalidRequest   = errors.New("invalid session request")
	ErrNoFrame          = errors.New("no frame uploaded yet")
	ErrShuttingDown     = errors.New("session manager is shutting down")
)

const (
	DefaultMaxSessionsPerQuiz = 500
	DefaultTimeout            = 3 * time.Hour
	DefaultRetention          = 15 * time.Minute
)

// forgetter is implemented by notifiers that keep per-session history.
type forgetter interface {
	Forget(sessionID string)
}

var validate = validator.New()

// Config wires the manager. Capture holds per-session defaults that a
// request may override. Retention is how long a closed session stays
// visible before it is evicted along with its notification history.
type Config struct {
	Sources            *source.Registry
	Uploader           capture.Uploader
	Notifier           capture.Notifier
	Clock              clock.Clock
	Logger             *slog.Logger
	MaxSessionsPerQuiz int
	DefaultTimeout     time.Duration
	Retention          time.Duration
	Capture            capture.Options
}

type entry struct {
	ctrl      *capture.Controller
	source    source.Kind
	createdAt time.Time
	expiresAt time.Time
	timeout   time.Duration
	timer     *clock.Timer
	release   sync.Once
}

// Manager handles all capture sessions
type Manager struct {
	sessions    sync.Map // id -> *entry
	concurrency map[int64]*semaphore.Weighted
	mu          sync.RWMutex

	sources   *source.Registry
	uploader  capture.Uploader
	notifier  capture.Notifier
	clock     clock.Clock
	log       *slog.Logger
	limit     int
	timeout   time.Duration
	retention time.Duration
	defaults  capture.Options
	forget    forgetter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new session manager
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSessionsPerQuiz <= 0 {
		cfg.MaxSessionsPerQuiz = DefaultMaxSessionsPerQuiz
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	forget, _ := cfg.Notifier.(forgetter)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		concurrency: make(map[int64]*semaphore.Weighted),
		sources:     cfg.Sources,
		uploader:    cfg.Uploader,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		log:         cfg.Logger.With("component", "sessions"),
		limit:       cfg.MaxSessionsPerQuiz,
		timeout:     cfg.DefaultTimeout,
		retention:   cfg.Retention,
		defaults:    cfg.Capture,
		forget:      forget,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CreateSession validates the request, takes a quiz slot and starts
// acquisition in the background. The returned session is usually still
// awaiting permission.
func (m *Manager) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if m.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}

	timeout := m.timeout
	if req.Timeout != 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	opts := m.defaults
	opts.CourseID, opts.ModuleID, opts.QuizID = req.CourseID, req.ModuleID, req.QuizID
	if req.TargetWidth != 0 {
		opts.TargetWidth = req.TargetWidth
	}
	if req.CaptureIntervalSeconds != 0 {
		opts.CaptureInterval = time.Duration(req.CaptureIntervalSeconds) * time.Second
	}
	if req.LivenessIntervalMillis != 0 {
		opts.LivenessInterval = time.Duration(req.LivenessIntervalMillis) * time.Millisecond
	}

	// Check concurrency limit
	if err := m.acquireSlot(req.QuizID); err != nil {
		return nil, err
	}

	// Route to a registered source
	kind := m.sources.Route(req.Source)
	src, err := m.sources.Get(kind)
	if err != nil {
		m.releaseSlot(req.QuizID)
		return nil, err
	}

	sessionID := uuid.New().String()
	ctrl, err := capture.NewController(capture.Config{
		Options:   opts,
		SessionID: sessionID,
		Source:    src,
		Uploader:  m.uploader,
		Notifier:  m.notifier,
		Clock:     m.clock,
		Logger:    m.log,
	})
	if err != nil {
		m.releaseSlot(req.QuizID)
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	// Shutdown cancels under m.mu, so no goroutine is added once it waits.
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		m.releaseSlot(req.QuizID)
		return nil, ErrShuttingDown
	}
	m.wg.Add(2)
	m.mu.Unlock()

	now := m.clock.Now()
	e := &entry{
		ctrl:      ctrl,
		source:    kind,
		createdAt: now,
		expiresAt: now.Add(timeout),
		timeout:   timeout,
	}

	// Start timeout handler
	e.timer = m.clock.AfterFunc(timeout, func() {
		m.log.Info("session reached its maximum duration", "session", sessionID)
		ctrl.Stop()
	})
	m.sessions.Store(sessionID, e)

	go func() {
		defer m.wg.Done()
		// Errors are logged and notified by the controller.
		ctrl.Start(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		select {
		case <-ctrl.Done():
		case <-m.ctx.Done():
			ctrl.Close()
			<-ctrl.Done()
		}
		m.finish(e)
	}()

	m.log.Info("session created", "session", sessionID, "quiz", req.QuizID, "source", kind)
	return e.view(), nil
}

// finish releases what a closed session held and schedules its eviction.
// Safe to call repeatedly.
func (m *Manager) finish(e *entry) {
	e.release.Do(func() {
		if e.timer != nil {
			e.timer.Stop()
		}
		m.releaseSlot(e.ctrl.Options().QuizID)

		id := e.ctrl.ID()
		m.clock.AfterFunc(m.retention, func() {
			m.sessions.Delete(id)
			if m.forget != nil {
				m.forget.Forget(id)
			}
			m.log.Debug("session evicted", "session", id)
		})
	})
}

func (m *Manager) lookup(id string) (*entry, error) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return value.(*entry), nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(id string) (*models.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.view(), nil
}

// ListSessions returns sessions for a quiz, optionally filtered by state,
// oldest first. A zero quizID matches every quiz.
func (m *Manager) ListSessions(quizID int64, state models.SessionState) []*models.Session {
	sessions := []*models.Session{}

	m.sessions.Range(func(key, value any) bool {
		s := value.(*entry).view()

		if quizID != 0 && s.QuizID != quizID {
			return true
		}

		if state != "" && s.State != state {
			return true
		}

		sessions = append(sessions, s)
		return true
	})

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// StopSession raises the stop flag; the session closes on its next
// liveness tick.
func (m *Manager) StopSession(id string) (*models.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.ctrl.State() == capture.StateClosed {
		return nil, ErrSessionClosed
	}
	e.ctrl.Stop()
	return e.view(), nil
}

// CloseSession terminates a session synchronously.
func (m *Manager) CloseSession(id string) (*models.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.ctrl.Close()
	m.finish(e)
	return e.view(), nil
}

// LastFrame returns the last uploaded PNG for a session.
func (m *Manager) LastFrame(id string) ([]byte, time.Time, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, at, ok := e.ctrl.LastFrame()
	if !ok {
		return nil, time.Time{}, ErrNoFrame
	}
	return data, at, nil
}

// Usage summarizes a quiz's sessions.
func (m *Manager) Usage(quizID int64) models.QuizUsage {
	u := models.QuizUsage{QuizID: quizID, MaxSessions: m.limit}
	for _, s := range m.ListSessions(quizID, "") {
		u.TotalSessions++
		if s.State != models.StateClosed {
			u.ActiveSessions++
		}
		u.Uploaded += s.Stats.Uploaded
		u.Failed += s.Stats.Failed
	}
	return u
}

// Shutdown closes every session and waits for their goroutines, or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	m.sessions.Range(func(key, value any) bool {
		e := value.(*entry)
		e.ctrl.Close()
		m.finish(e)
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("all sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquireSlot tries to acquire a concurrency slot for the quiz
func (m *Manager) acquireSlot(quizID int64) error {
	m.mu.Lock()
	sem, exists := m.concurrency[quizID]
	if !exists {
		sem = semaphore.NewWeighted(int64(m.limit))
		m.concurrency[quizID] = sem
	}
	m.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w for quiz %d", ErrConcurrencyLimit, quizID)
	}

	return nil
}

// releaseSlot releases a concurrency slot for the quiz
func (m *Manager) releaseSlot(quizID int64) {
	m.mu.RLock()
	sem := m.concurrency[quizID]
	m.mu.RUnlock()

	if sem != nil {
		sem.Release(1)
	}
}

func (e *entry) view() *models.Session {
	snap := e.ctrl.Snapshot()
	opts := e.ctrl.Options()

	s := &models.Session{
		ID:                     e.ctrl.ID(),
		CourseID:               opts.CourseID,
		ModuleID:               opts.ModuleID,
		QuizID:                 opts.QuizID,
		Source:                 string(e.source),
		State:                  models.SessionState(snap.State.String()),
		StopRequested:          snap.StopRequested,
		TargetWidth:            opts.TargetWidth,
		CaptureIntervalSeconds: int(opts.CaptureInterval / time.Second),
		CreatedAt:              e.createdAt,
		ExpiresAt:              e.expiresAt,
		Timeout:                int(e.timeout / time.Second),
		Stats:                  models.CaptureStats(snap.Stats),
	}
	if snap.Err != nil {
		s.Error = snap.Err.Error()
	}
	if snap.State == capture.StateClosed {
		closedAt := snap.ClosedAt
		s.ClosedAt = &closedAt
	}
	return s
}
