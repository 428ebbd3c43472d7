package collector

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is the metadata of one received screenshot.
type Record struct {
	ID         int64     `json:"id"`
	CourseID   int64     `json:"courseId"`
	ModuleID   int64     `json:"moduleId"`
	QuizID     int64     `json:"quizId"`
	Path       string    `json:"path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	SizeBytes  int       `json:"sizeBytes"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Repository persists screenshot metadata.
type Repository interface {
	// Insert stores rec and sets its ID.
	Insert(ctx context.Context, rec *Record) error
	// ListByQuiz returns the quiz's records, oldest first.
	ListByQuiz(ctx context.Context, quizID int64) ([]Record, error)
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	nextID  int64
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryRepository) ListByQuiz(ctx context.Context, quizID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if r.QuizID == quizID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
