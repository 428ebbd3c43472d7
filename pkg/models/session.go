package models

import "time"

// SessionState mirrors the capture lifecycle stages
type SessionState string

const (
	StateIdle               SessionState = "idle"
	StateAwaitingPermission SessionState = "awaiting_permission"
	StateActive             SessionState = "active"
	StateTerminating        SessionState = "terminating"
	StateClosed             SessionState = "closed"
)

// CaptureStats counts a session's capture ticks and uploads
type CaptureStats struct {
	Captured        int64 `json:"captured"`
	Uploaded        int64 `json:"uploaded"`
	Failed          int64 `json:"failed"`
	SkippedInFlight int64 `json:"skippedInFlight"`
	SkippedStopped  int64 `json:"skippedStopped"`
}

// Session represents one proctored quiz attempt being captured
type Session struct {
	ID                     string       `json:"id"`
	CourseID               int64        `json:"courseId"`
	ModuleID               int64        `json:"moduleId"`
	QuizID                 int64        `json:"quizId"`
	Source                 string       `json:"source"`
	State                  SessionState `json:"state"`
	StopRequested          bool         `json:"stopRequested"`
	Error                  string       `json:"error,omitempty"`
	TargetWidth            int          `json:"targetWidth"`
	CaptureIntervalSeconds int          `json:"captureIntervalSeconds"`
	CreatedAt              time.Time    `json:"createdAt"`
	ExpiresAt              time.Time    `json:"expiresAt"`
	ClosedAt               *time.Time   `json:"closedAt,omitempty"`
	Timeout                int          `json:"timeout"`
	Stats                  CaptureStats `json:"stats"`
}

// CreateSessionRequest is the payload for starting capture for an attempt
type CreateSessionRequest struct {
	CourseID               int64  `json:"courseId" validate:"required,gt=0"`
	ModuleID               int64  `json:"moduleId" validate:"required,gt=0"`
	QuizID                 int64  `json:"quizId" validate:"required,gt=0"`
	Source                 string `json:"source,omitempty"`
	TargetWidth            int    `json:"targetWidth,omitempty" validate:"omitempty,gt=0,lte=7680"`
	CaptureIntervalSeconds int    `json:"captureIntervalSeconds,omitempty" validate:"omitempty,gte=1,lte=3600"`
	LivenessIntervalMillis int    `json:"livenessIntervalMs,omitempty" validate:"omitempty,gte=100,lte=60000"`
	Timeout                int    `json:"timeout,omitempty" validate:"omitempty,gte=60,lte=21600"`
}
