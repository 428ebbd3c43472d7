package capture

import (
	"context"
	"image"
	"time"
)

// State is the lifecycle stage of a capture session.
type State int

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Liveness is the monitor's reading of a handle.
type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessLive
	LivenessEnded
)

func (l Liveness) String() string {
	switch l {
	case LivenessLive:
		return "live"
	case LivenessEnded:
		return "ended"
	}
	return "unknown"
}

// TrackState is the ready state the host reports for the video track
// behind a handle.
type TrackState int

const (
	TrackUnknown TrackState = iota
	TrackLive
	TrackEnded
)

// Handle is a granted screen-sharing stream.
type Handle interface {
	// Active reports whether the overall stream is still active.
	Active() bool
	TrackState() TrackState
	// Screen returns the host display geometry in pixels.
	Screen() (width, height int, err error)
	// Frame rasterizes the current video surface.
	Frame(ctx context.Context) (image.Image, error)
	// Stop releases the underlying tracks. Calling it again is a no-op.
	Stop()
}

// Source asks the host environment for a screen-capture handle. It may
// block on user interaction.
type Source interface {
	Acquire(ctx context.Context) (Handle, error)
}

// UploadJob is one encoded frame on its way to the collector.
type UploadJob struct {
	ID         string
	CourseID   int64
	ModuleID   int64
	QuizID     int64
	CapturedAt time.Time
	Screenshot []byte // PNG
	Width      int
	Height     int
}

// Uploader submits a job to the remote collector.
type Uploader interface {
	Upload(ctx context.Context, job UploadJob) error
}

// Severity of a user-visible notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Kind names what a notification is about.
type Kind string

const (
	KindPermissionDenied  Kind = "permission_denied"
	KindAcquisitionFailed Kind = "acquisition_failed"
	KindStreamEnded       Kind = "stream_ended"
	KindUploadFailed      Kind = "upload_failed"
	KindStopped           Kind = "stopped"
)

// Notification is a message for the user-facing layer. Blocking
// notifications mean capture cannot continue without a restart.
type Notification struct {
	SessionID string    `json:"sessionId,omitempty"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Blocking  bool      `json:"blocking"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier is the notification side channel. Notify must not block for long.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Stats counts what the capture pipeline did over a session.
type Stats struct {
	Captured        int64 `json:"captured"`
	Uploaded        int64 `json:"uploaded"`
	Failed          int64 `json:"failed"`
	SkippedInFlight int64 `json:"skippedInFlight"`
	SkippedStopped  int64 `json:"skippedStopped"`
}
