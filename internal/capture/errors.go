package capture

import "errors"

var (
	// ErrPermissionDenied means the user declined the capture grant.
	ErrPermissionDenied = errors.New("screen capture permission denied")

	// ErrAcquisitionFailed means the host could not provide a handle for
	// any reason other than a denial.
	ErrAcquisitionFailed = errors.New("screen capture acquisition failed")

	// ErrStreamEndedUnexpectedly means the handle stopped being active
	// while no stop had been requested.
	ErrStreamEndedUnexpectedly = errors.New("screen capture stream ended unexpectedly")

	// ErrUploadFailed wraps transport and application-level failures of
	// a single upload.
	ErrUploadFailed = errors.New("screenshot upload failed")

	ErrAlreadyStarted = errors.New("capture session already started")
)
