package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/invigilator/internal/clock"
)

// capturedSession is all the capture pipeline sees of a session. It can
// read state and borrow the handle but cannot change either.
type capturedSession interface {
	capturing() bool
	// withHandle runs fn while the session is Active and not stopped,
	// keeping the handle from being released until fn returns. It reports
	// whether fn ran.
	withHandle(fn func(Handle)) bool
}

var errNotCapturing = errors.New("session not capturing")

type storedFrame struct {
	png []byte
	at  time.Time
}

type pipeline struct {
	session  capturedSession
	uploader Uploader
	opts     Options
	clock    clock.Clock
	notify   func(Notification)
	log      *slog.Logger

	inFlight atomic.Bool
	last     atomic.Pointer[storedFrame]

	captured        atomic.Int64
	uploaded        atomic.Int64
	failed          atomic.Int64
	skippedInFlight atomic.Int64
	skippedStopped  atomic.Int64
}

func newPipeline(s capturedSession, u Uploader, opts Options, clk clock.Clock, notify func(Notification), log *slog.Logger) *pipeline {
	return &pipeline{
		session:  s,
		uploader: u,
		opts:     opts,
		clock:    clk,
		notify:   notify,
		log:      log,
	}
}

// tick runs once per capture interval. It never waits for the upload it
// dispatches.
func (p *pipeline) tick(ctx context.Context) {
	if !p.session.capturing() {
		p.skippedStopped.Add(1)
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skippedInFlight.Add(1)
		p.log.Debug("upload still in flight, skipping capture")
		return
	}

	job, err := p.capture(ctx)
	if err != nil {
		p.inFlight.Store(false)
		if errors.Is(err, errNotCapturing) {
			p.skippedStopped.Add(1)
			return
		}
		p.log.Warn("frame capture failed", "error", err)
		return
	}
	p.captured.Add(1)
	p.dispatch(ctx, job)
}

func (p *pipeline) capture(ctx context.Context) (UploadJob, error) {
	frameCtx, cancel := context.WithTimeout(ctx, p.opts.CaptureInterval)
	defer cancel()

	var (
		img    image.Image
		sw, sh int
		err    error
	)
	ran := p.session.withHandle(func(h Handle) {
		sw, sh, err = h.Screen()
		if err != nil {
			return
		}
		img, err = h.Frame(frameCtx)
	})
	if !ran {
		return UploadJob{}, errNotCapturing
	}
	if err != nil {
		return UploadJob{}, err
	}
	capturedAt := p.clock.Now()

	// Display geometry can change between ticks.
	height, err := TargetHeight(p.opts.TargetWidth, sw, sh)
	if err != nil {
		return UploadJob{}, err
	}
	payload, err := encodeFrame(img, p.opts.TargetWidth, height)
	if err != nil {
		return UploadJob{}, fmt.Errorf("frame %dx%d: %w", p.opts.TargetWidth, height, err)
	}

	return UploadJob{
		ID:         uuid.NewString(),
		CourseID:   p.opts.CourseID,
		ModuleID:   p.opts.ModuleID,
		QuizID:     p.opts.QuizID,
		CapturedAt: capturedAt,
		Screenshot: payload,
		Width:      p.opts.TargetWidth,
		Height:     height,
	}, nil
}

// dispatch must be called with inFlight already set; the upload
// goroutine clears it when the collector answers or gives up.
func (p *pipeline) dispatch(ctx context.Context, job UploadJob) {
	go func() {
		defer p.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				p.log.Error("panic during upload", "job", job.ID, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		// A frame captured before the session stopped is still delivered.
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.UploadTimeout)
		defer cancel()

		if err := p.uploader.Upload(uploadCtx, job); err != nil {
			p.failed.Add(1)
			p.log.Warn("screenshot upload failed", "job", job.ID, "error", err)
			if !p.session.capturing() {
				return
			}
			p.notify(Notification{
				Kind:     KindUploadFailed,
				Severity: SeverityWarning,
				Message:  "A screenshot could not be delivered; capture continues.",
			})
			return
		}
		p.uploaded.Add(1)
		p.last.Store(&storedFrame{png: job.Screenshot, at: job.CapturedAt})
		p.log.Debug("screenshot uploaded", "job", job.ID, "bytes", len(job.Screenshot))
	}()
}

func (p *pipeline) stats() Stats {
	return Stats{
		Captured:        p.captured.Load(),
		Uploaded:        p.uploaded.Load(),
		Failed:          p.failed.Load(),
		SkippedInFlight: p.skippedInFlight.Load(),
		SkippedStopped:  p.skippedStopped.Load(),
	}
}

func (p *pipeline) lastFrame() ([]byte, time.Time, bool) {
	f := p.last.Load()
	if f == nil {
		return nil, time.Time{}, false
	}
	return f.png, f.at, true
}

func (p *pipeline) busy() bool { return p.inFlight.Load() }
