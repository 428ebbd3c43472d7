package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/shehryarbajwa/invigilator/internal/clock"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeHandle struct {
	mu      sync.Mutex
	active  bool
	track   TrackState
	screenW int
	screenH int
	frames  int
	stops   int

	frameGate    chan struct{} // Frame waits on it when non-nil
	frameStarted chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{active: true, track: TrackLive, screenW: 1920, screenH: 1080}
}

func (h *fakeHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *fakeHandle) TrackState() TrackState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.track
}

func (h *fakeHandle) Screen() (int, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.screenW, h.screenH, nil
}

func (h *fakeHandle) Frame(ctx context.Context) (image.Image, error) {
	h.mu.Lock()
	if h.stops > 0 {
		panic("frame taken from a released handle")
	}
	gate, started := h.frameGate, h.frameStarted
	h.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames++
	img := image.NewRGBA(image.Rect(0, 0, h.screenW, h.screenH))
	for x := 0; x < h.screenW; x += 40 {
		img.Set(x, h.screenH/2, color.RGBA{R: 200, A: 255})
	}
	return img, nil
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.active = false
	h.track = TrackEnded
}

func (h *fakeHandle) set(active bool, track TrackState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = active
	h.track = track
}

func (h *fakeHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

type fakeSource struct {
	handle *fakeHandle
	err    error
	gate   chan struct{} // Acquire waits on it when non-nil
}

func (s *fakeSource) Acquire(ctx context.Context) (Handle, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

type fakeUploader struct {
	mu      sync.Mutex
	jobs    []UploadJob
	err     error
	gate    chan struct{}
	started chan UploadJob
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{started: make(chan UploadJob, 16)}
}

func (u *fakeUploader) Upload(ctx context.Context, job UploadJob) error {
	u.mu.Lock()
	u.jobs = append(u.jobs, job)
	gate, err := u.gate, u.err
	u.mu.Unlock()

	select {
	case u.started <- job:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.jobs)
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recorder) kinds() []Kind {
	var kinds []Kind
	for _, n := range r.all() {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

type harness struct {
	ctrl     *Controller
	clock    *clock.FakeClock
	handle   *fakeHandle
	source   *fakeSource
	uploader *fakeUploader
	notes    *recorder
}

func newHarness(mutate ...func(*Config)) *harness {
	h := &harness{
		clock:    clock.Fake(epoch),
		handle:   newFakeHandle(),
		uploader: newFakeUploader(),
		notes:    &recorder{},
	}
	h.source = &fakeSource{handle: h.handle}
	cfg := Config{
		Options: Options{
			TargetWidth: 1280,
			CourseID:    2,
			ModuleID:    41,
			QuizID:      7,
		},
		SessionID: "attempt-1",
		Source:    h.source,
		Uploader:  h.uploader,
		Notifier:  h.notes,
		Clock:     h.clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		panic(err)
	}
	h.ctrl = ctrl
	return h
}
