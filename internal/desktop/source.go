// Package desktop captures the local display with the operating system's
// screen capture API.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kbinani/screenshot"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

// display is the slice of the screenshot package the source uses.
type display interface {
	NumActiveDisplays() int
	GetDisplayBounds(index int) image.Rectangle
	CaptureRect(bounds image.Rectangle) (*image.RGBA, error)
}

type osDisplay struct{}

func (osDisplay) NumActiveDisplays() int { return screenshot.NumActiveDisplays() }
func (osDisplay) GetDisplayBounds(index int) image.Rectangle { return screenshot.GetDisplayBounds(index) }
func (osDisplay) CaptureRect(r image.Rectangle) (*image.RGBA, error) { return screenshot.CaptureRect(r) }

// Source captures one display of the host this process runs on.
type Source struct {
	index int
	disp  display
	log   *slog.Logger
}

func NewSource(displayIndex int, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		index: displayIndex,
		disp:  osDisplay{},
		log:   log.With("source", "desktop", "display", displayIndex),
	}
}

func (s *Source) Acquire(ctx context.Context) (capture.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrAcquisitionFailed, err)
	}
	n := s.disp.NumActiveDisplays()
	if s.index < 0 || s.index >= n {
		return nil, fmt.Errorf("%w: display %d not active (%d displays)", capture.ErrAcquisitionFailed, s.index, n)
	}
	bounds := s.disp.GetDisplayBounds(s.index)
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: display %d has empty bounds", capture.ErrAcquisitionFailed, s.index)
	}

	// Probe once: macOS and Wayland refuse here when screen recording is not allowed.
	if _, err := s.disp.CaptureRect(bounds); err != nil {
		return nil, classifyCaptureError(err)
	}

	s.log.Info("desktop capture handle ready", "width", bounds.Dx(), "height", bounds.Dy())
	return &handle{index: s.index, disp: s.disp}, nil
}

func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %w", capture.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", capture.ErrAcquisitionFailed, err)
}

var errStopped = errors.New("desktop handle stopped")

type handle struct {
	index   int
	disp    display
	stopped atomic.Bool
	once    sync.Once
}

func (h *handle) Active() bool {
	return !h.stopped.Load() && h.index < h.disp.NumActiveDisplays()
}

func (h *handle) TrackState() capture.TrackState {
	if h.Active() {
		return capture.TrackLive
	}
	return capture.TrackEnded
}

func (h *handle) Screen() (int, int, error) {
	if h.stopped.Load() {
		return 0, 0, errStopped
	}
	b := h.disp.GetDisplayBounds(h.index)
	if b.Empty() {
		return 0, 0, fmt.Errorf("display %d has empty bounds", h.index)
	}
	return b.Dx(), b.Dy(), nil
}

func (h *handle) Frame(ctx context.Context) (image.Image, error) {
	if h.stopped.Load() {
		return nil, errStopped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := h.disp.CaptureRect(h.disp.GetDisplayBounds(h.index))
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", h.index, err)
	}
	return img, nil
}

func (h *handle) Stop() {
	h.once.Do(func() { h.stopped.Store(true) })
}
