package desktop

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

type fakeDisplay struct {
	mu       sync.Mutex
	bounds   []image.Rectangle
	err      error
	captures int
}

func (d *fakeDisplay) NumActiveDisplays() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bounds)
}

func (d *fakeDisplay) GetDisplayBounds(i int) image.Rectangle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.bounds) {
		return image.Rectangle{}
	}
	return d.bounds[i]
}

func (d *fakeDisplay) CaptureRect(r image.Rectangle) (*image.RGBA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures++
	if d.err != nil {
		return nil, d.err
	}
	return image.NewRGBA(r), nil
}

func newTestSource(index int, d *fakeDisplay) *Source {
	s := NewSource(index, nil)
	s.disp = d
	return s
}

func TestAcquireCapturesDisplay(t *testing.T) {
	d := &fakeDisplay{bounds: []image.Rectangle{image.Rect(0, 0, 2560, 1440)}}
	h, err := newTestSource(0, d).Acquire(context.Background())
	require.NoError(t, err)

	assert.True(t, h.Active())
	assert.Equal(t, capture.TrackLive, h.TrackState())

	w, hgt, err := h.Screen()
	require.NoError(t, err)
	assert.Equal(t, 2560, w)
	assert.Equal(t, 1440, hgt)

	img, err := h.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2560, img.Bounds().Dx())
	assert.Equal(t, 2, d.captures)
}

func TestAcquireMissingDisplay(t *testing.T) {
	d := &fakeDisplay{bounds: []image.Rectangle{image.Rect(0, 0, 800, 600)}}
	_, err := newTestSource(2, d).Acquire(context.Background())
	assert.ErrorIs(t, err, capture.ErrAcquisitionFailed)
}

func TestAcquireClassifiesProbeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", errors.New("CGDisplayCreateImage: screen recording permission not granted"), capture.ErrPermissionDenied},
		{"portal denied", errors.New("xdg portal request denied by user"), capture.ErrPermissionDenied},
		{"other", errors.New("XGetImage failed"), capture.ErrAcquisitionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDisplay{bounds: []image.Rectangle{image.Rect(0, 0, 800, 600)}, err: tt.err}
			_, err := newTestSource(0, d).Acquire(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHandleEndsWhenDisplayDisappears(t *testing.T) {
	d := &fakeDisplay{bounds: []image.Rectangle{image.Rect(0, 0, 800, 600), image.Rect(800, 0, 1600, 600)}}
	h, err := newTestSource(1, d).Acquire(context.Background())
	require.NoError(t, err)

	d.mu.Lock()
	d.bounds = d.bounds[:1]
	d.mu.Unlock()

	assert.False(t, h.Active())
	assert.Equal(t, capture.TrackEnded, h.TrackState())
}

func TestHandleStop(t *testing.T) {
	d := &fakeDisplay{bounds: []image.Rectangle{image.Rect(0, 0, 800, 600)}}
	h, err := newTestSource(0, d).Acquire(context.Background())
	require.NoError(t, err)

	h.Stop()
	h.Stop()
	assert.False(t, h.Active())
	_, err = h.Frame(context.Background())
	assert.ErrorIs(t, err, errStopped)
	_, _, err = h.Screen()
	assert.ErrorIs(t, err, errStopped)
}
