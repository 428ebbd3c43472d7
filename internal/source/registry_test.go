package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

type stubSource struct {
	closed   int
	ensured  int
	closeErr error
}

func (s *stubSource) Acquire(ctx context.Context) (capture.Handle, error) {
	return nil, capture.ErrAcquisitionFailed
}

func (s *stubSource) Close() error {
	s.closed++
	return s.closeErr
}

func (s *stubSource) EnsureImage(ctx context.Context) error {
	s.ensured++
	return nil
}

type bareSource struct{}

func (bareSource) Acquire(ctx context.Context) (capture.Handle, error) { return nil, nil }

func TestRouteFallsBackToDefault(t *testing.T) {
	r := NewRegistry(KindChrome)
	r.Register(KindChrome, &stubSource{})
	r.Register(KindDesktop, bareSource{})

	assert.Equal(t, KindDesktop, r.Route("desktop"))
	assert.Equal(t, KindChrome, r.Route("chrome"))
	assert.Equal(t, KindChrome, r.Route("webcam"))
	assert.Equal(t, KindChrome, r.Route(""))
}

func TestGet(t *testing.T) {
	r := NewRegistry(KindChrome)
	chrome := &stubSource{}
	r.Register(KindChrome, chrome)

	src, err := r.Get(KindChrome)
	require.NoError(t, err)
	assert.Same(t, chrome, src)

	_, err = r.Get(KindDesktop)
	assert.Error(t, err)
}

func TestKindsSorted(t *testing.T) {
	r := NewRegistry(KindChrome)
	r.Register(KindDesktop, bareSource{})
	r.Register(KindChrome, &stubSource{})
	assert.Equal(t, []Kind{KindChrome, KindDesktop}, r.Kinds())
}

func TestEnsureImagesAndClose(t *testing.T) {
	r := NewRegistry(KindChrome)
	chrome := &stubSource{closeErr: errors.New("docker gone")}
	r.Register(KindChrome, chrome)
	r.Register(KindDesktop, bareSource{})

	require.NoError(t, r.EnsureImages(context.Background()))
	assert.Equal(t, 1, chrome.ensured)

	assert.EqualError(t, r.Close(), "docker gone")
	assert.Equal(t, 1, chrome.closed)
}
