package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/invigilator/internal/capture"
)

// containers is what a handle needs from the pool.
type containers interface {
	Running(ctx context.Context, containerID string) (bool, error)
	Stop(ctx context.Context, containerID string) error
}

// Source hands out capture handles backed by a fresh headless Chrome
// container per session. Headless Chrome never prompts, so Acquire only
// fails for infrastructure reasons.
type Source struct {
	pool     *Pool
	startURL string
	http     *http.Client
	log      *slog.Logger
}

func NewSource(pool *Pool, startURL string, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		pool:     pool,
		startURL: startURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log.With("source", "chrome"),
	}
}

func (s *Source) Acquire(ctx context.Context) (capture.Handle, error) {
	id := uuid.NewString()
	instance, err := s.pool.Launch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrAcquisitionFailed, err)
	}

	h, err := openHandle(ctx, s.http, s.pool, instance, s.startURL)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if stopErr := s.pool.Stop(stopCtx, instance.ContainerID); stopErr != nil {
			s.log.Warn("failed to stop container after attach error", "container", instance.ContainerID, "error", stopErr)
		}
		return nil, fmt.Errorf("%w: %w", capture.ErrAcquisitionFailed, err)
	}
	h.log = s.log.With("container", shortID(instance.ContainerID))
	h.log.Info("chrome capture handle ready")
	return h, nil
}

// EnsureImage makes sure the Chrome image is present before the first
// session needs it.
func (s *Source) EnsureImage(ctx context.Context) error {
	return s.pool.EnsureImage(ctx)
}

func (s *Source) Close() error {
	return s.pool.Close()
}

func openHandle(ctx context.Context, hc *http.Client, runtime containers, instance *Instance, startURL string) (*handle, error) {
	page, err := pageTarget(ctx, hc, instance.DevToolsURL())
	if err != nil {
		return nil, err
	}
	conn, err := dialCDP(ctx, page.WebSocketDebuggerURL)
	if err != nil {
		return nil, err
	}
	if startURL != "" {
		if err := conn.call(ctx, "Page.navigate", map[string]string{"url": startURL}, nil); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &handle{
		conn:         conn,
		runtime:      runtime,
		containerID:  instance.ContainerID,
		log:          slog.Default(),
		inspectEvery: inspectInterval,
		running:      true,
	}, nil
}

const (
	// inspectInterval spaces Docker inspect calls; liveness ticks in
	// between reuse the last answer.
	inspectInterval = 5 * time.Second
	inspectTimeout  = 2 * time.Second
)

type handle struct {
	conn        *cdpConn
	runtime     containers
	containerID string
	log         *slog.Logger

	mu           sync.Mutex
	inspectEvery time.Duration
	inspectedAt  time.Time
	running      bool // last known container state
	unknown      bool // last inspect failed
	stopped      bool

	stopOnce sync.Once
}

// Active reports the container state. When the daemon cannot be asked,
// the last known state is kept and TrackState reports unknown.
func (h *handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if !h.inspectedAt.IsZero() && time.Since(h.inspectedAt) < h.inspectEvery {
		return h.running
	}

	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()
	running, err := h.runtime.Running(ctx, h.containerID)
	h.inspectedAt = time.Now()
	if err != nil {
		if !h.unknown {
			h.log.Warn("container state unknown", "error", err)
		}
		h.unknown = true
		return h.running
	}
	h.running = running
	h.unknown = false
	return running
}

func (h *handle) TrackState() capture.TrackState {
	h.mu.Lock()
	unknown := h.unknown && !h.stopped
	h.mu.Unlock()
	if unknown {
		return capture.TrackUnknown
	}
	if h.conn.alive() {
		return capture.TrackLive
	}
	return capture.TrackEnded
}

func (h *handle) Screen() (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out struct {
		Result struct {
			Value []int `json:"value"`
		} `json:"result"`
	}
	err := h.conn.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "[screen.width, screen.height]",
		"returnByValue": true,
	}, &out)
	if err != nil {
		return 0, 0, err
	}
	if len(out.Result.Value) != 2 {
		return 0, 0, fmt.Errorf("unexpected screen geometry %v", out.Result.Value)
	}
	return out.Result.Value[0], out.Result.Value[1], nil
}

func (h *handle) Frame(ctx context.Context) (image.Image, error) {
	var out struct {
		Data string `json:"data"`
	}
	if err := h.conn.call(ctx, "Page.captureScreenshot", map[string]string{"format": "png"}, &out); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot png: %w", err)
	}
	return img, nil
}

func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		h.conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.runtime.Stop(ctx, h.containerID); err != nil {
			h.log.Warn("failed to stop chrome container", "error", err)
			return
		}
		h.log.Info("chrome container stopped")
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
