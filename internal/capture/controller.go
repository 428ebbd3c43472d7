package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shehryarbajwa/invigilator/internal/clock"
)

const (
	DefaultCaptureInterval  = 30 * time.Second
	DefaultLivenessInterval = time.Second
	DefaultUploadTimeout    = 20 * time.Second
)

var validate = validator.New()

// Options are the per-session settings.
type Options struct {
	CaptureInterval  time.Duration `validate:"gte=0"`
	LivenessInterval time.Duration `validate:"gte=0"`
	UploadTimeout    time.Duration `validate:"gte=0"`
	TargetWidth      int           `validate:"required,gt=0"`
	CourseID         int64         `validate:"required,gt=0"`
	ModuleID         int64         `validate:"required,gt=0"`
	QuizID           int64         `validate:"required,gt=0"`
}

func (o *Options) applyDefaults() {
	if o.CaptureInterval == 0 {
		o.CaptureInterval = DefaultCaptureInterval
	}
	if o.LivenessInterval == 0 {
		o.LivenessInterval = DefaultLivenessInterval
	}
	if o.UploadTimeout == 0 {
		o.UploadTimeout = DefaultUploadTimeout
	}
}

// Config wires a Controller to its collaborators. Notifier, Clock and
// Logger are optional.
type Config struct {
	Options

	SessionID string
	Source    Source
	Uploader  Uploader
	Notifier  Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Controller runs one capture session: permission, liveness ticks,
// capture ticks and the shutdown that ends them. A Controller is used
// once; start a new one for a new session.
type Controller struct {
	id       string
	opts     Options
	src      Source
	notifier Notifier
	clock    clock.Clock
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     State
	handle    Handle
	stopFlag  bool
	tickers   []*clock.Ticker
	quit      chan struct{}
	done      chan struct{}
	err       error
	startedAt time.Time
	closedAt  time.Time

	// handleMu is held for reading while the handle is queried and for
	// writing while it is released. Queries do not hold mu.
	handleMu sync.RWMutex

	monitor  *livenessMonitor
	pipeline *pipeline
}

// NewController validates cfg and returns an Idle controller.
func NewController(cfg Config) (*Controller, error) {
	cfg.Options.applyDefaults()
	if err := validate.Struct(cfg.Options); err != nil {
		return nil, fmt.Errorf("invalid capture options: %w", err)
	}
	if cfg.Source == nil {
		return nil, errors.New("capture source is required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(Notification) {})
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:       cfg.SessionID,
		opts:     cfg.Options,
		src:      cfg.Source,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("session", cfg.SessionID, "quiz", cfg.QuizID),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.monitor = &livenessMonitor{session: c, log: c.log}
	c.pipeline = newPipeline(c, cfg.Uploader, c.opts, c.clock, c.emit, c.log)
	return c, nil
}

// ID returns the session id the controller was configured with.
func (c *Controller) ID() string { return c.id }

// Options returns the effective options, defaults applied.
func (c *Controller) Options() Options { return c.opts }

// Start moves Idle → AwaitingPermission and blocks on the source until it
// grants or refuses a handle. On success the session is Active and both
// tickers run. On refusal the session is Closed, a blocking notification
// has been emitted and the error is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateAwaitingPermission
	c.startedAt = c.clock.Now()
	c.mu.Unlock()

	c.log.Info("awaiting screen capture permission")

	acquireCtx, cancel := context.WithCancel(ctx)
	stopWatch := context.AfterFunc(c.ctx, cancel)
	h, err := acquire(acquireCtx, c.src)
	stopWatch()
	cancel()

	c.mu.Lock()
	if c.state != StateAwaitingPermission || c.ctx.Err() != nil {
		// Closed while the host was still asking.
		if c.state == StateAwaitingPermission {
			c.stopFlag = true
			c.closeLocked(nil)
		}
		c.mu.Unlock()
		if h != nil {
			h.Stop()
		}
		return c.Err()
	}
	if err != nil {
		c.closeLocked(err)
		c.mu.Unlock()
		c.cancel()
		c.log.Warn("screen capture not granted", "error", err)
		c.emit(acquireFailureNotification(err))
		return err
	}
	if c.stopFlag {
		c.closeLocked(nil)
		c.mu.Unlock()
		c.cancel()
		h.Stop()
		c.log.Info("stop requested before permission was granted")
		return nil
	}

	c.handle = h
	c.state = StateActive
	live := c.clock.NewTicker(c.opts.LivenessInterval)
	capt := c.clock.NewTicker(c.opts.CaptureInterval)
	c.tickers = []*clock.Ticker{live, capt}
	quit := c.quit
	c.mu.Unlock()

	go c.loop("liveness", live.C, quit, c.monitor.tick)
	go c.loop("capture", capt.C, quit, func() { c.pipeline.tick(c.ctx) })

	c.log.Info("screen capture active",
		"capture_interval", c.opts.CaptureInterval,
		"liveness_interval", c.opts.LivenessInterval,
		"target_width", c.opts.TargetWidth)
	return nil
}

// Stop raises the stop flag. The liveness monitor closes the session on
// its next tick; no capture tick uploads once the flag is set.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.closeLocked(nil)
		c.mu.Unlock()
		c.cancel()
		return
	}
	c.stopFlag = true
	c.mu.Unlock()
}

// Close terminates the session immediately as an explicit stop. It is
// safe to call any number of times.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopFlag = true
	c.mu.Unlock()
	c.terminate(nil)
}

// State returns the current lifecycle stage.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the session reaches Closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns why the session closed: nil for an explicit stop, otherwise
// ErrPermissionDenied, ErrAcquisitionFailed or ErrStreamEndedUnexpectedly.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Snapshot is a point-in-time view of a controller.
type Snapshot struct {
	State         State
	StopRequested bool
	Err           error
	StartedAt     time.Time
	ClosedAt      time.Time
	Stats         Stats
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	s := Snapshot{
		State:         c.state,
		StopRequested: c.stopFlag,
		Err:           c.err,
		StartedAt:     c.startedAt,
		ClosedAt:      c.closedAt,
	}
	c.mu.RUnlock()
	s.Stats = c.pipeline.stats()
	return s
}

// LastFrame returns the most recently uploaded PNG, if any.
func (c *Controller) LastFrame() ([]byte, time.Time, bool) {
	return c.pipeline.lastFrame()
}

// terminate is the single path out of a running session. It stops both
// tickers before releasing the handle, and is idempotent.
func (c *Controller) terminate(reason error) {
	// Unblocks a frame capture or acquisition still holding the host.
	c.cancel()

	c.mu.Lock()
	switch c.state {
	case StateTerminating, StateClosed:
		c.mu.Unlock()
		return
	case StateIdle, StateAwaitingPermission:
		c.stopFlag = true
		c.closeLocked(reason)
		c.mu.Unlock()
		return
	}

	c.state = StateTerminating
	for _, t := range c.tickers {
		t.Stop()
	}
	c.tickers = nil
	close(c.quit)
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h != nil {
		c.handleMu.Lock()
		h.Stop()
		c.handleMu.Unlock()
	}

	c.mu.Lock()
	c.closeLocked(reason)
	c.mu.Unlock()

	if reason != nil {
		c.log.Warn("screen capture terminated", "error", reason)
		c.emit(Notification{
			Kind:     KindStreamEnded,
			Severity: SeverityError,
			Blocking: true,
			Message:  "Screen sharing stopped unexpectedly. Restart the session and share your entire screen to continue.",
		})
		return
	}
	c.log.Info("screen capture stopped")
	c.emit(Notification{
		Kind:     KindStopped,
		Severity: SeverityInfo,
		Message:  "Screen capture stopped.",
	})
}

// closeLocked must be called with c.mu held.
func (c *Controller) closeLocked(reason error) {
	c.state = StateClosed
	c.err = reason
	c.closedAt = c.clock.Now()
	close(c.done)
}

func (c *Controller) loop(name string, ticks <-chan time.Time, quit <-chan struct{}, tick func()) {
	for {
		select {
		case <-quit:
			return
		case <-ticks:
			c.runTick(name, tick)
		}
	}
}

func (c *Controller) runTick(name string, tick func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in tick", "tick", name, "panic", r)
		}
	}()
	tick()
}

// emit stamps n and hands it to the notifier. A misbehaving notifier
// never takes the session down with it.
func (c *Controller) emit(n Notification) {
	n.SessionID = c.id
	n.At = c.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in notifier", "panic", r)
		}
	}()
	c.notifier.Notify(n)
}

func acquireFailureNotification(err error) Notification {
	if errors.Is(err, ErrPermissionDenied) {
		return Notification{
			Kind:     KindPermissionDenied,
			Severity: SeverityError,
			Blocking: true,
			Message:  "Screen sharing permission was denied. Allow sharing your entire screen and restart the session to continue.",
		}
	}
	return Notification{
		Kind:     KindAcquisitionFailed,
		Severity: SeverityError,
		Blocking: true,
		Message:  "Screen sharing could not be started on this device. Restart the session to try again.",
	}
}

// view methods used by the monitor and the pipeline.

func (c *Controller) observe() (active, stopRequested bool, liveness Liveness) {
	h, stopRequested, ok := c.borrow()
	if !ok {
		return false, stopRequested, LivenessUnknown
	}
	defer c.handleMu.RUnlock()
	if stopRequested {
		return true, true, LivenessUnknown
	}
	return true, false, classify(h)
}

// borrow returns the handle of an Active session with handleMu read-locked,
// so the handle cannot be released until the caller unlocks it. Stop and
// Close stay free to change state in the meantime.
func (c *Controller) borrow() (h Handle, stopRequested, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateActive {
		return nil, c.stopFlag, false
	}
	c.handleMu.RLock()
	return c.handle, c.stopFlag, true
}

func (c *Controller) capturing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateActive && !c.stopFlag
}

func (c *Controller) withHandle(fn func(Handle)) bool {
	h, stopRequested, ok := c.borrow()
	if !ok {
		return false
	}
	defer c.handleMu.RUnlock()
	if stopRequested || h == nil {
		return false
	}
	fn(h)
	return true
}
