package capture

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Options configure every session a FrameSource starts.
type Options struct {
	FPS      int
	PoolSize int
	// ExcludeOverlay is set when the overlay is on screen. Start then refuses
	// a backend whose probe did not report ExcludesOverlay.
	ExcludeOverlay bool
}

// FrameSource runs one capture session per monitor and delivers frames to a
// single callback.
type FrameSource struct {
	backend  Backend
	monitors display.Enumerator
	opts     Options

	probeOnce sync.Once
	caps      Capabilities

	mu       sync.Mutex
	dev      *gpu.Device
	sessions []*Session
	current  []display.Monitor

	cbMu sync.RWMutex
	cb   FrameCallback
}

// NewFrameSource returns an uninitialized source.
func NewFrameSource(backend Backend, monitors display.Enumerator, opts Options) *FrameSource {
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	return &FrameSource{backend: backend, monitors: monitors, opts: opts}
}

// Initialize binds the source to dev and probes the backend the first time.
func (s *FrameSource) Initialize(dev *gpu.Device) error {
	if dev == nil || !dev.IsOpen() {
		return gpu.NewError(gpu.DeviceUnavailable, "capture init", errors.New("no open device"))
	}

	s.probeOnce.Do(func() {
		caps := s.backend.Probe()
		s.mu.Lock()
		s.caps = caps
		s.mu.Unlock()
		logger.WithComponent("capture").Info().
			Str("backend", s.backend.Name()).
			Bool("supported", caps.Supported).
			Str("reason", caps.Reason).
			Bool("cursor_toggle", caps.CursorToggle).
			Bool("excludes_overlay", caps.ExcludesOverlay).
			Msg("Capture backend probed")
	})

	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
	return nil
}

// Capabilities returns the probe result. Zero before Initialize.
func (s *FrameSource) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// SetFrameCallback replaces the frame callback. nil disables delivery.
func (s *FrameSource) SetFrameCallback(cb FrameCallback) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *FrameSource) dispatch(f Frame) {
	s.cbMu.RLock()
	cb := s.cb
	s.cbMu.RUnlock()
	if cb != nil {
		cb(f)
	}
}

// Start enumerates monitors and starts a session on each. It succeeds if at
// least one session started; failures on other monitors are logged.
func (s *FrameSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.WithComponent("capture")

	if s.dev == nil {
		return gpu.NewError(gpu.DeviceUnavailable, "capture start", errors.New("not initialized"))
	}
	if !s.caps.Supported {
		return &gpu.Error{Kind: gpu.CaptureUnsupported, Op: "capture start", Reason: s.caps.Reason}
	}
	if s.opts.ExcludeOverlay && !s.caps.ExcludesOverlay {
		return &gpu.Error{Kind: gpu.CaptureUnsupported, Op: "capture start",
			Reason: fmt.Sprintf("%s backend cannot keep the overlay out of its frames", s.backend.Name())}
	}
	if len(s.sessions) > 0 {
		return nil
	}

	monitors, err := s.monitors.Monitors()
	if err != nil {
		return fmt.Errorf("failed to enumerate monitors: %w", err)
	}

	var errs []error
	for _, m := range monitors {
		sess, err := s.startSession(m)
		if err != nil {
			logger.WithMonitor("capture", m.ID).Warn().Err(err).Msg("Capture session failed to start, skipping monitor")
			errs = append(errs, fmt.Errorf("monitor %s: %w", m.ID, err))
			continue
		}
		s.sessions = append(s.sessions, sess)
	}
	s.current = monitors

	if len(s.sessions) == 0 {
		return fmt.Errorf("no capture session started: %w", errors.Join(errs...))
	}

	log.Info().
		Str("backend", s.backend.Name()).
		Int("monitors", len(monitors)).
		Int("sessions", len(s.sessions)).
		Msg("Capture started")
	return nil
}

func (s *FrameSource) startSession(m display.Monitor) (*Session, error) {
	sess := newSession(m)
	sess.setState(SessionStarting)

	fail := func(err error) (*Session, error) {
		sess.stop()
		return nil, err
	}

	item, err := s.backend.CreateItem(m)
	if err != nil {
		return fail(fmt.Errorf("create item: %w", err))
	}
	sess.item = item

	pool, err := NewFramePool(s.dev, m, s.opts.PoolSize)
	if err != nil {
		return fail(fmt.Errorf("create frame pool: %w", err))
	}
	sess.pool = pool
	pool.Subscribe(s.dispatch)

	opts := SessionOptions{
		HideCursor:     s.caps.CursorToggle,
		HideBorder:     s.caps.BorderToggle,
		FPS:            s.opts.FPS,
		ExcludeOverlay: s.opts.ExcludeOverlay,
	}
	if !opts.HideCursor {
		logger.WithMonitor("capture", m.ID).Debug().Msg("Backend cannot hide the cursor")
	}
	producer, err := item.CreateSession(pool, opts)
	if err != nil {
		return fail(fmt.Errorf("create session: %w", err))
	}
	sess.producer = producer

	if err := producer.Start(); err != nil {
		return fail(fmt.Errorf("start session: %w", err))
	}
	sess.setState(SessionRunning)

	logger.WithMonitor("capture", m.ID).Debug().
		Str("session", sess.ID.String()).
		Str("bounds", m.Bounds.String()).
		Msg("Capture session running")
	return sess, nil
}

// Stop tears down every session. When it returns no frame callback is
// running and none will fire.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *FrameSource) stopLocked() error {
	if len(s.sessions) == 0 {
		return nil
	}
	var errs []error
	for _, sess := range s.sessions {
		if err := sess.stop(); err != nil {
			logger.WithMonitor("capture", sess.Monitor.ID).Warn().Err(err).Msg("Capture session stopped with error")
			errs = append(errs, err)
		}
	}
	n := len(s.sessions)
	s.sessions = nil

	logger.WithComponent("capture").Info().Int("sessions", n).Msg("Capture stopped")
	return errors.Join(errs...)
}

// Restart stops every session, re-enumerates monitors and starts again.
func (s *FrameSource) Restart() error {
	s.mu.Lock()
	stopErr := s.stopLocked()
	s.mu.Unlock()
	if stopErr != nil {
		logger.WithComponent("capture").Warn().Err(stopErr).Msg("Errors while stopping for restart")
	}
	return s.Start()
}

// Running reports whether any session is active.
func (s *FrameSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) > 0
}

// Monitors returns the monitors found by the last Start.
func (s *FrameSource) Monitors() []display.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.current)
}

// Sessions returns a snapshot of the active sessions.
func (s *FrameSource) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info())
	}
	return out
}
