// Package portal captures monitors through xdg-desktop-portal ScreenCast and
// PipeWire, for Wayland sessions where the X server cannot be read.
package portal

import (
	"fmt"
	"image"
	"os/exec"
	"sync"

	"github.com/bryanchriswhite/ClarityLayer/internal/capture"
	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Backend implements capture.Backend. One portal session covers every
// monitor; it is opened by the first CreateItem and closed when the last item
// is released.
type Backend struct {
	tokenDir string

	mu          sync.Mutex
	cursorModes uint32
	portal      *Portal
	streams     []Stream
	refs        int
}

// New returns a portal backend that keeps its restore token in tokenDir.
func New(tokenDir string) *Backend {
	return &Backend{tokenDir: tokenDir}
}

func (b *Backend) Name() string { return "portal" }

func (b *Backend) Probe() capture.Capabilities {
	if _, err := exec.LookPath("gst-launch-1.0"); err != nil {
		return capture.Capabilities{Reason: "gst-launch-1.0 not found in PATH"}
	}

	p, err := NewPortal(b.tokenDir)
	if err != nil {
		return capture.Capabilities{Reason: err.Error()}
	}
	defer p.conn.Close()

	if !p.Available() {
		return capture.Capabilities{Reason: "xdg-desktop-portal is not running"}
	}
	modes, err := p.CursorModes()
	if err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("ScreenCast interface not available")
		return capture.Capabilities{Reason: "portal has no ScreenCast interface"}
	}

	b.mu.Lock()
	b.cursorModes = modes
	b.mu.Unlock()

	return capture.Capabilities{
		Supported:    true,
		CursorToggle: modes&CursorModeHidden != 0,
		// Streams are whole outputs; the overlay is always in them.
		ExcludesOverlay: false,
	}
}

func (b *Backend) CreateItem(m display.Monitor) (capture.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.portal == nil {
		if err := b.openLocked(); err != nil {
			return nil, err
		}
	}

	s, ok := matchStream(b.streams, m)
	if !ok {
		b.releaseLocked()
		return nil, fmt.Errorf("no portal stream for monitor %s", m.ID)
	}
	b.refs++
	return &item{backend: b, monitor: m, stream: s}, nil
}

func (b *Backend) openLocked() error {
	p, err := NewPortal(b.tokenDir)
	if err != nil {
		return err
	}
	cursor := uint32(CursorModeEmbedded)
	if b.cursorModes&CursorModeHidden != 0 {
		cursor = CursorModeHidden
	}
	streams, err := p.StartScreenCast(cursor)
	if err != nil {
		p.Close()
		return err
	}
	b.portal = p
	b.streams = streams
	return nil
}

func (b *Backend) releaseLocked() {
	if b.refs > 0 || b.portal == nil {
		return
	}
	b.portal.Close()
	b.portal = nil
	b.streams = nil
}

// matchStream pairs a monitor with the stream at its origin, falling back to
// the only stream of the same size.
func matchStream(streams []Stream, m display.Monitor) (Stream, bool) {
	for _, s := range streams {
		if s.HasPosition && s.Position == m.Bounds.Min {
			return s, true
		}
	}
	var found []Stream
	for _, s := range streams {
		if s.Size == m.Bounds.Size() {
			found = append(found, s)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	if len(streams) == 1 && !streams[0].HasPosition {
		return streams[0], true
	}
	return Stream{}, false
}

type item struct {
	backend  *Backend
	monitor  display.Monitor
	stream   Stream
	released bool
}

func (i *item) Monitor() display.Monitor { return i.monitor }

func (i *item) CreateSession(pool *capture.FramePool, opts capture.SessionOptions) (capture.Producer, error) {
	size := i.monitor.Bounds.Size()
	return &producer{
		pipeline: NewPipeline(i.stream.NodeID, size.X, size.Y, func(img *image.RGBA) {
			pool.Deliver(img)
		}),
	}, nil
}

func (i *item) Release() {
	b := i.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if i.released {
		return
	}
	i.released = true
	b.refs--
	b.releaseLocked()
}

type producer struct {
	pipeline *Pipeline
}

func (p *producer) Start() error { return p.pipeline.Start() }
func (p *producer) Close() error { return p.pipeline.Stop() }
