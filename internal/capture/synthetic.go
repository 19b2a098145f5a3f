package capture

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
)

// Synthetic generates test patterns without touching the display server.
type Synthetic struct {
	// Unsupported makes the probe fail with this reason.
	Unsupported string
	// Manual disables the frame timer; frames are produced only by Emit.
	Manual bool
	// SeesOverlay makes the probe report that the overlay is not excluded.
	SeesOverlay bool

	mu        sync.Mutex
	fail      map[string]error
	producers map[string]*syntheticProducer
	probes    atomic.Int32
	items     atomic.Int32
}

// NewSynthetic returns a synthetic backend.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		fail:      make(map[string]error),
		producers: make(map[string]*syntheticProducer),
	}
}

// FailMonitors makes CreateItem fail for the given monitor IDs.
func (s *Synthetic) FailMonitors(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.fail[id] = fmt.Errorf("synthetic failure on %s", id)
	}
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Probe() Capabilities {
	s.probes.Add(1)
	if s.Unsupported != "" {
		return Capabilities{Reason: s.Unsupported}
	}
	return Capabilities{Supported: true, CursorToggle: true, BorderToggle: true, ExcludesOverlay: !s.SeesOverlay}
}

// Probes returns how many times Probe ran.
func (s *Synthetic) Probes() int { return int(s.probes.Load()) }

// LiveItems returns the number of items not yet released.
func (s *Synthetic) LiveItems() int { return int(s.items.Load()) }

func (s *Synthetic) CreateItem(m display.Monitor) (Item, error) {
	s.mu.Lock()
	err := s.fail[m.ID]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.items.Add(1)
	return &syntheticItem{backend: s, monitor: m}, nil
}

// Emit produces one frame on the monitor's running session and reports
// whether it reached the callback.
func (s *Synthetic) Emit(monitorID string) bool {
	s.mu.Lock()
	p := s.producers[monitorID]
	s.mu.Unlock()
	if p == nil {
		return false
	}
	return p.emit()
}

type syntheticItem struct {
	backend  *Synthetic
	monitor  display.Monitor
	released bool
}

func (i *syntheticItem) Monitor() display.Monitor { return i.monitor }

func (i *syntheticItem) CreateSession(pool *FramePool, opts SessionOptions) (Producer, error) {
	p := &syntheticProducer{backend: i.backend, pool: pool, monitor: i.monitor}
	if !i.backend.Manual && opts.FPS > 0 {
		p.poll = NewPollProducer(pool, opts.FPS, func() (image.Image, error) { return p.next(), nil }, nil)
	}
	return p, nil
}

func (i *syntheticItem) Release() {
	if !i.released {
		i.released = true
		i.backend.items.Add(-1)
	}
}

type syntheticProducer struct {
	backend *Synthetic
	pool    *FramePool
	monitor display.Monitor
	poll    *PollProducer

	mu      sync.Mutex
	started bool
	frame   int
}

func (p *syntheticProducer) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("already started")
	}
	p.started = true
	p.mu.Unlock()

	p.backend.mu.Lock()
	p.backend.producers[p.monitor.ID] = p
	p.backend.mu.Unlock()

	if p.poll != nil {
		return p.poll.Start()
	}
	return nil
}

func (p *syntheticProducer) Close() error {
	p.backend.mu.Lock()
	if p.backend.producers[p.monitor.ID] == p {
		delete(p.backend.producers, p.monitor.ID)
	}
	p.backend.mu.Unlock()

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	if p.poll != nil {
		return p.poll.Close()
	}
	return nil
}

func (p *syntheticProducer) emit() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}
	return p.pool.Deliver(p.next())
}

// next draws a horizontal gradient with a bar that moves one step per frame.
func (p *syntheticProducer) next() image.Image {
	p.mu.Lock()
	n := p.frame
	p.frame++
	p.mu.Unlock()
	return TestPattern(p.monitor.Bounds.Dx(), p.monitor.Bounds.Dy(), n)
}

// TestPattern renders frame n of the synthetic source.
func TestPattern(w, h, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := 0
	if w > 0 {
		bar = (n * 8) % w
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / max(w-1, 1)), G: uint8(y * 255 / max(h-1, 1)), B: 128, A: 255}
			if x >= bar && x < bar+4 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
