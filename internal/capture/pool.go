package capture

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// DefaultPoolSize is the number of frame buffers per session.
const DefaultPoolSize = 2

// ErrPoolClosed is returned by Deliver after Close.
var ErrPoolClosed = errors.New("frame pool closed")

type poolBuffer struct {
	tex  *gpu.Texture
	refs int
}

// FramePool owns the textures frames are delivered in and the handler they
// are delivered to. A buffer is referenced for exactly as long as the
// handler runs.
type FramePool struct {
	dev     *gpu.Device
	monitor display.Monitor

	// handlerMu is held shared while a handler runs, so Revoke waits for any
	// in-flight callback.
	handlerMu sync.RWMutex
	handler   FrameCallback

	mu      sync.Mutex
	buffers []*poolBuffer
	closed  bool

	seq       atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewFramePool allocates size buffers matching the monitor size.
func NewFramePool(dev *gpu.Device, m display.Monitor, size int) (*FramePool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &FramePool{dev: dev, monitor: m}
	for i := 0; i < size; i++ {
		tex, err := dev.NewTexture(m.Bounds.Dx(), m.Bounds.Dy(), "capture "+m.ID)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.buffers = append(p.buffers, &poolBuffer{tex: tex})
	}
	return p, nil
}

// Subscribe installs the handler frames are delivered to.
func (p *FramePool) Subscribe(h FrameCallback) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

// Revoke removes the handler. When it returns no handler call is running
// and none will start.
func (p *FramePool) Revoke() {
	p.handlerMu.Lock()
	p.handler = nil
	p.handlerMu.Unlock()
}

// Monitor returns the monitor this pool was sized for.
func (p *FramePool) Monitor() display.Monitor { return p.monitor }

// Deliver uploads img into a free buffer and runs the handler on it. It
// reports false when the frame was dropped: no handler, no free buffer, or a
// failed upload. Dropped frames are not retried.
func (p *FramePool) Deliver(img image.Image) bool {
	p.handlerMu.RLock()
	defer p.handlerMu.RUnlock()

	h := p.handler
	if h == nil {
		p.dropped.Add(1)
		return false
	}

	buf, err := p.acquire()
	if err != nil {
		p.dropped.Add(1)
		return false
	}
	defer p.release(buf)

	if err := p.dev.Upload(buf.tex, img); err != nil {
		logger.WithMonitor("capture", p.monitor.ID).Debug().Err(err).Msg("Frame upload failed, skipping")
		p.dropped.Add(1)
		return false
	}

	h(Frame{
		Monitor:   p.monitor,
		Seq:       p.seq.Add(1),
		Timestamp: time.Now(),
		Texture:   buf.tex,
	})
	p.delivered.Add(1)
	return true
}

func (p *FramePool) acquire() (*poolBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	for _, b := range p.buffers {
		if b.refs != 0 {
			continue
		}
		// Buffers from a previous device generation are replaced in place.
		if p.dev.Stale(b.tex) {
			tex, err := p.dev.NewTexture(p.monitor.Bounds.Dx(), p.monitor.Bounds.Dy(), "capture "+p.monitor.ID)
			if err != nil {
				return nil, err
			}
			b.tex.Release()
			b.tex = tex
		}
		b.refs++
		return b, nil
	}
	return nil, errors.New("no free frame buffer")
}

func (p *FramePool) release(b *poolBuffer) {
	p.mu.Lock()
	b.refs--
	p.mu.Unlock()
}

// Close releases every buffer. Call after Revoke and after the producer is
// closed.
func (p *FramePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, b := range p.buffers {
		b.tex.Release()
	}
	p.buffers = nil
}

// Stats returns delivered and dropped frame counts.
func (p *FramePool) Stats() (delivered, dropped uint64) {
	return p.delivered.Load(), p.dropped.Load()
}
