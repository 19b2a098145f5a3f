package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// GrabFunc captures one frame.
type GrabFunc func() (image.Image, error)

// PollProducer calls grab at a fixed rate on its own goroutine and delivers
// the results to a pool. Failed grabs are skipped until the next tick.
type PollProducer struct {
	pool     *FramePool
	grab     GrabFunc
	interval time.Duration
	onClose  func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	skipped uint64
}

// NewPollProducer returns a producer running at fps frames per second.
// onClose, if set, runs after the goroutine has exited.
func NewPollProducer(pool *FramePool, fps int, grab GrabFunc, onClose func()) *PollProducer {
	if fps <= 0 {
		fps = 30
	}
	return &PollProducer{
		pool:     pool,
		grab:     grab,
		interval: time.Second / time.Duration(fps),
		onClose:  onClose,
	}
}

func (p *PollProducer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("producer already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *PollProducer) run(ctx context.Context) {
	defer close(p.done)
	log := logger.WithMonitor("capture", p.pool.Monitor().ID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			img, err := p.grab()
			if err != nil {
				p.mu.Lock()
				p.skipped++
				n := p.skipped
				p.mu.Unlock()
				// Log the first failure and then every 100th.
				if n%100 == 1 {
					log.Debug().Err(err).Uint64("skipped", n).Msg("Frame grab failed")
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.pool.Deliver(img)
		}
	}
}

// Close stops the goroutine and waits for it.
func (p *PollProducer) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if p.onClose != nil {
		p.onClose()
		p.onClose = nil
	}
	return nil
}
