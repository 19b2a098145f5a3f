package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	xdraw "golang.org/x/image/draw"
)

// MJPEGOutput streams presented frames as Motion JPEG over HTTP. Frames are
// scaled to the configured size, stamped with the HUD and rate limited to the
// configured FPS. Nothing is encoded while no client is connected.
//
// Present only copies the frame; scaling and encoding run on the output's
// own goroutine, which always takes the newest copy.
type MJPEGOutput struct {
	config  Config
	hud     HUD
	running bool
	mu      sync.RWMutex

	// Frame copies handed from Present to the encoder.
	queueMu    sync.Mutex
	queued     *image.RGBA
	spare      *image.RGBA
	lastQueued time.Time
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}

	statusMu sync.RWMutex
	status   func() []string

	// Latest encoded frame, sent to clients as they connect
	frameMu     sync.RWMutex
	currentJPEG []byte
	lastUpdate  time.Time
	scaled      *image.RGBA

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	skipped    uint64
	startTime  time.Time
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.FPS <= 0 {
		config.FPS = 10
	}
	return &MJPEGOutput{
		config:  config,
		hud:     DefaultHUD(),
		clients: make(map[chan []byte]struct{}),
	}
}

// SetStatus installs the source of the HUD lines. nil disables the HUD.
func (m *MJPEGOutput) SetStatus(fn func() []string) {
	m.statusMu.Lock()
	m.status = fn
	m.statusMu.Unlock()
}

// Start initializes the MJPEG output
// Note: The HTTP handler is registered separately via GetHTTPHandler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0

	m.queueMu.Lock()
	m.queued = nil
	m.lastQueued = time.Time{}
	m.wake = make(chan struct{}, 1)
	wake := m.wake
	m.queueMu.Unlock()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.encodeLoop(wake, m.stop, m.done)

	logger.WithComponent("output").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("fps", m.config.FPS).
		Msg("MJPEG output started")
	return nil
}

// Stop cleanly shuts down the output. The encoder goroutine has exited when
// it returns.
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	// Close all client connections
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("output").Info().Uint64("frames", m.Stats().Frames).Msg("MJPEG output stopped")
	return nil
}

// Present copies frame for the encoder and returns. A copy the encoder has
// not picked up yet is replaced and counted as skipped.
func (m *MJPEGOutput) Present(frame *image.RGBA) error {
	if !m.IsRunning() || m.Clients() == 0 {
		return nil
	}

	m.queueMu.Lock()
	if !m.lastQueued.IsZero() && time.Since(m.lastQueued) < time.Second/time.Duration(m.config.FPS) {
		m.queueMu.Unlock()
		m.skip()
		return nil
	}
	replaced := m.queued != nil
	buf := m.queued
	if buf == nil {
		buf, m.spare = m.spare, nil
	}
	m.queued = copyFrame(buf, frame)
	m.lastQueued = time.Now()
	wake := m.wake
	m.queueMu.Unlock()

	if replaced {
		m.skip()
	}
	select {
	case wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *MJPEGOutput) skip() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

// copyFrame copies src into dst, reallocating dst when the size differs.
func copyFrame(dst, src *image.RGBA) *image.RGBA {
	r := image.Rectangle{Max: src.Bounds().Size()}
	if dst == nil || dst.Rect != r {
		dst = image.NewRGBA(r)
	}
	xdraw.Copy(dst, image.Point{}, src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// encodeLoop encodes the newest queued frame each time it is woken.
func (m *MJPEGOutput) encodeLoop(wake, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}

		m.queueMu.Lock()
		img := m.queued
		m.queued = nil
		m.queueMu.Unlock()
		if img == nil {
			continue
		}

		m.frameMu.Lock()
		jpegData, err := m.encodeLocked(img)
		if err == nil {
			m.currentJPEG = jpegData
			m.lastUpdate = time.Now()
		}
		m.frameMu.Unlock()

		m.queueMu.Lock()
		m.spare = img
		m.queueMu.Unlock()

		if err != nil {
			logger.WithComponent("output").Debug().Err(err).Msg("Preview encode failed")
			continue
		}
		m.mu.Lock()
		m.frameCount++
		m.mu.Unlock()
		m.broadcast(jpegData)
	}
}

// encodeLocked scales frame into the preview buffer, draws the HUD and
// returns the JPEG bytes.
func (m *MJPEGOutput) encodeLocked(frame *image.RGBA) ([]byte, error) {
	size := m.previewSize(frame.Bounds().Size())
	if m.scaled == nil || m.scaled.Bounds().Size() != size {
		m.scaled = image.NewRGBA(image.Rectangle{Max: size})
	}
	xdraw.ApproxBiLinear.Scale(m.scaled, m.scaled.Bounds(), frame, frame.Bounds(), xdraw.Src, nil)

	m.statusMu.RLock()
	status := m.status
	m.statusMu.RUnlock()
	if status != nil {
		m.hud.Render(m.scaled, status())
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, m.scaled, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// previewSize fits src inside the configured size keeping its aspect ratio.
// A zero configured size keeps the source size.
func (m *MJPEGOutput) previewSize(src image.Point) image.Point {
	w, h := m.config.Width, m.config.Height
	if w <= 0 || h <= 0 || src.X <= 0 || src.Y <= 0 {
		return src
	}
	if src.X*h > src.Y*w {
		h = max(1, src.Y*w/src.X)
	} else {
		w = max(1, src.X*h/src.Y)
	}
	return image.Pt(w, h)
}

func (m *MJPEGOutput) broadcast(jpegData []byte) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Clients returns the number of connected viewers.
func (m *MJPEGOutput) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Latest returns the last encoded JPEG, or nil.
func (m *MJPEGOutput) Latest() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.currentJPEG
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "preview not running", http.StatusServiceUnavailable)
			return
		}

		// Set headers for MJPEG stream
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		log := logger.WithComponent("output")

		frameChan := make(chan []byte, 2)
		if last := m.Latest(); last != nil {
			frameChan <- last
		}

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log.Info().Int("clients", clientCount).Msg("MJPEG client connected")

		// Cleanup on disconnect
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("MJPEG client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Stats is the preview state reported by the stats handler.
type Stats struct {
	Running    bool      `json:"running"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	TargetFPS  int       `json:"target_fps"`
	ActualFPS  float64   `json:"actual_fps"`
	Frames     uint64    `json:"frames"`
	Skipped    uint64    `json:"skipped"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
}

// Stats returns a snapshot of the stream statistics.
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	s := Stats{
		Running:   m.running,
		Width:     m.config.Width,
		Height:    m.config.Height,
		TargetFPS: m.config.FPS,
		Frames:    m.frameCount,
		Skipped:   m.skipped,
	}
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	s.LastUpdate = m.lastUpdate
	m.frameMu.RUnlock()
	s.Clients = m.Clients()

	if s.Running && !startTime.IsZero() {
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			s.ActualFPS = float64(s.Frames) / elapsed
		}
	}
	return s
}

// GetStatsHandler returns an HTTP handler that reports stream statistics as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler returns a page showing the stream full-window.
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Clarity Layer preview</title>
    <style>
        html, body { margin: 0; height: 100%; background: #111; }
        img { display: block; width: 100%; height: 100%; object-fit: contain; }
    </style>
</head>
<body>
    <img src="/stream" alt="overlay preview">
</body>
</html>`
