package portal

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Pipeline runs gst-launch-1.0 reading one PipeWire node and writing raw RGBA
// frames of a fixed size to stdout. It avoids linking GStreamer into the
// binary.
type Pipeline struct {
	nodeID  uint32
	width   int
	height  int
	onFrame func(*image.RGBA)

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	done    chan struct{}
}

// NewPipeline returns a pipeline scaling node output to width x height.
// onFrame runs on the reader goroutine and must not retain the image.
func NewPipeline(nodeID uint32, width, height int, onFrame func(*image.RGBA)) *Pipeline {
	return &Pipeline{nodeID: nodeID, width: width, height: height, onFrame: onFrame}
}

func (g *Pipeline) args() []string {
	pipeline := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true ! "+
			"videoconvert ! "+
			"videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d ! "+
			"fdsink fd=1 sync=false",
		g.nodeID, g.width, g.height,
	)
	return append([]string{"-q"}, strings.Fields(pipeline)...)
}

// Start launches the subprocess and the frame reader.
func (g *Pipeline) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return errors.New("pipeline already running")
	}
	if g.width <= 0 || g.height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", g.width, g.height)
	}

	log := logger.WithComponent("gstreamer")

	cmd := exec.Command("gst-launch-1.0", g.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start gst-launch: %w", err)
	}

	g.cmd = cmd
	g.running = true
	g.done = make(chan struct{})

	go g.readFrames(stdout)
	go logStderr(stderr)

	log.Info().
		Uint32("node_id", g.nodeID).
		Int("pid", cmd.Process.Pid).
		Int("width", g.width).
		Int("height", g.height).
		Msg("GStreamer subprocess started")
	return nil
}

// readFrames reads whole frames until the pipe closes.
func (g *Pipeline) readFrames(stdout io.Reader) {
	defer close(g.done)
	log := logger.WithComponent("gstreamer")

	frameSize := g.width * g.height * 4
	reader := bufio.NewReaderSize(stdout, frameSize)
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))

	for {
		if _, err := io.ReadFull(reader, img.Pix); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Debug().Uint32("node_id", g.nodeID).Msg("EOF from GStreamer subprocess")
			} else {
				log.Warn().Err(err).Msg("Error reading frame")
			}
			return
		}
		g.onFrame(img)
	}
}

func logStderr(stderr io.Reader) {
	log := logger.WithComponent("gstreamer")
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// Stop kills the subprocess and waits for the reader to exit. No onFrame
// call runs after Stop returns.
func (g *Pipeline) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}
	if g.cmd.Process != nil {
		g.cmd.Process.Kill()
	}
	<-g.done
	g.cmd.Wait()
	g.running = false

	logger.WithComponent("gstreamer").Info().Uint32("node_id", g.nodeID).Msg("GStreamer subprocess stopped")
	return nil
}
