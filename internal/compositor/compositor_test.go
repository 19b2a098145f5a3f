package compositor

import (
	"errors"
	"image"
	"image/color"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

var twoMonitors = []display.Monitor{
	{ID: "A", Bounds: image.Rect(0, 0, 8, 8), Primary: true, DPI: 96},
	{ID: "B", Bounds: image.Rect(8, 0, 16, 8), DPI: 96},
}

func setup(t *testing.T, opts Options) (*Compositor, *Headless, *gpu.Device, *gpu.SoftwareAdapter) {
	t.Helper()
	a := gpu.NewSoftwareAdapter(true)
	d := gpu.NewDevice(a)
	if err := d.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opts.RecoveryPause == 0 {
		opts.RecoveryPause = time.Millisecond
	}
	s := NewHeadless()
	c := New(s, opts)
	if err := c.Initialize(d, twoMonitors); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		c.Destroy()
		d.Release()
	})
	return c, s, d, a
}

func solidTexture(t *testing.T, d *gpu.Device, w, h int, c color.RGBA) *gpu.Texture {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	tex, err := d.NewTexture(w, h, "frame")
	if err != nil {
		t.Fatalf("NewTexture() error = %v", err)
	}
	if err := d.Upload(tex, img); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return tex
}

func TestInitialize(t *testing.T) {
	c, s, _, _ := setup(t, Options{})
	if c.State() != Ready {
		t.Fatalf("State() = %v, want ready", c.State())
	}
	want := image.Rect(0, 0, 16, 8)
	if c.Bounds() != want || s.Bounds() != want {
		t.Errorf("bounds = %v / %v, want %v", c.Bounds(), s.Bounds(), want)
	}
	if c.Visible() {
		t.Error("surface visible before Show")
	}
}

func TestInitializeFailures(t *testing.T) {
	t.Run("unopened device", func(t *testing.T) {
		c := New(NewHeadless(), Options{})
		err := c.Initialize(gpu.NewDevice(gpu.NewSoftwareAdapter(false)), twoMonitors)
		if !errors.Is(err, gpu.ErrDeviceUnavailable) {
			t.Errorf("Initialize() error = %v, want DeviceUnavailable", err)
		}
		if c.State() != Uninitialized {
			t.Errorf("State() = %v, want uninitialized", c.State())
		}
	})

	t.Run("surface", func(t *testing.T) {
		d := gpu.NewDevice(gpu.NewSoftwareAdapter(false))
		if err := d.Open(); err != nil {
			t.Fatal(err)
		}
		s := NewHeadless()
		s.FailCreate = errors.New("no display")
		c := New(s, Options{})
		if err := c.Initialize(d, twoMonitors); err == nil || !strings.Contains(err.Error(), "no display") {
			t.Errorf("Initialize() error = %v", err)
		}
		if c.State() != Uninitialized {
			t.Errorf("State() = %v, want uninitialized", c.State())
		}
	})

	t.Run("no monitors", func(t *testing.T) {
		d := gpu.NewDevice(gpu.NewSoftwareAdapter(false))
		if err := d.Open(); err != nil {
			t.Fatal(err)
		}
		c := New(NewHeadless(), Options{})
		if err := c.Initialize(d, nil); !errors.Is(err, display.ErrNoMonitors) {
			t.Errorf("Initialize() error = %v, want ErrNoMonitors", err)
		}
	})
}

func TestNotReadyBeforeInitialize(t *testing.T) {
	c := New(NewHeadless(), Options{})
	if err := c.Present(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Present() error = %v, want ErrNotReady", err)
	}
	if err := c.RenderFrame(nil, twoMonitors[0]); !errors.Is(err, ErrNotReady) {
		t.Errorf("RenderFrame() error = %v, want ErrNotReady", err)
	}
}

func TestRenderFramePlacesMonitor(t *testing.T) {
	c, s, d, _ := setup(t, Options{})
	red := color.RGBA{R: 255, A: 255}
	if err := c.RenderFrame(solidTexture(t, d, 8, 8, red), twoMonitors[1]); err != nil {
		t.Fatalf("RenderFrame() error = %v", err)
	}
	if err := c.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}

	img := s.Last()
	if img == nil {
		t.Fatal("nothing presented")
	}
	if got := img.RGBAAt(12, 4); got.R < 250 || got.A < 250 {
		t.Errorf("pixel in monitor B = %v, want red", got)
	}
	if got := img.RGBAAt(3, 4); got.A != 0 {
		t.Errorf("pixel in monitor A = %v, want transparent", got)
	}
}

func TestPresentMode(t *testing.T) {
	c, _, _, _ := setup(t, Options{AllowTearing: true})
	if c.PresentMode() != gpu.PresentImmediate {
		t.Errorf("PresentMode() = %v with tearing allowed", c.PresentMode())
	}
	c2, _, _, _ := setup(t, Options{})
	if c2.PresentMode() != gpu.PresentFlip {
		t.Errorf("PresentMode() = %v without tearing", c2.PresentMode())
	}
}

func TestDeviceLossRecovery(t *testing.T) {
	c, s, d, a := setup(t, Options{})

	var mu sync.Mutex
	var states []State
	var reasons []string
	var gens []gpu.Generation
	c.OnDeviceLost(func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
		states = append(states, c.State())
	})
	c.OnRecovered(func(gen gpu.Generation) {
		mu.Lock()
		defer mu.Unlock()
		gens = append(gens, gen)
		states = append(states, c.State())
	})
	c.OnFatal(func(err error) { t.Errorf("OnFatal(%v) on recoverable loss", err) })
	var transitions []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	})

	if err := c.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	before := d.Generation()

	a.InjectRemoval("driver reset")
	if err := c.Present(); err != nil {
		t.Fatalf("Present() during loss error = %v", err)
	}

	if c.State() != Ready {
		t.Fatalf("State() = %v after recovery", c.State())
	}
	if !reflect.DeepEqual(states, []State{Lost, Ready}) {
		t.Errorf("states seen by listeners = %v", states)
	}
	if !reflect.DeepEqual(transitions, []State{Lost, Recovering, Ready}) {
		t.Errorf("transitions = %v, want [lost recovering ready]", transitions)
	}
	if len(reasons) != 1 || !strings.Contains(reasons[0], "driver reset") {
		t.Errorf("loss reasons = %v", reasons)
	}
	if !strings.Contains(c.LastLossReason(), "driver reset") {
		t.Errorf("LastLossReason() = %q", c.LastLossReason())
	}
	if len(gens) != 1 || gens[0] != before+1 {
		t.Errorf("recovered generations = %v, want [%d]", gens, before+1)
	}

	// Presents resume on the new generation.
	if err := c.RenderFrame(solidTexture(t, d, 8, 8, color.RGBA{G: 255, A: 255}), twoMonitors[0]); err != nil {
		t.Fatalf("RenderFrame() after recovery error = %v", err)
	}
	if err := c.Present(); err != nil {
		t.Fatalf("Present() after recovery error = %v", err)
	}
	if s.Presents() != 2 {
		t.Errorf("surface presents = %d, want 2", s.Presents())
	}
	if _, recoveries := c.Stats(); recoveries != 1 {
		t.Errorf("recoveries = %d, want 1", recoveries)
	}
}

func TestRenderFrameDetectsLoss(t *testing.T) {
	c, _, d, a := setup(t, Options{})
	tex := solidTexture(t, d, 8, 8, color.RGBA{B: 255, A: 255})

	a.InjectRemoval("tdr")
	if err := c.RenderFrame(tex, twoMonitors[0]); err != nil {
		t.Fatalf("RenderFrame() error = %v", err)
	}
	if c.State() != Ready || !strings.Contains(c.LastLossReason(), "tdr") {
		t.Errorf("State() = %v, reason %q", c.State(), c.LastLossReason())
	}

	// The old texture is from the previous generation.
	if err := c.RenderFrame(tex, twoMonitors[0]); !errors.Is(err, gpu.ErrStale) {
		t.Errorf("RenderFrame(stale) error = %v, want ErrStale", err)
	}
}

func TestFailedRecoveryDestroys(t *testing.T) {
	c, s, _, a := setup(t, Options{})
	if err := c.Show(); err != nil {
		t.Fatalf("Show() error = %v", err)
	}

	var fatal error
	c.OnFatal(func(err error) { fatal = err })
	c.OnRecovered(func(gpu.Generation) { t.Error("OnRecovered after failed recovery") })

	a.FailNextOpen(1)
	a.InjectRemoval("hung")
	err := c.Present()
	if !errors.Is(err, gpu.ErrDeviceUnavailable) {
		t.Fatalf("Present() error = %v, want DeviceUnavailable", err)
	}
	if fatal == nil {
		t.Error("OnFatal not called")
	}
	if c.State() != Destroyed {
		t.Errorf("State() = %v, want destroyed", c.State())
	}
	if s.Visible() || c.Visible() {
		t.Error("surface still visible after fatal loss")
	}
	if err := c.Present(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Present() after fatal error = %v, want ErrNotReady", err)
	}
}

func TestRecoveryReleaseOrder(t *testing.T) {
	c, _, d, a := setup(t, Options{})

	var steps []string
	d.SetTracer(func(step string) { steps = append(steps, step) })
	defer d.SetTracer(nil)

	a.InjectRemoval("reset")
	if err := c.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}

	want := []string{"render_target", "swap_chain", "buffer", "sampler", "blend_state", "context", "device"}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("release order = %v, want %v", steps, want)
	}
}

func TestDisplayChangeResizes(t *testing.T) {
	c, s, _, _ := setup(t, Options{})

	layouts := [][]display.Monitor{
		{{ID: "A", Bounds: image.Rect(0, 0, 20, 10), Primary: true}},
		twoMonitors,
		{{ID: "A", Bounds: image.Rect(0, 0, 20, 10), Primary: true}, {ID: "C", Bounds: image.Rect(-6, 0, 0, 6)}},
		twoMonitors,
	}
	for i, mons := range layouts {
		if err := c.OnDisplayChange(mons); err != nil {
			t.Fatalf("layout %d: OnDisplayChange() error = %v", i, err)
		}
		want := display.UnionBounds(mons)
		if c.Bounds() != want || s.Bounds() != want {
			t.Errorf("layout %d: bounds = %v / %v, want %v", i, c.Bounds(), s.Bounds(), want)
		}
		if err := c.Present(); err != nil {
			t.Fatalf("layout %d: Present() error = %v", i, err)
		}
		if got := s.Last().Bounds().Size(); got != want.Size() {
			t.Errorf("layout %d: presented %v, want %v", i, got, want.Size())
		}
	}
	if c.State() != Ready {
		t.Errorf("State() = %v", c.State())
	}
}

func TestResizeOnLostDeviceRecovers(t *testing.T) {
	c, s, _, a := setup(t, Options{})
	lost := 0
	c.OnDeviceLost(func(string) { lost++ })

	next := []display.Monitor{{ID: "A", Bounds: image.Rect(0, 0, 24, 12), Primary: true}}
	a.InjectRemoval("mode switch")
	if err := c.OnDisplayChange(next); err != nil {
		t.Fatalf("OnDisplayChange() error = %v", err)
	}
	if lost != 1 {
		t.Errorf("OnDeviceLost called %d times, want 1", lost)
	}
	if c.State() != Ready {
		t.Errorf("State() = %v", c.State())
	}
	if c.Bounds() != image.Rect(0, 0, 24, 12) || s.Bounds() != image.Rect(0, 0, 24, 12) {
		t.Errorf("bounds after recovery = %v / %v", c.Bounds(), s.Bounds())
	}
}

func TestDpiChange(t *testing.T) {
	c, _, _, _ := setup(t, Options{})
	if c.DPI() != 96 {
		t.Errorf("DPI() = %d, want 96", c.DPI())
	}
	if err := c.OnDpiChange(144); err != nil {
		t.Fatalf("OnDpiChange() error = %v", err)
	}
	if c.DPI() != 144 || c.State() != Ready {
		t.Errorf("DPI() = %d, State() = %v", c.DPI(), c.State())
	}
}

type countingPresenter struct{ n int }

func (p *countingPresenter) Present(*image.RGBA) error {
	p.n++
	return nil
}

func TestMirrorsReceiveFrames(t *testing.T) {
	m := &countingPresenter{}
	c, _, _, _ := setup(t, Options{Mirrors: []gpu.Presenter{m}})
	for i := 0; i < 3; i++ {
		if err := c.Present(); err != nil {
			t.Fatal(err)
		}
	}
	if m.n != 3 {
		t.Errorf("mirror presents = %d, want 3", m.n)
	}
}

func TestShowHideDestroy(t *testing.T) {
	c, s, _, _ := setup(t, Options{})
	if err := c.Show(); err != nil || !s.Visible() {
		t.Fatalf("Show() error = %v, visible %v", err, s.Visible())
	}
	if err := c.Hide(); err != nil || s.Visible() {
		t.Fatalf("Hide() error = %v, visible %v", err, s.Visible())
	}
	c.Destroy()
	c.Destroy()
	if c.State() != Destroyed {
		t.Errorf("State() = %v", c.State())
	}
	if err := c.Show(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Show() after Destroy error = %v", err)
	}
}

func TestCheckDeviceRecovers(t *testing.T) {
	c, _, d, a := setup(t, Options{})
	if err := c.CheckDevice(); err != nil {
		t.Fatalf("CheckDevice() on healthy device = %v", err)
	}
	gen := d.Generation()

	a.InjectRemoval("driver reset")
	if err := c.CheckDevice(); err != nil {
		t.Fatalf("CheckDevice() error = %v", err)
	}
	if c.State() != Ready || d.Generation() == gen {
		t.Errorf("state = %v, generation %d -> %d, want ready on a new generation", c.State(), gen, d.Generation())
	}
	if c.LastLossReason() != "driver reset" {
		t.Errorf("LastLossReason() = %q", c.LastLossReason())
	}
}

func TestRecoveringObservable(t *testing.T) {
	c, _, _, a := setup(t, Options{})

	// A listener that reads State() while recovery is under way sees
	// Recovering rather than blocking on the compositor lock.
	seen := make(chan State, 8)
	c.OnStateChange(func(s State) {
		if s == Recovering {
			seen <- c.State()
		}
	})

	a.InjectRemoval("driver reset")
	if err := c.CheckDevice(); err != nil {
		t.Fatalf("CheckDevice() error = %v", err)
	}
	select {
	case got := <-seen:
		if got != Recovering {
			t.Errorf("State() during recovery = %v, want recovering", got)
		}
	default:
		t.Fatal("Recovering transition not reported")
	}
	if c.State() != Ready {
		t.Errorf("State() = %v after recovery", c.State())
	}
}

func TestFailedRecoveryTransitions(t *testing.T) {
	c, _, _, a := setup(t, Options{})
	var mu sync.Mutex
	var transitions []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	})

	a.FailNextOpen(1)
	a.InjectRemoval("hung")
	if err := c.Present(); err == nil {
		t.Fatal("Present() error = nil after failed recovery")
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(transitions, []State{Lost, Recovering, Destroyed}) {
		t.Errorf("transitions = %v, want [lost recovering destroyed]", transitions)
	}
}
