package transform

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"io/fs"
	"math"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/bryanchriswhite/ClarityLayer/assets"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

func newEngine(t *testing.T) (*Engine, *gpu.Device, *gpu.SoftwareAdapter) {
	t.Helper()
	a := gpu.NewSoftwareAdapter(true)
	d := gpu.NewDevice(a)
	if err := d.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	e := NewEngine()
	if err := e.Initialize(d, assets.Shaders()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(e.Release)
	return e, d, a
}

func uploadImage(t *testing.T, d *gpu.Device, img *image.RGBA) *gpu.Texture {
	t.Helper()
	b := img.Bounds()
	tex, err := d.NewTexture(b.Dx(), b.Dy(), "input")
	if err != nil {
		t.Fatalf("NewTexture() error = %v", err)
	}
	if err := d.Upload(tex, img); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return tex
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func readback(t *testing.T, d *gpu.Device, tex *gpu.Texture) *image.RGBA {
	t.Helper()
	img, err := d.Readback(tex)
	if err != nil {
		t.Fatalf("Readback() error = %v", err)
	}
	return img
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d >= -tol && d <= tol
}

func TestIdentityLeavesPixelsUnchanged(t *testing.T) {
	e, d, _ := newEngine(t)
	src := gradient(37, 21)
	src.SetRGBA(3, 3, color.RGBA{R: 64, G: 32, B: 16, A: 128})
	in := uploadImage(t, d, src)

	out, err := e.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got := readback(t, d, out)
	for i := range src.Pix {
		if !near(got.Pix[i], src.Pix[i], 1) {
			t.Fatalf("byte %d = %d, want %d", i, got.Pix[i], src.Pix[i])
		}
	}
	if want := []string{ShaderBaseAdjust, ShaderPassthrough}; !reflect.DeepEqual(e.LastPasses(), want) {
		t.Errorf("LastPasses() = %v, want %v", e.LastPasses(), want)
	}
}

func TestFullInvertTwiceRestoresInput(t *testing.T) {
	e, d, _ := newEngine(t)
	e.SetInvertMode(InvertFull)
	src := gradient(16, 16)
	in := uploadImage(t, d, src)

	once, err := e.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	first := readback(t, d, once)
	if first.Pix[0] != 255-src.Pix[0] {
		t.Errorf("inverted R = %d, want %d", first.Pix[0], 255-src.Pix[0])
	}

	// Feed the output surface straight back in.
	twice, err := e.Process(once)
	if err != nil {
		t.Fatalf("Process(output) error = %v", err)
	}
	got := readback(t, d, twice)
	for i := range src.Pix {
		if !near(got.Pix[i], src.Pix[i], 1) {
			t.Fatalf("byte %d = %d, want %d", i, got.Pix[i], src.Pix[i])
		}
	}
}

func TestBrightnessInvertKeepsHue(t *testing.T) {
	e, d, _ := newEngine(t)
	e.SetInvertMode(InvertBrightnessOnly)
	in := uploadImage(t, d, solid(4, 4, color.RGBA{R: 200, G: 80, B: 40, A: 255}))

	out, err := e.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	px := readback(t, d, out).RGBAAt(1, 1)

	h0, s0, l0 := rgbToHSL(200.0/255, 80.0/255, 40.0/255)
	h1, s1, l1 := rgbToHSL(float64(px.R)/255, float64(px.G)/255, float64(px.B)/255)
	if math.Abs(h1-h0) > 0.02 {
		t.Errorf("hue = %.3f, want %.3f", h1, h0)
	}
	if math.Abs(s1-s0) > 0.02 {
		t.Errorf("saturation = %.3f, want %.3f", s1, s0)
	}
	if math.Abs(l1-(1-l0)) > 0.02 {
		t.Errorf("lightness = %.3f, want %.3f", l1, 1-l0)
	}
}

func TestSettersClamp(t *testing.T) {
	e := NewEngine()

	e.SetContrast(10)
	e.SetBrightness(-3)
	e.SetGamma(0)
	e.SetSaturation(math.NaN())
	e.SetInvertMode(InvertMode(7))
	e.SetEdgeStrength(-1)

	want := Params{Contrast: 4, Brightness: -1, Gamma: 0.1, Saturation: 1, InvertMode: InvertBrightnessOnly, EdgeStrength: 0}
	if got := e.Params(); got != want {
		t.Errorf("Params() = %+v, want %+v", got, want)
	}
}

func TestApplyProfileReplacesAllParams(t *testing.T) {
	e := NewEngine()
	e.SetEdgeStrength(0.5)
	e.ApplyProfile(VisualSettings{Enabled: true, Contrast: 2, Brightness: 0.1, Gamma: 1.2, Saturation: 0.5, InvertMode: InvertFull})

	want := Params{Contrast: 2, Brightness: 0.1, Gamma: 1.2, Saturation: 0.5, InvertMode: InvertFull}
	if got := e.Params(); got != want {
		t.Errorf("Params() = %+v, want %+v", got, want)
	}
}

func TestPassPlan(t *testing.T) {
	tests := []struct {
		name   string
		invert InvertMode
		edge   float64
		want   []string
	}{
		{"identity", InvertNone, 0, []string{ShaderBaseAdjust, ShaderPassthrough}},
		{"invert", InvertFull, 0, []string{ShaderBaseAdjust, ShaderInvert}},
		{"edge", InvertNone, 0.5, []string{ShaderBaseAdjust, ShaderEdgeEnhance}},
		{"all", InvertBrightnessOnly, 1, []string{ShaderBaseAdjust, ShaderInvert, ShaderEdgeEnhance}},
	}
	e, d, _ := newEngine(t)
	in := uploadImage(t, d, gradient(8, 8))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.SetInvertMode(tt.invert)
			e.SetEdgeStrength(tt.edge)
			if _, err := e.Process(in); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if got := e.LastPasses(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LastPasses() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutputHandleIsStable(t *testing.T) {
	e, d, _ := newEngine(t)
	in := uploadImage(t, d, gradient(10, 10))

	var first *gpu.Texture
	for i, mode := range []InvertMode{InvertNone, InvertFull, InvertBrightnessOnly, InvertNone} {
		e.SetInvertMode(mode)
		e.SetEdgeStrength(float64(i%2) * 0.5)
		out, err := e.Process(in)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if first == nil {
			first = out
		} else if out != first {
			t.Fatalf("frame %d returned a different output surface", i)
		}
	}
}

func TestAlternatingSizes(t *testing.T) {
	e, d, _ := newEngine(t)
	e.SetInvertMode(InvertFull)
	small := uploadImage(t, d, solid(8, 6, color.RGBA{R: 10, A: 255}))
	large := uploadImage(t, d, solid(20, 12, color.RGBA{G: 10, A: 255}))

	for i := 0; i < 6; i++ {
		in := small
		if i%2 == 1 {
			in = large
		}
		out, err := e.Process(in)
		if err != nil {
			t.Fatalf("frame %d: Process() error = %v", i, err)
		}
		if out.Size() != in.Size() {
			t.Fatalf("frame %d: output %v, input %v", i, out.Size(), in.Size())
		}
		px := readback(t, d, out).RGBAAt(out.Width()-1, out.Height()-1)
		if i%2 == 0 && px.R != 245 {
			t.Errorf("frame %d: R = %d, want 245", i, px.R)
		}
		if i%2 == 1 && px.G != 245 {
			t.Errorf("frame %d: G = %d, want 245", i, px.G)
		}
	}
	processed, resizes := e.Stats()
	if processed != 6 || resizes != 6 {
		t.Errorf("Stats() = %d, %d; want 6, 6", processed, resizes)
	}
}

func TestEdgeDarkensBoundaries(t *testing.T) {
	e, d, _ := newEngine(t)
	e.SetEdgeStrength(1)
	img := solid(12, 12, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	for y := 0; y < 12; y++ {
		for x := 6; x < 12; x++ {
			img.SetRGBA(x, y, color.RGBA{A: 255})
		}
	}
	in := uploadImage(t, d, img)

	out, err := e.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got := readback(t, d, out)
	if px := got.RGBAAt(1, 6); px.R != 255 {
		t.Errorf("flat region R = %d, want 255", px.R)
	}
	if px := got.RGBAAt(5, 6); px.R >= 128 {
		t.Errorf("boundary R = %d, want darkened", px.R)
	}
}

// subFS copies the embedded shaders, leaving out the named modules.
func subFS(t *testing.T, without ...string) fstest.MapFS {
	t.Helper()
	skip := make(map[string]bool)
	for _, name := range without {
		skip[name+".wgsl"] = true
	}
	out := fstest.MapFS{}
	src := assets.Shaders()
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		if skip[ent.Name()] {
			continue
		}
		data, err := fs.ReadFile(src, ent.Name())
		if err != nil {
			t.Fatal(err)
		}
		out[ent.Name()] = &fstest.MapFile{Data: data}
	}
	return out
}

func TestMissingRequiredShaderFailsOpen(t *testing.T) {
	d := gpu.NewDevice(gpu.NewSoftwareAdapter(false))
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	e := NewEngine()
	e.SetInvertMode(InvertFull)

	err := e.Initialize(d, subFS(t, ShaderBaseAdjust))
	if !errors.Is(err, gpu.ErrShaderLoadFailed) {
		t.Fatalf("Initialize() error = %v, want ShaderLoadFailed", err)
	}
	if e.Ready() {
		t.Fatal("engine ready without base_adjust")
	}

	in := uploadImage(t, d, solid(4, 4, color.RGBA{R: 30, A: 255}))
	out, err := e.Process(in)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out != in {
		t.Error("Process() did not return the input unchanged")
	}
}

func TestMissingEdgeShaderDisablesPass(t *testing.T) {
	d := gpu.NewDevice(gpu.NewSoftwareAdapter(false))
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	e := NewEngine()
	if err := e.Initialize(d, subFS(t, ShaderEdgeEnhance)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if e.EdgeAvailable() {
		t.Fatal("EdgeAvailable() = true")
	}

	e.SetEdgeStrength(1)
	in := uploadImage(t, d, gradient(6, 6))
	if _, err := e.Process(in); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if want := []string{ShaderBaseAdjust, ShaderPassthrough}; !reflect.DeepEqual(e.LastPasses(), want) {
		t.Errorf("LastPasses() = %v, want %v", e.LastPasses(), want)
	}
}

func TestRebuildsAfterRecreate(t *testing.T) {
	e, d, a := newEngine(t)
	e.SetInvertMode(InvertFull)
	in := uploadImage(t, d, solid(4, 4, color.RGBA{R: 100, A: 255}))
	if _, err := e.Process(in); err != nil {
		t.Fatal(err)
	}

	a.InjectRemoval("driver reset")
	if _, err := e.Process(in); !gpu.IsLost(err) {
		t.Fatalf("Process() on removed device error = %v, want DeviceLost", err)
	}

	if err := d.Recreate(context.Background(), 0); err != nil {
		t.Fatalf("Recreate() error = %v", err)
	}
	if _, err := e.Process(in); !errors.Is(err, gpu.ErrStale) {
		t.Errorf("Process(stale input) error = %v, want ErrStale", err)
	}

	fresh := uploadImage(t, d, solid(4, 4, color.RGBA{R: 100, A: 255}))
	out, err := e.Process(fresh)
	if err != nil {
		t.Fatalf("Process() after recreate error = %v", err)
	}
	if px := readback(t, d, out).RGBAAt(0, 0); px.R != 155 {
		t.Errorf("R = %d, want 155", px.R)
	}
	if e.Params().InvertMode != InvertFull {
		t.Error("parameters lost across recreate")
	}
}

func TestParseInvertMode(t *testing.T) {
	tests := []struct {
		in      string
		want    InvertMode
		wantErr bool
	}{
		{"none", InvertNone, false},
		{" Full ", InvertFull, false},
		{"brightness", InvertBrightnessOnly, false},
		{"2", InvertBrightnessOnly, false},
		{"9", InvertBrightnessOnly, false},
		{"sideways", InvertNone, true},
	}
	for _, tt := range tests {
		got, err := ParseInvertMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInvertMode(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInvertMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUpdatePublishesOnce(t *testing.T) {
	e := NewEngine()
	n := e.Updates()

	_, err := e.Update(func(p *Params) error {
		p.Contrast = 3
		return errors.New("rejected")
	})
	if err == nil {
		t.Fatal("Update() error = nil")
	}
	if e.Params() != DefaultParams() || e.Updates() != n {
		t.Errorf("failed Update published %+v", e.Params())
	}

	want := Params{Contrast: 2, Brightness: 0.2, Gamma: 1.5, Saturation: 0.5, InvertMode: InvertFull, EdgeStrength: 0.4}
	e.SetParams(want)
	if e.Params() != want {
		t.Errorf("Params() = %+v, want %+v", e.Params(), want)
	}
	if e.Updates() != n+1 {
		t.Errorf("SetParams published %d changes, want 1", e.Updates()-n)
	}

	got, err := e.Update(func(p *Params) error {
		p.Contrast = 100
		return nil
	})
	if err != nil || got.Contrast != ContrastMax {
		t.Errorf("Update() = %+v, %v; want contrast clamped to %v", got, err, ContrastMax)
	}
}
