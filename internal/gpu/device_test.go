package gpu

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"testing/fstest"

	"github.com/bryanchriswhite/ClarityLayer/assets"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

func openDevice(t *testing.T) (*Device, *SoftwareAdapter) {
	t.Helper()
	a := NewSoftwareAdapter(true)
	d := NewDevice(a)
	if err := d.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return d, a
}

func TestOpenFailureIsDeviceUnavailable(t *testing.T) {
	a := NewSoftwareAdapter(false)
	a.FailNextOpen(1)
	d := NewDevice(a)

	err := d.Open()
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Open() error = %v, want DeviceUnavailable", err)
	}
	if d.Generation() != 0 {
		t.Errorf("Generation() = %d, want 0", d.Generation())
	}
	if KindOf(d.Check()) != DeviceUnavailable {
		t.Errorf("Check() kind = %v, want device_unavailable", KindOf(d.Check()))
	}
}

func TestRecreateAdvancesGeneration(t *testing.T) {
	d, a := openDevice(t)
	if d.Generation() != 1 {
		t.Fatalf("Generation() = %d, want 1", d.Generation())
	}

	tex, err := d.NewTexture(4, 4, "before")
	if err != nil {
		t.Fatalf("NewTexture() error = %v", err)
	}

	a.InjectRemoval("hung")
	err = d.Check()
	if !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Check() error = %v, want DeviceLost", err)
	}
	var ge *Error
	if !errors.As(err, &ge) || ge.Reason != "hung" {
		t.Errorf("Check() error = %v, want removal reason \"hung\"", err)
	}

	if err := d.Recreate(context.Background(), 0); err != nil {
		t.Fatalf("Recreate() error = %v", err)
	}
	if d.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", d.Generation())
	}
	if d.Check() != nil {
		t.Errorf("Check() after recreate = %v", d.Check())
	}
	if !d.Stale(tex) {
		t.Error("texture from generation 1 not reported stale")
	}
	if _, err := d.Readback(tex); !errors.Is(err, ErrStale) {
		t.Errorf("Readback(stale) error = %v, want ErrStale", err)
	}
}

func TestRecreateFailure(t *testing.T) {
	d, a := openDevice(t)
	a.FailNextOpen(1)

	err := d.Recreate(context.Background(), 0)
	if KindOf(err) != DeviceUnavailable {
		t.Fatalf("Recreate() error = %v, want device_unavailable", err)
	}
	if d.IsOpen() {
		t.Error("device open after failed recreate")
	}
	if _, err := d.NewTexture(1, 1, "x"); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("NewTexture() error = %v, want DeviceLost", err)
	}
}

func TestReleaseTraceOrder(t *testing.T) {
	d, _ := openDevice(t)
	var steps []string
	d.SetTracer(func(step string) { steps = append(steps, step) })

	sampler, _ := d.NewSampler(FilterPoint, "s")
	buf, _ := d.NewBuffer(4, BufferVertex, "b")
	buf.Release()
	sampler.Release()
	sampler.Release()
	d.Release()

	want := []string{"buffer", "sampler", "context", "device"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("steps[%d] = %q, want %q", i, steps[i], want[i])
		}
	}
}

func copyKernel(dst *image.RGBA, src []*image.RGBA, _ []float32, y0, y1 int) {
	w := dst.Rect.Dx() * 4
	for y := y0; y < y1; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], src[0].Pix[y*src[0].Stride:y*src[0].Stride+w])
	}
}

func loadPipeline(t *testing.T, d *Device) *Pipeline {
	t.Helper()
	vs, err := d.LoadShader(assets.Shaders(), ShaderSpec{Name: "fullscreen_vs", Stage: StageVertex, Required: true})
	if err != nil {
		t.Fatalf("LoadShader(vs) error = %v", err)
	}
	fs, err := d.LoadShader(assets.Shaders(), ShaderSpec{Name: "passthrough", Stage: StageFragment, Required: true})
	if err != nil {
		t.Fatalf("LoadShader(fs) error = %v", err)
	}
	p, err := d.NewPipeline(vs, fs, copyKernel, "copy")
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return p
}

func TestDrawAndHazards(t *testing.T) {
	d, _ := openDevice(t)
	p := loadPipeline(t, d)

	src, _ := d.NewTexture(3, 40, "src")
	dst, _ := d.NewTexture(3, 40, "dst")
	img := image.NewRGBA(image.Rect(0, 0, 3, 40))
	for y := 0; y < 40; y++ {
		img.Set(1, y, color.RGBA{R: uint8(y), A: 255})
	}
	if err := d.Upload(src, img); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	ctx := d.Context()
	ctx.SetPipeline(p)
	if err := ctx.SetRenderTarget(dst); err != nil {
		t.Fatalf("SetRenderTarget() error = %v", err)
	}
	if err := ctx.SetShaderResource(0, dst); !errors.Is(err, ErrHazard) {
		t.Errorf("binding the render target as input: error = %v, want ErrHazard", err)
	}
	if err := ctx.SetShaderResource(0, src); err != nil {
		t.Fatalf("SetShaderResource() error = %v", err)
	}
	if err := ctx.SetRenderTarget(src); !errors.Is(err, ErrHazard) {
		t.Errorf("binding a bound input as target: error = %v, want ErrHazard", err)
	}
	if err := ctx.Draw(); err != nil {
		t.Fatalf("Draw() error = %v", err)
	}

	out, err := d.Readback(dst)
	if err != nil {
		t.Fatalf("Readback() error = %v", err)
	}
	for y := 0; y < 40; y++ {
		if got := out.RGBAAt(1, y).R; got != uint8(y) {
			t.Fatalf("row %d: R = %d, want %d", y, got, y)
		}
	}

	ctx.UnbindShaderResources()
	if err := ctx.SetRenderTarget(src); err != nil {
		t.Errorf("SetRenderTarget() after unbind error = %v", err)
	}
}

func TestLoadShaderErrors(t *testing.T) {
	d, _ := openDevice(t)
	fsys := fstest.MapFS{
		"broken.wgsl": {Data: []byte("@fragment fn fs_main( -> nope")},
		"novertex.wgsl": {Data: []byte("@fragment\nfn fs_main() -> @location(0) vec4<f32> {\n    return vec4<f32>(1.0);\n}\n")},
	}

	tests := []struct {
		name     string
		spec     ShaderSpec
		required bool
	}{
		{"missing optional", ShaderSpec{Name: "edge_enhance", Stage: StageFragment}, false},
		{"missing required", ShaderSpec{Name: "base_adjust", Stage: StageFragment, Required: true}, true},
		{"does not compile", ShaderSpec{Name: "broken", Stage: StageFragment, Required: true}, true},
		{"wrong stage", ShaderSpec{Name: "novertex", Stage: StageVertex, Required: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.LoadShader(fsys, tt.spec)
			var ge *Error
			if !errors.As(err, &ge) || ge.Kind != ShaderLoadFailed {
				t.Fatalf("LoadShader() error = %v, want ShaderLoadFailed", err)
			}
			if ge.Required != tt.required {
				t.Errorf("Required = %v, want %v", ge.Required, tt.required)
			}
		})
	}
}

func TestEmbeddedShadersCompile(t *testing.T) {
	d, _ := openDevice(t)
	specs := []ShaderSpec{
		{Name: "fullscreen_vs", Stage: StageVertex},
		{Name: "base_adjust", Stage: StageFragment},
		{Name: "invert", Stage: StageFragment},
		{Name: "passthrough", Stage: StageFragment},
		{Name: "edge_enhance", Stage: StageFragment},
	}
	for _, spec := range specs {
		t.Run(spec.Name, func(t *testing.T) {
			sh, err := d.LoadShader(assets.Shaders(), spec)
			if err != nil {
				t.Fatalf("LoadShader() error = %v", err)
			}
			if len(sh.SPIRV) == 0 {
				t.Error("empty SPIR-V")
			}
		})
	}
}

type recordingPresenter struct {
	frames int
	last   image.Point
	err    error
}

func (p *recordingPresenter) Present(img *image.RGBA) error {
	if p.err != nil {
		return p.err
	}
	p.frames++
	p.last = img.Rect.Size()
	return nil
}

func TestSwapChainPresentResizeAndLoss(t *testing.T) {
	d, a := openDevice(t)
	p := &recordingPresenter{}

	sc, err := d.NewSwapChain(p, 64, 32, SwapChainDesc{BufferCount: 3, AllowTearing: true})
	if err != nil {
		t.Fatalf("NewSwapChain() error = %v", err)
	}
	if sc.Mode() != PresentImmediate {
		t.Errorf("Mode() = %v, want immediate", sc.Mode())
	}
	rt, err := d.NewRenderTarget(sc, "rt")
	if err != nil {
		t.Fatalf("NewRenderTarget() error = %v", err)
	}
	blend, _ := d.NewBlendState(PremultipliedOver, "blend")
	smp, _ := d.NewSampler(FilterPoint, "smp")
	tex, _ := d.NewTexture(8, 8, "frame")

	if err := rt.DrawTexture(tex, image.Pt(4, 4), blend, smp); err != nil {
		t.Fatalf("DrawTexture() error = %v", err)
	}
	if err := sc.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if p.frames != 1 || p.last != image.Pt(64, 32) {
		t.Errorf("presenter saw %d frames of %v", p.frames, p.last)
	}

	if err := sc.Resize(100, 50); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	if sc.Size() != image.Pt(100, 50) {
		t.Errorf("Size() = %v after resize", sc.Size())
	}
	if err := sc.Resize(0, 50); KindOf(err) != ResizeFailed {
		t.Errorf("Resize(0, 50) error = %v, want ResizeFailed", err)
	}

	a.InjectRemoval("reset")
	err = sc.Present()
	if !IsLost(err) {
		t.Fatalf("Present() after removal error = %v, want DeviceLost", err)
	}
	if p.frames != 1 {
		t.Errorf("presenter saw %d frames, want 1", p.frames)
	}
}

func TestNoTearingWithoutProbe(t *testing.T) {
	d := NewDevice(NewSoftwareAdapter(false))
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	sc, err := d.NewSwapChain(&recordingPresenter{}, 4, 4, SwapChainDesc{AllowTearing: true})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Mode() != PresentFlip {
		t.Errorf("Mode() = %v, want flip", sc.Mode())
	}
}
