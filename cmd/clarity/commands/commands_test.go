package commands

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bryanchriswhite/ClarityLayer/internal/config"
	"github.com/bryanchriswhite/ClarityLayer/internal/controller"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/spf13/cobra"
)

func init() {
	logger.SetOutput(io.Discard)
}

func freshProcessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "process"}
	addProcessFlags(cmd)
	return cmd
}

func TestStaticMonitors(t *testing.T) {
	got := staticMonitors([]config.StaticMonitor{
		{ID: "left", X: -1920, Width: 1920, Height: 1080, Primary: true},
		{X: 0, Width: 2560, Height: 1440, DPI: 144},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Bounds != image.Rect(-1920, 0, 0, 1080) || got[0].DPI != 96 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ID != "static-1" || got[1].DPI != 144 {
		t.Errorf("second = %+v", got[1])
	}
}

func TestProcessParams(t *testing.T) {
	tests := []struct {
		args    []string
		want    transform.Params
		wantErr bool
	}{
		{nil, transform.DefaultParams(), false},
		{[]string{"--contrast", "2", "--invert", "full"}, func() transform.Params {
			p := transform.DefaultParams()
			p.Contrast, p.InvertMode = 2, transform.InvertFull
			return p
		}(), false},
		{[]string{"--invert", "sideways"}, transform.Params{}, true},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cmd := freshProcessCmd()
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatal(err)
			}
			got, err := processParams(cmd, transform.DefaultParams())
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("params = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProcessInvertsImage(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.png"), filepath.Join(dir, "out.png")

	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(src.Pix); i += 4 {
		copy(src.Pix[i:], []byte{200, 100, 50, 255})
	}
	f, err := os.Create(in)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(f, src)
	f.Close()

	cfgFile = filepath.Join(dir, "config.yaml")
	defer func() { cfgFile = "" }()

	cmd := freshProcessCmd()
	cmd.ParseFlags([]string{"--invert", "full"})
	if err := runProcess(cmd, []string{in, out}); err != nil {
		t.Fatalf("runProcess() error = %v", err)
	}

	got, err := readPNG(out)
	if err != nil {
		t.Fatal(err)
	}
	c := got.RGBAAt(1, 1)
	want := color.RGBA{55, 155, 205, 255}
	if diff(c.R, want.R) > 2 || diff(c.G, want.G) > 2 || diff(c.B, want.B) > 2 {
		t.Errorf("pixel = %v, want about %v", c, want)
	}
}

func diff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestStatusLines(t *testing.T) {
	lines := statusLines(controller.Status{Enabled: true, Compositor: "ready", Generation: 2})
	if len(lines) != 3 || !strings.Contains(lines[0], "on") || !strings.Contains(lines[1], "gen 2") {
		t.Errorf("lines = %q", lines)
	}
	if safe := statusLines(controller.Status{SafeMode: true}); !strings.Contains(safe[0], "safe mode") {
		t.Errorf("safe mode line = %q", safe[0])
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	cfgFile = filepath.Join(dir, "config.yaml")
	defer func() { cfgFile = "" }()

	if err := runConfigValidate(configValidateCmd, nil); err != nil {
		t.Errorf("defaults rejected: %v", err)
	}

	bad := "capture:\n  backend: portal\noverlay:\n  backend: x11\n"
	if err := os.WriteFile(cfgFile, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	err := runConfigValidate(configValidateCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "cannot exclude") {
		t.Errorf("error = %v, want backend pairing error", err)
	}
}

func TestOverlayOnScreen(t *testing.T) {
	cfg := config.Defaults()
	if !overlayOnScreen(cfg) {
		t.Errorf("overlayOnScreen(%q) = false", cfg.Overlay.Backend)
	}
	for _, b := range []string{config.OverlayPreview, config.OverlayHeadless} {
		cfg.Overlay.Backend = b
		if overlayOnScreen(cfg) {
			t.Errorf("overlayOnScreen(%q) = true", b)
		}
	}
}
