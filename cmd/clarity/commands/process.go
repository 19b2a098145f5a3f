package commands

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process IN.png OUT.png",
	Short: "Run one image through the transform pipeline",
	Long: `Apply the visual settings from the config file, overridden by flags, to a
PNG image using the same engine and device as the overlay.`,
	Example: `  # Invert an image
  clarity process shot.png inverted.png --invert full

  # Boost contrast and sharpen edges
  clarity process shot.png out.png --contrast 1.5 --edge 0.6`,
	Args: cobra.ExactArgs(2),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	addProcessFlags(processCmd)
}

func addProcessFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("contrast", 0, "contrast multiplier")
	cmd.Flags().Float64("brightness", 0, "brightness offset")
	cmd.Flags().Float64("gamma", 0, "gamma")
	cmd.Flags().Float64("saturation", 0, "saturation multiplier")
	cmd.Flags().String("invert", "", "invert mode (none, full, brightness)")
	cmd.Flags().Float64("edge", 0, "edge enhancement strength")
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	params, err := processParams(cmd, cfg.Visual.Params())
	if err != nil {
		return err
	}

	src, err := readPNG(args[0])
	if err != nil {
		return err
	}

	dev := gpu.NewDevice(gpu.NewSoftwareAdapter(false))
	if err := dev.Open(); err != nil {
		return err
	}
	defer dev.Release()

	engine := transform.NewEngine()
	if err := engine.Initialize(dev, shaderFS(cfg)); err != nil {
		return err
	}
	defer engine.Release()
	engine.ApplyProfile(settingsFor(params))

	b := src.Bounds()
	in, err := dev.NewTexture(b.Dx(), b.Dy(), "process input")
	if err != nil {
		return err
	}
	defer in.Release()
	if err := dev.Upload(in, src); err != nil {
		return err
	}
	out, err := engine.Process(in)
	if err != nil {
		return err
	}
	img, err := dev.Readback(out)
	if err != nil {
		return err
	}

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", args[1], err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%s)\n", args[0], args[1], joinPasses(engine.LastPasses()))
	return nil
}

// processParams overrides p with the flags that were given.
func processParams(cmd *cobra.Command, p transform.Params) (transform.Params, error) {
	flags := cmd.Flags()
	floats := map[string]*float64{
		"contrast":   &p.Contrast,
		"brightness": &p.Brightness,
		"gamma":      &p.Gamma,
		"saturation": &p.Saturation,
		"edge":       &p.EdgeStrength,
	}
	for name, dst := range floats {
		if flags.Changed(name) {
			v, _ := flags.GetFloat64(name)
			*dst = v
		}
	}
	if flags.Changed("invert") {
		s, _ := flags.GetString("invert")
		m, err := transform.ParseInvertMode(s)
		if err != nil {
			return p, err
		}
		p.InvertMode = m
	}
	return p, nil
}

func settingsFor(p transform.Params) transform.VisualSettings {
	return transform.VisualSettings{
		Contrast:     p.Contrast,
		Brightness:   p.Brightness,
		Gamma:        p.Gamma,
		Saturation:   p.Saturation,
		InvertMode:   p.InvertMode,
		EdgeStrength: p.EdgeStrength,
	}
}

func readPNG(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

func joinPasses(passes []string) string {
	if len(passes) == 0 {
		return "no passes"
	}
	s := passes[0]
	for _, p := range passes[1:] {
		s += " > " + p
	}
	return s
}
