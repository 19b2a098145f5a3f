package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/ClarityLayer/internal/api"
	"github.com/bryanchriswhite/ClarityLayer/internal/capture"
	"github.com/bryanchriswhite/ClarityLayer/internal/compositor"
	"github.com/bryanchriswhite/ClarityLayer/internal/config"
	"github.com/bryanchriswhite/ClarityLayer/internal/controller"
	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/bryanchriswhite/ClarityLayer/internal/output"
	"github.com/bryanchriswhite/ClarityLayer/internal/power"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enhancement overlay",
	Long: `Start capture, the transform pipeline and the overlay.

Enhancement starts according to visual.enabled in the config file. SIGUSR1
turns every effect off at once; SIGUSR2 turns enhancement back on.`,
	Example: `  # Run with the config file settings
  clarity serve

  # Start with every effect off
  clarity serve --safe-mode

  # Watch the overlay in a browser instead of on screen
  clarity serve --overlay preview --port 8090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("safe-mode", false, "start with enhancement forced off")
	serveCmd.Flags().Int("port", 0, "diagnostics port (default from config)")
	serveCmd.Flags().String("capture", "", "capture backend (x11, screenshot, portal, synthetic)")
	serveCmd.Flags().String("overlay", "", "overlay backend (x11, preview, headless)")

	viper.BindPFlag("safe_mode", serveCmd.Flags().Lookup("safe-mode"))
	viper.BindPFlag("diagnostics.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("capture.backend", serveCmd.Flags().Lookup("capture"))
	viper.BindPFlag("overlay.backend", serveCmd.Flags().Lookup("overlay"))
}

// applyOverrides layers flags over the loaded file for this run only.
func applyOverrides(cfg *config.Config) error {
	if viper.GetBool("safe_mode") {
		cfg.SafeMode = true
	}
	if port := viper.GetInt("diagnostics.port"); port > 0 {
		cfg.Diagnostics.Port = port
	}
	if b := viper.GetString("capture.backend"); b != "" {
		cfg.Capture.Backend = b
	}
	if b := viper.GetString("overlay.backend"); b != "" {
		cfg.Overlay.Backend = b
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("main")

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.Get()
	if err := applyOverrides(cfg); err != nil {
		return err
	}
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() { cleanup.run() }()

	excluded := display.NewExclusionSet()
	monitors, err := buildEnumerator(cfg, &cleanup)
	if err != nil {
		return err
	}
	backend, err := buildCapture(cfg, excluded, configMgr.GetConfigDir(), &cleanup)
	if err != nil {
		return err
	}
	surface, err := buildSurface(cfg, excluded)
	if err != nil {
		return err
	}

	var preview *output.MJPEGOutput
	var outputs []output.Output
	if cfg.Diagnostics.Enabled {
		preview = output.NewMJPEGOutput(output.Config{
			Width:  cfg.Diagnostics.PreviewWidth,
			Height: cfg.Diagnostics.PreviewHeight,
			FPS:    cfg.Diagnostics.PreviewFPS,
		})
		outputs = append(outputs, preview)
	} else if cfg.Overlay.Backend == config.OverlayPreview {
		log.Warn().Msg("Preview overlay selected with diagnostics disabled, nothing will be visible")
	}
	mirrors, err := startOutputs(outputs, &cleanup)
	if err != nil {
		return err
	}

	dev := gpu.NewDevice(gpu.NewSoftwareAdapter(cfg.Overlay.AllowTearing))
	comp := compositor.New(surface, compositor.Options{
		RecoveryPause: cfg.Recovery.Pause,
		AllowTearing:  cfg.Overlay.AllowTearing,
		Mirrors:       mirrors,
	})
	source := capture.NewFrameSource(backend, monitors, capture.Options{
		FPS:            cfg.Capture.FPS,
		ExcludeOverlay: overlayOnScreen(cfg),
	})
	engine := transform.NewEngine()
	ctrl := controller.New(dev, source, engine, comp, monitors, controller.Options{
		Shaders:  shaderFS(cfg),
		SafeMode: cfg.SafeMode,
	})

	if err := ctrl.Initialize(); err != nil {
		comp.Destroy()
		dev.Release()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer ctrl.Shutdown()

	if preview != nil {
		preview.SetStatus(func() []string { return statusLines(ctrl.Status()) })
	}

	if err := ctrl.ApplyProfile(cfg.Visual); err != nil {
		log.Warn().Err(err).Msg("Initial profile could not enable enhancement")
	}

	configMgr.Watch(func(next *config.Config) {
		if err := ctrl.ApplyProfile(next.Visual); err != nil {
			log.Warn().Err(err).Msg("Reloaded profile could not be applied")
		}
	})

	baseline := ctrl.Monitors()
	go display.Watch(ctx, monitors, baseline, cfg.Display.PollInterval, func(ch display.Change) {
		if ch.Layout {
			ctrl.OnDisplayChange(ch.Monitors)
		}
		if ch.DPI {
			ctrl.OnDpiChange(ch.PrimaryDPI)
		}
	})
	go power.Watch(ctx, ctrl.OnSystemResume)

	if cfg.Diagnostics.Enabled {
		server := api.NewServer(ctrl, configMgr, preview)
		go func() {
			if err := server.Start(ctx, cfg.Diagnostics.Port); err != nil {
				log.Error().Err(err).Msg("API server stopped")
			}
		}()
	}

	toggles := make(chan os.Signal, 1)
	signal.Notify(toggles, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(toggles)

	log.Info().
		Str("capture", backend.Name()).
		Str("display", monitors.Name()).
		Str("overlay", cfg.Overlay.Backend).
		Bool("safe_mode", cfg.SafeMode).
		Msg("Clarity Layer is running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down gracefully")
			return nil
		case sig := <-toggles:
			if sig == syscall.SIGUSR1 {
				ctrl.DisableAllEffects()
				continue
			}
			if err := ctrl.Enable(true); err != nil {
				log.Warn().Err(err).Msg("Enable refused")
			}
		}
	}
}

// startOutputs starts each output and returns them as compositor mirrors.
func startOutputs(outputs []output.Output, cleanup *closers) ([]gpu.Presenter, error) {
	mirrors := make([]gpu.Presenter, 0, len(outputs))
	for _, o := range outputs {
		if err := o.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", o.Name(), err)
		}
		cleanup.add(func() {
			if err := o.Stop(); err != nil {
				logger.WithComponent("main").Warn().Err(err).Str("output", o.Name()).Msg("Output stop failed")
			}
		})
		mirrors = append(mirrors, o)
	}
	return mirrors, nil
}

func statusLines(st controller.Status) []string {
	state := "off"
	if st.Enabled {
		state = "on"
	}
	if st.SafeMode {
		state = "safe mode"
	}
	return []string{
		fmt.Sprintf("enhance %s  %s", state, st.Compositor),
		fmt.Sprintf("gen %d  frames %d  dropped %d", st.Generation, st.FramesRendered, st.FramesDropped),
		fmt.Sprintf("invert %s  contrast %.2f", st.Params.InvertMode, st.Params.Contrast),
	}
}
