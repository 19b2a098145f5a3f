package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/ClarityLayer/internal/config"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "clarity",
		Short: "Clarity Layer - real-time visual enhancement overlay",
		Long: `Clarity Layer captures every monitor, applies contrast, brightness, gamma,
saturation, inversion and edge enhancement on the graphics pipeline, and
presents the result in a click-through overlay above the desktop.

Features:
  • Per-monitor capture (X11, screenshot, xdg-desktop-portal)
  • Ordered transform passes with a per-frame parameter snapshot
  • Transparent always-on-top overlay excluded from capture
  • Device-loss recovery without restarting
  • Local diagnostics API and MJPEG preview`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging()
		},
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/claritylayer/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable console logs")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("CLARITY")
	viper.AutomaticEnv()
}

// initLogging applies flag overrides over the config file's log settings.
// A config file that fails to load leaves the defaults in place; the command
// itself reports that error.
func initLogging() error {
	level, pretty := "info", false
	if cfg, err := loadConfig(); err == nil {
		level, pretty = cfg.LogLevel, cfg.LogPretty
	}
	if l := viper.GetString("log_level"); l != "" {
		level = l
	}
	if viper.GetBool("log_pretty") {
		pretty = true
	}
	if _, err := logger.ParseLevel(level); err != nil {
		return err
	}
	logger.Init(level, pretty)
	return nil
}

// loadConfig parses the config file without creating it.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config.Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return config.Parse(data)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
