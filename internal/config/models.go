package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogPretty   bool   `json:"log_pretty" yaml:"log_pretty"`
	ShadersPath string `json:"shaders_path" yaml:"shaders_path"`

	Capture     CaptureConfig            `json:"capture" yaml:"capture"`
	Display     DisplayConfig            `json:"display" yaml:"display"`
	Overlay     OverlayConfig            `json:"overlay" yaml:"overlay"`
	Visual      transform.VisualSettings `json:"visual" yaml:"visual"`
	Recovery    RecoveryConfig           `json:"recovery" yaml:"recovery"`
	Diagnostics DiagnosticsConfig        `json:"diagnostics" yaml:"diagnostics"`

	// SafeMode starts with every effect off and capture idle.
	SafeMode bool `json:"safe_mode" yaml:"safe_mode"`
}

// CaptureConfig selects the frame source backend
type CaptureConfig struct {
	Backend     string `json:"backend" yaml:"backend"`
	FPS         int    `json:"fps" yaml:"fps"`
	ExcludeSelf bool   `json:"exclude_self" yaml:"exclude_self"`
}

// StaticMonitor describes one monitor for the static display backend
type StaticMonitor struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	X       int    `json:"x" yaml:"x"`
	Y       int    `json:"y" yaml:"y"`
	Width   int    `json:"width" yaml:"width"`
	Height  int    `json:"height" yaml:"height"`
	DPI     int    `json:"dpi" yaml:"dpi"`
	Primary bool   `json:"primary" yaml:"primary"`
}

// DisplayConfig selects how monitors are enumerated
type DisplayConfig struct {
	Backend      string          `json:"backend" yaml:"backend"`
	Monitors     []StaticMonitor `json:"monitors" yaml:"monitors"`
	PollInterval time.Duration   `json:"poll_interval" yaml:"poll_interval"`
}

// OverlayConfig selects the presentation surface
type OverlayConfig struct {
	Backend      string `json:"backend" yaml:"backend"`
	AllowTearing bool   `json:"allow_tearing" yaml:"allow_tearing"`
}

// RecoveryConfig tunes device-loss recovery
type RecoveryConfig struct {
	Pause time.Duration `json:"pause" yaml:"pause"`
}

// DiagnosticsConfig configures the local HTTP API and preview stream
type DiagnosticsConfig struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	Port          int  `json:"port" yaml:"port"`
	PreviewWidth  int  `json:"preview_width" yaml:"preview_width"`
	PreviewHeight int  `json:"preview_height" yaml:"preview_height"`
	PreviewFPS    int  `json:"preview_fps" yaml:"preview_fps"`
}

// Backend names
const (
	CaptureX11        = "x11"
	CaptureScreenshot = "screenshot"
	CapturePortal     = "portal"
	CaptureSynthetic  = "synthetic"

	DisplayRandr      = "randr"
	DisplayScreenshot = "screenshot"
	DisplayStatic     = "static"

	OverlayX11      = "x11"
	OverlayPreview  = "preview"
	OverlayHeadless = "headless"
)

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns ~/.config/claritylayer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "claritylayer", "config.yaml"), nil
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	m.viper = viper.New()
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")
	if err := m.viper.ReadInConfig(); err != nil {
		logger.WithComponent("config").Warn().Err(err).Msg("Viper could not read config")
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("capture", m.config.Capture.Backend).
		Str("overlay", m.config.Overlay.Backend).
		Bool("safe_mode", m.config.SafeMode).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			Backend:     CaptureX11,
			FPS:         30,
			ExcludeSelf: true,
		},
		Display: DisplayConfig{
			Backend:      DisplayRandr,
			Monitors:     []StaticMonitor{},
			PollInterval: 2 * time.Second,
		},
		Overlay: OverlayConfig{
			Backend: OverlayX11,
		},
		Visual: transform.DefaultVisualSettings(),
		Recovery: RecoveryConfig{
			Pause: 100 * time.Millisecond,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:       true,
			Port:          8090,
			PreviewWidth:  960,
			PreviewHeight: 540,
			PreviewFPS:    10,
		},
	}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Display.Monitors == nil {
		cfg.Display.Monitors = []StaticMonitor{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}

	cfg := *m.config
	cfg.Display.Monitors = append([]StaticMonitor{}, m.config.Display.Monitors...)
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// SetVisual replaces the visual section
func (m *Manager) SetVisual(v transform.VisualSettings) error {
	m.mu.Lock()
	m.config.Visual = v
	m.mu.Unlock()
	return m.Save()
}

// GetVisual returns the visual section
func (m *Manager) GetVisual() transform.VisualSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Visual
}

// SetSafeMode sets whether the next start is in safe mode
func (m *Manager) SetSafeMode(on bool) error {
	m.mu.Lock()
	m.config.SafeMode = on
	m.mu.Unlock()
	return m.Save()
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	if _, err := logger.ParseLevel(level); err != nil {
		return err
	}
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// GetViper returns the viper instance reading the same file
func (m *Manager) GetViper() *viper.Viper {
	return m.viper
}
