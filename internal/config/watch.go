package config

import (
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file whenever it changes on disk and hands the new
// configuration to fn. Edits that fail to parse or validate are logged and
// ignored; the previous configuration stays in effect.
func (m *Manager) Watch(fn func(*Config)) {
	log := logger.WithComponent("config")

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.load(); err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		if fn != nil {
			fn(m.Get())
		}
	})
	m.viper.WatchConfig()
}
