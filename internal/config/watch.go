package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch re-reads the config file whenever it changes on disk and hands the
// fresh configuration to apply. Invalid edits are logged and ignored so a
// half-saved file never disturbs the running loop. Requires an explicit
// config path; without one there is nothing to watch.
func Watch(path string, logger zerolog.Logger, apply func(*Config)) {
	if path == "" || apply == nil {
		return
	}

	v := newViper(path)
	if err := readConfig(v); err != nil {
		logger.Warn().Err(err).Msg("config watch disabled: initial read failed")
		return
	}

	log := logger.With().Str("component", "config_watch").Logger()

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
			return
		}

		var cfg Config
		if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
			log.Warn().Err(err).Str("file", event.Name).Msg("ignoring config change: unmarshal failed")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Str("file", event.Name).Msg("ignoring config change: validation failed")
			return
		}

		log.Info().Str("file", event.Name).Msg("configuration reloaded")
		apply(&cfg)
	})
	v.WatchConfig()
}
