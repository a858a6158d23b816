package app

import (
	"commentwatch/internal/config"
	"commentwatch/internal/state"
)

// mapStorageConfig turns the validated storage section into a state.Config.
func mapStorageConfig(cfg *config.Config) state.Config {
	sc := cfg.Storage
	return state.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: cfg.Durations().BusyTimeout,
	}
}
