package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.path", "batchpub.db")

	// Server defaults
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_sessions", 0) // unlimited
	v.SetDefault("server.send_buffer", 256)

	// Feed defaults
	v.SetDefault("feed.poll_interval_ms", 10000) // full re-poll every 10s
	v.SetDefault("feed.poll_throttle_ms", 50)    // coalesce write bursts

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "batchpub")
	v.SetDefault("metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
