package am

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "fetchq.db")

	v.SetDefault("coordinator.max_running", 3)
	v.SetDefault("coordinator.resume_interrupted", true)

	v.SetDefault("fetch.chunk_size", 32*1024)        // 32 KiB between cancellation checks
	v.SetDefault("fetch.max_retries", 2)             // Retries after the first attempt
	v.SetDefault("fetch.retry_backoff_ms", 500)      // 0.5s, 1s, 2s...
	v.SetDefault("fetch.stall_timeout_seconds", 60)  // Abort an attempt after a minute without bytes
	v.SetDefault("fetch.header_timeout_seconds", 30) // Waiting for response headers
	v.SetDefault("fetch.max_bytes_per_second", 0)    // Unlimited
	v.SetDefault("fetch.block_private_networks", false)
	v.SetDefault("fetch.user_agent", "fetchq/1")

	v.SetDefault("network.class", "auto")
	v.SetDefault("network.poll_interval_ms", 2000)

	v.SetDefault("directories.downloads", defaultDownloadsDir())

	v.SetDefault("server.addr", DefaultServerAddr)
}

// defaultDownloadsDir mirrors the platform "Downloads" folder, falling back to
// the working directory when no home directory is known.
func defaultDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "downloads"
	}
	return filepath.Join(home, "Downloads")
}
