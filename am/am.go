// Package am holds fetchq's configuration ("I am"): where transfers are
// stored, how many run at once, how the fetcher talks to the network, and
// which logical directories downloads may land in.
package am

import "time"

// Config represents the fetchq configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Network     NetworkConfig     `mapstructure:"network"`
	Server      ServerConfig      `mapstructure:"server"`

	// Directories maps logical directory ids (the destinationDir submit option)
	// to filesystem roots, e.g. downloads = "~/Downloads".
	Directories map[string]string `mapstructure:"directories"`
}

// DatabaseConfig configures the SQLite transfer store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CoordinatorConfig configures the job coordinator
type CoordinatorConfig struct {
	MaxRunning        int  `mapstructure:"max_running"`        // Concurrent transfers; extra jobs stay PENDING (default: 3)
	ResumeInterrupted bool `mapstructure:"resume_interrupted"` // Re-queue PENDING records found at startup (default: true)
}

// FetchConfig configures the HTTP fetcher
type FetchConfig struct {
	ChunkSize            int    `mapstructure:"chunk_size"`             // Bytes per read; cancellation is polled once per chunk
	MaxRetries           int    `mapstructure:"max_retries"`            // Transport retries before a transfer fails (default: 2)
	RetryBackoffMS       int    `mapstructure:"retry_backoff_ms"`       // First retry delay, doubled each attempt
	StallTimeoutSeconds  int    `mapstructure:"stall_timeout_seconds"`  // No bytes for this long aborts the attempt
	HeaderTimeoutSeconds int    `mapstructure:"header_timeout_seconds"` // Time to wait for response headers
	MaxBytesPerSecond    int64  `mapstructure:"max_bytes_per_second"`   // 0 = unlimited
	BlockPrivateNetworks bool   `mapstructure:"block_private_networks"` // Refuse loopback/private destinations (SSRF guard for serve)
	UserAgent            string `mapstructure:"user_agent"`
}

// NetworkConfig configures network class detection
type NetworkConfig struct {
	Class          string            `mapstructure:"class"`            // auto, wifi, mobile or none
	PollIntervalMS int               `mapstructure:"poll_interval_ms"` // Interface polling period for auto detection
	Interfaces     map[string]string `mapstructure:"interfaces"`       // Interface name -> wifi|mobile overrides
}

// ServerConfig configures the HTTP API and event stream
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StallTimeout returns the fetch stall timeout as a duration
func (c FetchConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// HeaderTimeout returns the response header timeout as a duration
func (c FetchConfig) HeaderTimeout() time.Duration {
	return time.Duration(c.HeaderTimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial retry delay as a duration
func (c FetchConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// PollInterval returns the network polling period as a duration
func (c NetworkConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// DefaultServerAddr is where `fetchq serve` listens when server.addr is unset
const DefaultServerAddr = "127.0.0.1:8787"
