package am

import (
	"strings"

	"github.com/teranos/fetchq/errors"
)

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	// At least one transfer must be able to run, otherwise every job stays PENDING forever
	if c.Coordinator.MaxRunning < 1 {
		return errors.Newf("coordinator.max_running must be >= 1, got %d", c.Coordinator.MaxRunning)
	}

	if c.Fetch.ChunkSize <= 0 {
		return errors.Newf("fetch.chunk_size must be > 0, got %d", c.Fetch.ChunkSize)
	}
	if c.Fetch.MaxRetries < 0 {
		return errors.Newf("fetch.max_retries must be >= 0, got %d", c.Fetch.MaxRetries)
	}
	if c.Fetch.RetryBackoffMS < 0 {
		return errors.Newf("fetch.retry_backoff_ms must be >= 0, got %d", c.Fetch.RetryBackoffMS)
	}
	if c.Fetch.StallTimeoutSeconds < 0 {
		return errors.Newf("fetch.stall_timeout_seconds must be >= 0 (0 disables), got %d", c.Fetch.StallTimeoutSeconds)
	}
	if c.Fetch.HeaderTimeoutSeconds < 0 {
		return errors.Newf("fetch.header_timeout_seconds must be >= 0 (0 disables), got %d", c.Fetch.HeaderTimeoutSeconds)
	}
	if c.Fetch.MaxBytesPerSecond < 0 {
		return errors.Newf("fetch.max_bytes_per_second must be >= 0 (0 = unlimited), got %d", c.Fetch.MaxBytesPerSecond)
	}

	switch strings.ToLower(c.Network.Class) {
	case "", "auto", "wifi", "mobile", "none":
	default:
		err := errors.Newf("network.class %q is not recognized", c.Network.Class)
		return errors.WithHint(err, "use one of: auto, wifi, mobile, none")
	}
	if strings.EqualFold(c.Network.Class, "auto") && c.Network.PollIntervalMS <= 0 {
		return errors.Newf("network.poll_interval_ms must be > 0 when network.class is auto, got %d", c.Network.PollIntervalMS)
	}
	for name, class := range c.Network.Interfaces {
		switch strings.ToLower(class) {
		case "wifi", "mobile":
		default:
			return errors.Newf("network.interfaces.%s must be wifi or mobile, got %q", name, class)
		}
	}

	return nil
}
