// Package sym defines the markers used in fetchq's CLI output and log lines.
// They are stable so that log filters and docs can rely on them.
package sym

const (
	Pulse      = "꩜" // coordinator loop, transfers in flight
	PulseOpen  = "✿" // startup and recovery of interrupted transfers
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // transfer store
	Net        = "⇅" // network class changes
)

// StatusMarkers maps a transfer status name to the marker shown next to it in
// `fetchq status` output.
var StatusMarkers = map[string]string{
	"PENDING":   "…",
	"RUNNING":   Pulse,
	"PAUSED":    "⏸",
	"SUCCEEDED": "✓",
	"FAILED":    "✗",
}

// ForStatus returns the marker for a status, or a blank when none is defined.
func ForStatus(status string) string {
	if m, ok := StatusMarkers[status]; ok {
		return m
	}
	return " "
}
