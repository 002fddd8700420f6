package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the repeated -v flag.
const (
	VerbosityUser  = 0 // No flags: warnings, errors and command output
	VerbosityInfo  = 1 // -v: + transfer lifecycle, startup info
	VerbosityDebug = 2 // -vv: + per-chunk progress, retries, SQL migrations
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels
//
//	0 (none) -> WarnLevel
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// LevelName returns a human-readable name for a verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityUser:
		return "User"
	case verbosity == VerbosityInfo:
		return "Info (-v)"
	default:
		return "Debug (-vv)"
	}
}
