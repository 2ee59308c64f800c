// Package logging configures the process-wide slog logger.
//
// All log output goes to stderr: stdout carries the MCP JSON-RPC stream and
// must never receive anything else. The level is read from the
// STARLARK_MCP_LOG environment variable (debug, info, warn, error),
// defaulting to info.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable that controls the log level.
const EnvVar = "STARLARK_MCP_LOG"

// Setup installs a stderr text handler as the default slog logger and
// returns it. Safe to call more than once; the last call wins.
func Setup() *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv(EnvVar)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
