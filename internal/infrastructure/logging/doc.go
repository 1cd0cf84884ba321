// Package logging provides structured logging for the device server.
//
// It wraps log/slog: JSON output in production, text for development,
// default service and version fields on every record, and level filtering.
//
// The command line trace verbosity (0..5) is translated with LevelForTrace.
// SetTrace changes it while the server runs, for a logger and everything
// derived from it with With.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger = logger.With("server", cfg.ServerName())
//	logger.Info("device exported", "device", "motor/1")
package logging
