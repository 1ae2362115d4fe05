// Package logging provides structured logging for Homelink Core.
//
// It wraps log/slog so every record carries the service name and build
// version. Components get a child logger tagged with their name:
//
//	logger := logging.New(cfg.Logging, version)
//	syncLog := logger.Component("sync")
//	syncLog.Info("device activated", "device_id", id)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log secrets, tokens, or broker passwords.
package logging
