// Package logging provides structured logging for the Aroma-Link core.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("push connected", "devices", 3)
//	logger.Error("directory refresh failed", "error", err)
//
// # Security
//
// Never log the account password or the access/refresh tokens.
// Use TokenAttr when a token needs to be traced; attributes named
// password, token, access_token, refresh_token or authorization are
// redacted by the handler.
package logging
