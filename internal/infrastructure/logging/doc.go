// Package logging provides structured logging for mqttpub.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the delivery engine.
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
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("mode changed", "from", "hot", "to", "cold")
//
// # Security
//
// Never log broker passwords, the API token or the InfluxDB token.
// Payloads are logged by size only.
package logging
