// Package logging provides structured logging for the gateway service.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same default fields and level filtering.
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
//	gw := logger.Component("gateway").With("gateway_id", id)
//	gw.Info("connected", "protocol_version", "2.0")
//
// Never log gateway API keys or lock key material. Log a key fingerprint
// or the command's idempotency key instead.
package logging
