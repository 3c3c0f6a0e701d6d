// Package logging configures the zerolog baseline both binaries start
// from and adds the request-scoped field helpers the offline core's
// collaborators attach to their own log lines: device_id on the sync
// protocol's cycle lines, wallet_id on wallet-specific failure lines,
// batch_id on a sync cycle's upload/result lines.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config mirrors the one knob each binary's entrypoint actually has:
// ENVIRONMENT and a fixed per-process service name. Level defaults to
// info outside production debugging.
type Config struct {
	Level       string
	Environment string
	ServiceName string
}

// Init returns the process-wide base logger: pretty console output in
// development (so `go run ./cmd/offline-device` is readable without a
// log pipeline), JSON in production/staging. Every subsequent call site
// derives its own logger from this one with .With() rather than
// mutating package state.
func Init(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var out zerolog.Logger
	if cfg.Environment == "production" || cfg.Environment == "staging" {
		out = zerolog.New(os.Stderr)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	return out.With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithDevice scopes l to a single device identifier (hex(sha256(deviceSecret))[0:16]),
// used by Protocol.SyncOnce for every sync-cycle line.
func WithDevice(l zerolog.Logger, deviceID string) zerolog.Logger {
	return l.With().Str("device_id", deviceID).Logger()
}

// WithWallet scopes l to a wallet, used by reconciliation.Service when
// loading a transaction's wallet fails and by Protocol.SyncOnce when
// refreshing a wallet's cached balance fails.
func WithWallet(l zerolog.Logger, walletID string) zerolog.Logger {
	return l.With().Str("wallet_id", walletID).Logger()
}

// WithBatch scopes l to one sync-upload cycle, used by Protocol.SyncOnce
// so every line from a single batch (upload, per-entry outcome, final
// summary) can be correlated even when cycles overlap in the log stream.
func WithBatch(l zerolog.Logger, batchID string) zerolog.Logger {
	return l.With().Str("batch_id", batchID).Logger()
}
