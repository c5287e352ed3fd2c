// Package logging configures joinflow's structured logging.
//
// The package builds slog handlers based on configuration and can emit logs
// to multiple sinks:
//   - Console (text or human-friendly pretty output)
//   - File (JSON)
//   - Telegram (via kit.Adapter) with rate limiting and minimum level
//
// Telegram logging is intended for concise operator visibility. It should be
// configured with a min_level of WARN or higher to avoid excessive noise;
// the target chat is the configured admin chat.
package logging
