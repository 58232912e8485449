// Package logging builds the slog logger from configuration and provides a limiter
// for log lines that could otherwise fire once per packet.
package logging
