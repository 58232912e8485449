package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"golang.org/x/time/rate"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
)

// New creates the structured logger described by cfg. The returned closer releases
// the log file when output goes to a file and is a no-op otherwise.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var (
		output io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		writer, err := newRotatingWriter(cfg)
		if err != nil {
			return nil, nil, err
		}
		output = writer
		closer = writer
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closer, nil
}

// ParseLevel maps a configured level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newRotatingWriter opens a time-rotated log file. cfg.Output is the link name that
// always points at the current file.
func newRotatingWriter(cfg config.LoggingConfig) (*rotatelogs.RotateLogs, error) {
	if dir := filepath.Dir(cfg.Output); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	writer, err := rotatelogs.New(
		cfg.Output+".%Y%m%d%H",
		rotatelogs.WithLinkName(cfg.Output),
		rotatelogs.WithRotationTime(cfg.GetRotationDuration()),
		rotatelogs.WithMaxAge(cfg.GetMaxAgeDuration()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
	}

	return writer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Limiter throttles repetitive log lines, such as one warning per lost packet.
// Calls that are refused are counted and reported with the next allowed line.
type Limiter struct {
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimiter allows burst lines immediately and then one line per interval
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Allow reports whether a line may be emitted now and how many were suppressed since the last one
func (l *Limiter) Allow() (bool, uint64) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false, 0
	}
	return true, l.suppressed.Swap(0)
}
