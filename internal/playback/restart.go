package playback

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
)

// RestartConfig tunes the restart breaker
type RestartConfig struct {
	// MaxConsecutiveFailures of restart-and-retry trips the breaker
	MaxConsecutiveFailures uint32

	// Cooldown is how long the breaker stays open before one restart is tried again
	Cooldown time.Duration
}

// DefaultRestartConfig trips after 3 failed restarts and retries after 5 seconds
var DefaultRestartConfig = RestartConfig{MaxConsecutiveFailures: 3, Cooldown: 5 * time.Second}

// RestartingSink wraps a sink so that a failed write triggers one restart of the
// underlying sink and one retry of the same write. While the breaker is open,
// failed writes are reported without spawning a new playback line.
type RestartingSink struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	breaker *gobreaker.CircuitBreaker

	restarts atomic.Uint64
	failures atomic.Uint64
}

// NewRestartingSink wraps sink. m may be nil.
func NewRestartingSink(sink Sink, cfg RestartConfig, logger *slog.Logger, m *metrics.Metrics) *RestartingSink {
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = DefaultRestartConfig.MaxConsecutiveFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultRestartConfig.Cooldown
	}

	r := &RestartingSink{sink: sink, logger: logger, metrics: m}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Playback restart breaker changed state",
				slog.String("sink", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return r
}

// Name returns the wrapped sink name
func (r *RestartingSink) Name() string {
	return r.sink.Name()
}

// Open opens the wrapped sink
func (r *RestartingSink) Open() error {
	return r.sink.Open()
}

// Close closes the wrapped sink
func (r *RestartingSink) Close() error {
	return r.sink.Close()
}

// Write writes pcm. On failure the sink is restarted once and the write retried once;
// if that fails too the error wraps ErrSinkWriteFailure.
func (r *RestartingSink) Write(pcm []byte) error {
	err := r.sink.Write(pcm)
	if err == nil {
		return nil
	}

	r.logger.Debug("Playback write failed, restarting sink",
		slog.String("sink", r.sink.Name()),
		slog.String("error", err.Error()),
	)

	_, rerr := r.breaker.Execute(func() (interface{}, error) {
		r.restarts.Add(1)
		if r.metrics != nil {
			r.metrics.RecordSinkRestart()
		}

		if cerr := r.sink.Close(); cerr != nil {
			r.logger.Debug("Error closing sink before restart", slog.String("error", cerr.Error()))
		}
		if oerr := r.sink.Open(); oerr != nil {
			return nil, oerr
		}
		return nil, r.sink.Write(pcm)
	})
	if rerr != nil {
		r.failures.Add(1)
		if r.metrics != nil {
			r.metrics.RecordSinkError()
		}
		return fmt.Errorf("%w: %s: %v", ErrSinkWriteFailure, r.sink.Name(), rerr)
	}

	r.logger.Info("Playback sink restarted", slog.String("sink", r.sink.Name()))
	return nil
}

// Restarts returns the number of restart attempts
func (r *RestartingSink) Restarts() uint64 {
	return r.restarts.Load()
}

// Failures returns the number of writes that failed after restart
func (r *RestartingSink) Failures() uint64 {
	return r.failures.Load()
}

// State returns the breaker state, e.g. "closed" or "open"
func (r *RestartingSink) State() string {
	return r.breaker.State().String()
}
