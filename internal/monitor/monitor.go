package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/sender"
)

// Classification thresholds on the time since the last successful send
const (
	GoodWithin = 1 * time.Second
	SlowWithin = 5 * time.Second
)

// stopTimeout bounds how long Stop waits for the loop to exit
const stopTimeout = 1 * time.Second

// HealthStatus is the sender-side link classification. The numeric value is
// exported as the connection state gauge.
type HealthStatus int

const (
	Disconnected HealthStatus = iota
	Slow
	Good
)

func (h HealthStatus) String() string {
	switch h {
	case Good:
		return "GOOD"
	case Slow:
		return "SLOW"
	default:
		return "DISCONNECTED"
	}
}

// MarshalText renders the status by name in JSON snapshots
func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Classify derives the health from the last successful send.
// A zero last means nothing was ever sent and classifies as Disconnected.
func Classify(last, now time.Time) HealthStatus {
	if last.IsZero() {
		return Disconnected
	}

	since := now.Sub(last)
	switch {
	case since < GoodWithin:
		return Good
	case since < SlowWithin:
		return Slow
	default:
		return Disconnected
	}
}

// Config contains monitor parameters
type Config struct {
	Interval           time.Duration
	MinPackets         uint64
	ErrorRateThreshold float64
}

// DefaultConfig returns a 5 s period with the error rate check armed after 100 packets at 5%
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		MinPackets:         100,
		ErrorRateThreshold: 0.05,
	}
}

// ConfigFrom converts the YAML monitor section
func ConfigFrom(cfg config.MonitorConfig) Config {
	return Config{
		Interval:           cfg.GetIntervalDuration(),
		MinPackets:         cfg.MinPackets,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
	}
}

// StatsSource supplies sender statistics. ok is false while no sender exists.
type StatsSource interface {
	SenderStats() (stats sender.Stats, ok bool)
}

// Report is the result of one health check
type Report struct {
	Time          time.Time     `json:"time"`
	Health        HealthStatus  `json:"health"`
	HasSender     bool          `json:"has_sender"`
	Active        bool          `json:"active"`
	SinceLastSend time.Duration `json:"since_last_send_ns"`
	ErrorRate     float64       `json:"error_rate"`
	HighErrorRate bool          `json:"high_error_rate"`
	SendsFailing  bool          `json:"sends_failing"`
	Stats         sender.Stats  `json:"stats"`
}

// Reporter receives every report produced by the monitor
type Reporter interface {
	Report(Report)
}

// Evaluate builds a report from one stats snapshot. The error rate is send errors over
// packets sent, checked once more than MinPackets have been sent. A session whose
// every datagram failed has no rate and is flagged as SendsFailing instead.
func Evaluate(cfg Config, stats sender.Stats, ok bool, now time.Time) Report {
	r := Report{
		Time:      now,
		HasSender: ok,
		Active:    ok && stats.Active,
		Health:    Classify(stats.LastSuccessfulSend, now),
		Stats:     stats,
	}
	if !ok {
		r.Health = Disconnected
		return r
	}

	if !stats.LastSuccessfulSend.IsZero() {
		r.SinceLastSend = now.Sub(stats.LastSuccessfulSend)
	}

	if stats.PacketsSent > 0 {
		r.ErrorRate = float64(stats.SendErrors) / float64(stats.PacketsSent)
	}
	r.HighErrorRate = stats.PacketsSent > cfg.MinPackets && r.ErrorRate > cfg.ErrorRateThreshold
	r.SendsFailing = stats.PacketsSent == 0 && stats.SendErrors > 0

	return r
}

// Monitor periodically classifies sender health. It only reads statistics and
// reports; reconnection is left to the caller.
type Monitor struct {
	config   Config
	source   StatsSource
	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor
func New(cfg Config, source StatsSource, reporter Reporter, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	return &Monitor{
		config:   cfg,
		source:   source,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Check evaluates the current statistics without reporting them
func (m *Monitor) Check() Report {
	stats, ok := m.source.SenderStats()
	return Evaluate(m.config, stats, ok, m.now())
}

// Run reports on every tick until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("Connection monitor started", slog.Duration("interval", m.config.Interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Connection monitor stopped")
			return nil
		case <-ticker.C:
			m.reporter.Report(m.Check())
		}
	}
}

// Start runs the monitor in the background. A second Start is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it at most one second
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		m.logger.Warn("Connection monitor did not stop in time", slog.Duration("timeout", stopTimeout))
	}
}
