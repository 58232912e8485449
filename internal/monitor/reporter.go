package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
)

// stallWarning is the time without a successful send after which an active session is flagged
const stallWarning = 10 * time.Second

// LogReporter logs health transitions and warnings, updates the health gauge and
// keeps the last report for the status endpoint
type LogReporter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	last Report
	has  bool
}

// NewLogReporter creates a reporter. m may be nil.
func NewLogReporter(logger *slog.Logger, m *metrics.Metrics) *LogReporter {
	return &LogReporter{logger: logger, metrics: m}
}

// Report implements Reporter
func (r *LogReporter) Report(rep Report) {
	r.mu.Lock()
	prev, hadPrev := r.last, r.has
	r.last, r.has = rep, true
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetConnectionState(int(rep.Health))
	}

	if !hadPrev || prev.Health != rep.Health || prev.HasSender != rep.HasSender {
		r.logTransition(prev, hadPrev, rep)
	}

	if rep.Active && rep.SinceLastSend > stallWarning {
		r.logger.Warn("No successful send",
			slog.Duration("since_last_send", rep.SinceLastSend.Round(time.Second)),
			slog.String("target", rep.Stats.Target),
		)
	}

	if rep.HighErrorRate {
		r.logger.Warn("High error rate",
			slog.String("error_rate", fmt.Sprintf("%.1f%%", rep.ErrorRate*100)),
			slog.Uint64("send_errors", rep.Stats.SendErrors),
			slog.Uint64("packets_sent", rep.Stats.PacketsSent),
		)
	}

	if rep.SendsFailing {
		r.logger.Warn("Every send has failed",
			slog.Uint64("send_errors", rep.Stats.SendErrors),
			slog.String("target", rep.Stats.Target),
		)
	}
}

func (r *LogReporter) logTransition(prev Report, hadPrev bool, rep Report) {
	from := "NONE"
	if hadPrev {
		from = prev.Health.String()
	}

	attrs := []any{
		slog.String("from", from),
		slog.String("to", rep.Health.String()),
		slog.String("target", rep.Stats.Target),
	}

	switch {
	case !rep.HasSender:
		r.logger.Info("Connection health: no active sender", attrs...)
	case rep.Health == Good:
		r.logger.Info("Connection health changed", attrs...)
	default:
		r.logger.Warn("Connection health changed", attrs...)
	}
}

// Last returns the most recent report and whether there is one
func (r *LogReporter) Last() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.has
}
