package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
	"github.com/lydbydissing/rew-network-bridge/internal/sender"
	"github.com/lydbydissing/rew-network-bridge/internal/source"
)

var (
	// ErrNoTarget is returned by Reconnect before any Connect
	ErrNoTarget = errors.New("no target configured")

	// ErrSourceEnded is returned by Run when the capture source stops producing frames
	ErrSourceEnded = errors.New("audio source ended")
)

// Config contains the per-session sender parameters
type Config struct {
	Format      audio.Format
	MaxPayload  int
	PayloadType uint8

	// Listen is passed to every sender; nil selects an ephemeral UDP socket
	Listen sender.ListenFunc
}

// Stats contains pipeline counters
type Stats struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesStreamed uint64 `json:"frames_streamed"`
	FramesSkipped  uint64 `json:"frames_skipped"`
	TransmitErrors uint64 `json:"transmit_errors"`
	Connected      bool   `json:"connected"`
	Target         string `json:"target"`
}

// Pipeline moves frames from the capture source to the active sender session.
// Each Connect creates a new Sender; a sender is never reused across targets.
type Pipeline struct {
	source  source.Source
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	sender *sender.Sender
	host   string
	port   int

	framesReceived atomic.Uint64
	framesStreamed atomic.Uint64
	framesSkipped  atomic.Uint64
	transmitErrors atomic.Uint64
}

// New creates a pipeline for src. m may be nil.
func New(src source.Source, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		source:  src,
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// Connect starts streaming to host:port with a brand-new sender. An active session
// to another target is stopped first.
func (p *Pipeline) Connect(host string, port int) error {
	if host == "" {
		return fmt.Errorf("target host cannot be empty")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("target port must be between 1 and 65535, got %d", port)
	}

	s, err := sender.New(sender.Config{
		Target:      net.JoinHostPort(host, strconv.Itoa(port)),
		Format:      p.config.Format,
		MaxPayload:  p.config.MaxPayload,
		PayloadType: p.config.PayloadType,
		Listen:      p.config.Listen,
	}, p.logger, p.metrics)
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender != nil {
		if err := p.sender.Close(); err != nil {
			p.logger.Warn("Error stopping previous session", slog.String("error", err.Error()))
		}
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start streaming to %s: %w", s.Target(), err)
	}

	p.sender = s
	p.host = host
	p.port = port
	return nil
}

// Disconnect stops the active session. Its statistics stay readable.
func (p *Pipeline) Disconnect() error {
	p.mu.RLock()
	s := p.sender
	p.mu.RUnlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

// Reconnect starts a new session to the last target
func (p *Pipeline) Reconnect() error {
	p.mu.RLock()
	host, port := p.host, p.port
	p.mu.RUnlock()

	if host == "" {
		return ErrNoTarget
	}

	p.logger.Info("Reconnecting", slog.String("target", net.JoinHostPort(host, strconv.Itoa(port))))
	return p.Connect(host, port)
}

// Connected reports whether a session is streaming
func (p *Pipeline) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sender != nil && p.sender.Active()
}

// SenderStats returns the statistics of the current or last session.
// ok is false before the first Connect.
func (p *Pipeline) SenderStats() (sender.Stats, bool) {
	p.mu.RLock()
	s := p.sender
	p.mu.RUnlock()

	if s == nil {
		return sender.Stats{}, false
	}
	return s.Stats(), true
}

// Stats returns the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	s := p.sender
	p.mu.RUnlock()

	stats := Stats{
		FramesReceived: p.framesReceived.Load(),
		FramesStreamed: p.framesStreamed.Load(),
		FramesSkipped:  p.framesSkipped.Load(),
		TransmitErrors: p.transmitErrors.Load(),
	}
	if s != nil {
		stats.Connected = s.Active()
		stats.Target = s.Target()
	}
	return stats
}

// Run forwards frames until ctx is cancelled or the source closes its frame channel.
// Sending happens on this goroutine; while a send blocks, the source queue absorbs
// new frames and drops them when full.
func (p *Pipeline) Run(ctx context.Context) error {
	frames := p.source.Frames()

	p.logger.Info("Audio pipeline running",
		slog.String("source", p.source.Name()),
		slog.String("format", p.source.Format().String()),
	)

	for {
		select {
		case <-ctx.Done():
			p.logStopped()
			return nil
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					p.logStopped()
					return nil
				}
				return ErrSourceEnded
			}
			p.forward(frame)
		}
	}
}

func (p *Pipeline) forward(frame audio.Frame) {
	p.framesReceived.Add(1)

	p.mu.RLock()
	s := p.sender
	p.mu.RUnlock()

	if s == nil {
		p.framesSkipped.Add(1)
		return
	}

	err := s.Send(frame.Data)
	switch {
	case err == nil:
		p.framesStreamed.Add(1)
	case errors.Is(err, sender.ErrNotStreaming):
		p.framesSkipped.Add(1)
	default:
		// the sender logs transmit failures itself
		p.transmitErrors.Add(1)
	}
}

func (p *Pipeline) logStopped() {
	stats := p.Stats()
	p.logger.Info("Audio pipeline stopped",
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_streamed", stats.FramesStreamed),
		slog.Uint64("frames_skipped", stats.FramesSkipped),
		slog.Uint64("transmit_errors", stats.TransmitErrors),
	)
}
