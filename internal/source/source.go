package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/device"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
)

var (
	// ErrAudioBackendUnavailable is returned by a source whose platform backend cannot be set up
	ErrAudioBackendUnavailable = errors.New("audio backend unavailable")

	// ErrAudioInitializationFailed is returned by Select when every candidate failed
	ErrAudioInitializationFailed = errors.New("audio initialization failed")

	// ErrAlreadyStarted is returned when Start is called on a source a second time
	ErrAlreadyStarted = errors.New("source already started")
)

// Kind identifies a capture strategy
type Kind int

const (
	KindVirtualDevice Kind = iota
	KindDirectCapture
)

func (k Kind) String() string {
	switch k {
	case KindVirtualDevice:
		return "virtual-device"
	case KindDirectCapture:
		return "direct-capture"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stats contains capture counters
type Stats struct {
	Kind           string    `json:"kind"`
	Running        bool      `json:"running"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesDropped  uint64    `json:"frames_dropped"`
	BytesCaptured  uint64    `json:"bytes_captured"`
	Level          float64   `json:"level"`
	FirstAudio     time.Time `json:"first_audio"`
}

// Source produces captured PCM frames. A source is started once; its Frames channel
// is closed when capture ends.
type Source interface {
	Name() string
	Kind() Kind
	Description() string
	Format() audio.Format
	Start(ctx context.Context) error
	Frames() <-chan audio.Frame
	Level() float64
	Stats() Stats
	Stop() error
}

// Options are shared by every capture strategy
type Options struct {
	Format      audio.Format
	BufferSize  int
	QueueSize   int
	StopTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// OptionsFrom builds capture options from the configuration. m may be nil.
func OptionsFrom(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) Options {
	return Options{
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			BitDepth:   cfg.Audio.BitDepth,
			Channels:   cfg.Audio.Channels,
		},
		BufferSize:  cfg.Audio.BufferSize,
		QueueSize:   cfg.Audio.QueueSize,
		StopTimeout: cfg.Source.GetStopTimeoutDuration(),
		Logger:      logger,
		Metrics:     m,
	}
}

// Candidates returns the sources to try for the configured mode, in order
func Candidates(cfg *config.Config, runner device.Runner, opts Options) []Source {
	virtual := func() Source { return NewVirtualDeviceSource(device.NewPulse(runner), cfg.Source, opts) }
	direct := func() Source { return NewDirectCaptureSource(device.NewALSA(runner), cfg.Source, opts) }

	switch cfg.Source.Mode {
	case config.SourceModeVirtual:
		return []Source{virtual()}
	case config.SourceModeDirect:
		return []Source{direct()}
	default:
		return []Source{virtual(), direct()}
	}
}

// Selection is the source chosen by Select
type Selection struct {
	Kind   Kind
	Source Source
}

// Select starts each candidate in order and returns the first that starts.
// Every candidate gets exactly one attempt. When all fail the error wraps
// ErrAudioInitializationFailed and each cause.
func Select(ctx context.Context, logger *slog.Logger, candidates ...Source) (Selection, error) {
	var causes []error

	for _, c := range candidates {
		logger.Info("Trying audio source", slog.String("source", c.Name()), slog.String("kind", c.Kind().String()))

		err := c.Start(ctx)
		if err == nil {
			logger.Info("Audio source selected",
				slog.String("source", c.Name()),
				slog.String("kind", c.Kind().String()),
				slog.String("description", c.Description()),
			)
			return Selection{Kind: c.Kind(), Source: c}, nil
		}

		causes = append(causes, fmt.Errorf("%s: %w", c.Name(), err))
		logger.Warn("Audio source failed, trying next",
			slog.String("source", c.Name()),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			break
		}
	}

	if len(causes) == 0 {
		return Selection{}, fmt.Errorf("%w: no candidates", ErrAudioInitializationFailed)
	}
	return Selection{}, fmt.Errorf("%w: %w", ErrAudioInitializationFailed, errors.Join(causes...))
}
