package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/device"
)

// DirectCaptureSource captures the default ALSA input. It also holds the default
// playback line open while running. It does not see application output, so it is
// only a fallback.
type DirectCaptureSource struct {
	*capture

	alsa           *device.ALSA
	captureDevice  string
	playbackDevice string

	playback io.WriteCloser
}

// NewDirectCaptureSource creates a direct capture source
func NewDirectCaptureSource(alsa *device.ALSA, cfg config.SourceConfig, opts Options) *DirectCaptureSource {
	return &DirectCaptureSource{
		capture:        newCapture(KindDirectCapture, opts),
		alsa:           alsa,
		captureDevice:  cfg.CaptureDevice,
		playbackDevice: cfg.PlaybackDevice,
	}
}

func (d *DirectCaptureSource) Name() string { return "alsa:" + d.captureDevice }

func (d *DirectCaptureSource) Kind() Kind { return KindDirectCapture }

func (d *DirectCaptureSource) Description() string {
	return fmt.Sprintf("direct capture from %s (%s)", d.captureDevice, d.opts.Format)
}

// Start opens the playback line, then the capture line. If either fails the
// other is closed and the error wraps ErrAudioBackendUnavailable.
func (d *DirectCaptureSource) Start(ctx context.Context) error {
	if err := d.claim(); err != nil {
		return err
	}

	playback, err := d.alsa.OpenPlayback(ctx, d.playbackDevice, d.opts.Format)
	if err != nil {
		return fmt.Errorf("%w: playback line: %v", ErrAudioBackendUnavailable, err)
	}

	line, err := d.alsa.OpenCapture(ctx, d.captureDevice, d.opts.Format)
	if err != nil {
		playback.Close()
		return fmt.Errorf("%w: capture line: %v", ErrAudioBackendUnavailable, err)
	}
	d.playback = playback

	d.run(ctx, line)

	d.logger.Warn("DIRECT CAPTURE ACTIVE: recording the default input device, not application output. "+
		"Route the measurement signal to this input or install PulseAudio for the virtual device",
		slog.String("capture_device", d.captureDevice),
		slog.String("playback_device", d.playbackDevice),
	)
	return nil
}

// Stop ends capture and closes both lines
func (d *DirectCaptureSource) Stop() error {
	d.stop()

	if d.playback != nil {
		if err := d.playback.Close(); err != nil {
			d.logger.Debug("Error closing playback line", slog.String("error", err.Error()))
		}
		d.playback = nil
	}
	return nil
}
