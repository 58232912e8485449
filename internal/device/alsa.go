package device

import (
	"context"
	"io"
	"strconv"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
)

// ALSA drives the default sound card through arecord and aplay
type ALSA struct {
	runner Runner
}

// NewALSA returns an ALSA client using runner
func NewALSA(runner Runner) *ALSA {
	return &ALSA{runner: runner}
}

// OpenCapture records raw PCM from device
func (a *ALSA) OpenCapture(ctx context.Context, device string, f audio.Format) (io.ReadCloser, error) {
	return a.runner.StartCapture(ctx, "arecord", alsaArgs(device, f)...)
}

// OpenPlayback plays raw PCM on device
func (a *ALSA) OpenPlayback(ctx context.Context, device string, f audio.Format) (io.WriteCloser, error) {
	return a.runner.StartPlayback(ctx, "aplay", alsaArgs(device, f)...)
}

func alsaArgs(device string, f audio.Format) []string {
	if device == "" {
		device = "default"
	}
	return []string{
		"-q",
		"-t", "raw",
		"-D", device,
		"-f", "S" + strconv.Itoa(f.BitDepth) + "_LE",
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
	}
}
