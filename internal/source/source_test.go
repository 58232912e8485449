package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/device"
	"github.com/lydbydissing/rew-network-bridge/internal/device/devicetest"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
)

const sinkName = "REW_Network_Bridge"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testOptions(bufferSize, queueSize int) Options {
	return Options{
		Format:      audio.DefaultFormat,
		BufferSize:  bufferSize,
		QueueSize:   queueSize,
		StopTimeout: time.Second,
		Logger:      testLogger(),
	}
}

func pulseRunner() *devicetest.Runner {
	r := devicetest.NewRunner()
	r.SetOutput("pactl info", "Server Name: pulseaudio\n")
	r.SetOutput("pactl list short modules", "")
	r.SetOutput("pactl load-module module-null-sink", "20\n")
	r.SetOutput("pactl load-module module-loopback", "21\n")
	return r
}

// collect reads frames until the channel closes
func collect(t *testing.T, frames <-chan audio.Frame) []audio.Frame {
	t.Helper()
	var out []audio.Frame
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("Frames channel was not closed")
			return nil
		}
	}
}

func loud(n int) []byte {
	pcm := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		pcm[i+1] = 0x40
	}
	return pcm
}

func TestVirtualDeviceSourceLifecycle(t *testing.T) {
	runner := pulseRunner()
	runner.SetOutput("pactl list short modules",
		"12\tmodule-null-sink\tsink_name=REW_Network_Bridge\n"+
			"13\tmodule-loopback\tsource=REW_Network_Bridge.monitor sink=@DEFAULT_SINK@\n"+
			"14\tmodule-alsa-card\tdevice_id=\"0\"\n")
	runner.CaptureData = loud(4096*2 + 100)

	cfg := config.Default().Source
	src := NewVirtualDeviceSource(device.NewPulse(runner), cfg, testOptions(4096, 10))

	require.NoError(t, src.Start(context.Background()))
	assert.Equal(t, KindVirtualDevice, src.Kind())
	assert.Contains(t, src.Description(), "REW Network Bridge")

	require.Eventually(t, func() bool { return src.Stats().FramesCaptured == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Stop())

	frames := collect(t, src.Frames())
	require.Len(t, frames, 3)
	assert.Len(t, frames[0].Data, 4096)
	assert.Len(t, frames[1].Data, 4096)
	assert.Len(t, frames[2].Data, 100, "short final read is forwarded")
	assert.Equal(t, audio.DefaultFormat, frames[0].Format)

	assert.Equal(t, []string{
		"pactl info",
		"pactl list short modules",
		"pactl unload-module 12",
		"pactl unload-module 13",
		`pactl load-module module-null-sink sink_name=REW_Network_Bridge sink_properties=device.description="REW Network Bridge"`,
		"pactl load-module module-loopback source=REW_Network_Bridge.monitor sink=@DEFAULT_SINK@ latency_msec=1",
		"parec --format=s16le --rate=48000 --channels=2 --raw --device=REW_Network_Bridge.monitor",
		"pactl unload-module 21",
		"pactl unload-module 20",
	}, runner.Calls())

	assert.True(t, runner.Captures()[0].Closed())

	stats := src.Stats()
	assert.False(t, stats.Running)
	assert.False(t, stats.FirstAudio.IsZero())
	assert.Greater(t, src.Level(), 0.0)
}

func TestVirtualDeviceSourceWithoutLoopback(t *testing.T) {
	runner := pulseRunner()
	cfg := config.Default().Source
	cfg.Loopback = false

	src := NewVirtualDeviceSource(device.NewPulse(runner), cfg, testOptions(4096, 10))
	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Stop())

	for _, call := range runner.Calls() {
		assert.NotContains(t, call, "module-loopback")
	}
}

func TestVirtualDeviceSourceFailures(t *testing.T) {
	tests := []struct {
		name          string
		failPrefix    string
		expectedLoads int
		expectUnloads []string
	}{
		{
			name:       "server unavailable",
			failPrefix: "pactl info",
		},
		{
			name:          "null sink refused",
			failPrefix:    "pactl load-module module-null-sink",
			expectedLoads: 1,
		},
		{
			name:          "loopback refused",
			failPrefix:    "pactl load-module module-loopback",
			expectedLoads: 2,
			expectUnloads: []string{"pactl unload-module 20"},
		},
		{
			name:          "capture refused",
			failPrefix:    "parec",
			expectedLoads: 2,
			expectUnloads: []string{"pactl unload-module 21", "pactl unload-module 20"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := pulseRunner()
			runner.Fail(tt.failPrefix, errors.New("permission denied"))

			src := NewVirtualDeviceSource(device.NewPulse(runner), config.Default().Source, testOptions(4096, 10))
			err := src.Start(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAudioBackendUnavailable)

			var loads, unloads []string
			for _, call := range runner.Calls() {
				if strings.HasPrefix(call, "pactl load-module") {
					loads = append(loads, call)
				}
				if strings.HasPrefix(call, "pactl unload-module") {
					unloads = append(unloads, call)
				}
			}
			assert.Len(t, loads, tt.expectedLoads)
			assert.Equal(t, tt.expectUnloads, unloads)

			// a failed source can still be stopped
			assert.NoError(t, src.Stop())
		})
	}
}

func TestDirectCaptureSource(t *testing.T) {
	runner := devicetest.NewRunner()
	runner.CaptureData = make([]byte, 64)

	src := NewDirectCaptureSource(device.NewALSA(runner), config.Default().Source, testOptions(32, 10))
	require.NoError(t, src.Start(context.Background()))
	assert.Equal(t, KindDirectCapture, src.Kind())

	require.Eventually(t, func() bool { return src.Stats().FramesCaptured == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Stop())

	assert.Len(t, collect(t, src.Frames()), 2)
	assert.Equal(t, []string{
		"aplay -q -t raw -D default -f S16_LE -r 48000 -c 2",
		"arecord -q -t raw -D default -f S16_LE -r 48000 -c 2",
	}, runner.Calls())
	assert.True(t, runner.Playbacks()[0].Closed())
	assert.True(t, runner.Captures()[0].Closed())

	// silence never counts as first audio
	assert.True(t, src.Stats().FirstAudio.IsZero())
}

func TestDirectCaptureSourceCaptureFailureClosesPlayback(t *testing.T) {
	runner := devicetest.NewRunner()
	runner.Fail("arecord", errors.New("no such device"))

	src := NewDirectCaptureSource(device.NewALSA(runner), config.Default().Source, testOptions(32, 10))
	err := src.Start(context.Background())
	require.ErrorIs(t, err, ErrAudioBackendUnavailable)

	require.Len(t, runner.Playbacks(), 1)
	assert.True(t, runner.Playbacks()[0].Closed())
}

func TestSourceStartsOnce(t *testing.T) {
	runner := devicetest.NewRunner()
	src := NewDirectCaptureSource(device.NewALSA(runner), config.Default().Source, testOptions(32, 10))

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.ErrorIs(t, src.Start(context.Background()), ErrAlreadyStarted)
}

func TestCaptureDropsWhenQueueFull(t *testing.T) {
	runner := devicetest.NewRunner()
	runner.CaptureData = make([]byte, 16*5)

	reg := prometheus.NewRegistry()
	opts := testOptions(16, 2)
	opts.Metrics = metrics.NewMetrics(reg)

	src := NewDirectCaptureSource(device.NewALSA(runner), config.Default().Source, opts)
	require.NoError(t, src.Start(context.Background()))

	require.Eventually(t, func() bool { return src.Stats().FramesCaptured == 5 }, 2*time.Second, 5*time.Millisecond)

	stats := src.Stats()
	assert.Equal(t, uint64(3), stats.FramesDropped)
	assert.Equal(t, float64(3), testutil.ToFloat64(opts.Metrics.FramesDropped))
	assert.Equal(t, float64(5), testutil.ToFloat64(opts.Metrics.FramesCaptured))

	require.NoError(t, src.Stop())
	assert.Len(t, collect(t, src.Frames()), 2)
}

func TestCaptureUnexpectedFailureClosesFrames(t *testing.T) {
	var logs bytes.Buffer
	runner := devicetest.NewRunner()

	opts := testOptions(32, 10)
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	src := NewDirectCaptureSource(device.NewALSA(runner), config.Default().Source, opts)
	require.NoError(t, src.Start(context.Background()))

	runner.Captures()[0].Break(errors.New("overrun"))

	assert.Empty(t, collect(t, src.Frames()))
	assert.False(t, src.Stats().Running)
	assert.Contains(t, logs.String(), "unexpected failure")

	require.NoError(t, src.Stop())
}

func TestSelect(t *testing.T) {
	t.Run("first candidate wins", func(t *testing.T) {
		runner := pulseRunner()
		cfg := config.Default()

		sel, err := Select(context.Background(), testLogger(), Candidates(cfg, runner, testOptions(4096, 10))...)
		require.NoError(t, err)
		defer sel.Source.Stop()

		assert.Equal(t, KindVirtualDevice, sel.Kind)
		for _, call := range runner.Calls() {
			assert.False(t, strings.HasPrefix(call, "arecord"), "fallback must not be touched")
		}
	})

	t.Run("falls back to direct capture", func(t *testing.T) {
		runner := pulseRunner()
		runner.Fail("pactl info", errors.New("connection refused"))

		sel, err := Select(context.Background(), testLogger(), Candidates(config.Default(), runner, testOptions(4096, 10))...)
		require.NoError(t, err)
		defer sel.Source.Stop()

		assert.Equal(t, KindDirectCapture, sel.Kind)
	})

	t.Run("all fail once each", func(t *testing.T) {
		runner := pulseRunner()
		runner.Fail("pactl info", errors.New("connection refused"))
		runner.Fail("aplay", errors.New("device busy"))

		_, err := Select(context.Background(), testLogger(), Candidates(config.Default(), runner, testOptions(4096, 10))...)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAudioInitializationFailed)
		assert.ErrorIs(t, err, ErrAudioBackendUnavailable)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Contains(t, err.Error(), "device busy")

		attempts := map[string]int{}
		for _, call := range runner.Calls() {
			attempts[strings.Fields(call)[0]+" "+strings.Fields(call)[1]]++
		}
		assert.Equal(t, 1, attempts["pactl info"])
		assert.Equal(t, 1, attempts["aplay -q"])
	})

	t.Run("no candidates", func(t *testing.T) {
		_, err := Select(context.Background(), testLogger())
		assert.ErrorIs(t, err, ErrAudioInitializationFailed)
	})
}

func TestCandidatesByMode(t *testing.T) {
	tests := []struct {
		mode     string
		expected []Kind
	}{
		{config.SourceModeAuto, []Kind{KindVirtualDevice, KindDirectCapture}},
		{config.SourceModeVirtual, []Kind{KindVirtualDevice}},
		{config.SourceModeDirect, []Kind{KindDirectCapture}},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := config.Default()
			cfg.Source.Mode = tt.mode

			var kinds []Kind
			for _, c := range Candidates(cfg, devicetest.NewRunner(), testOptions(4096, 10)) {
				kinds = append(kinds, c.Kind())
			}
			assert.Equal(t, tt.expected, kinds)
		})
	}
}

func TestOptionsFrom(t *testing.T) {
	opts := OptionsFrom(config.Default(), testLogger(), nil)
	assert.Equal(t, audio.DefaultFormat, opts.Format)
	assert.Equal(t, 4096, opts.BufferSize)
	assert.Equal(t, 50, opts.QueueSize)
	assert.Equal(t, time.Second, opts.StopTimeout)
}
