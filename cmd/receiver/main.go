package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/device"
	"github.com/lydbydissing/rew-network-bridge/internal/logging"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
	"github.com/lydbydissing/rew-network-bridge/internal/playback"
	"github.com/lydbydissing/rew-network-bridge/internal/server"
)

const (
	serviceName    = "rew-network-receiver"
	serviceVersion = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	port := flag.Int("port", 0, "UDP listen port, overrides receiver.udp_port")
	sinkKind := flag.String("sink", "", "Playback sink: command, wav or discard")
	wavPath := flag.String("wav", "", "Record to this WAV file instead of playing")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Receiver.UDPPort = *port
	}
	if *sinkKind != "" {
		cfg.Playback.Sink = *sinkKind
	}
	if *wavPath != "" {
		cfg.Playback.Sink = config.SinkWAV
		cfg.Playback.WAVPath = *wavPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info("Receiver starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
		slog.String("bind_address", cfg.Receiver.BindAddress),
		slog.Int("udp_port", cfg.Receiver.UDPPort),
		slog.String("sink", cfg.Playback.Sink),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Receiver stopped with error", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}

	logger.Info("Receiver stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		BitDepth:   cfg.Audio.BitDepth,
		Channels:   cfg.Audio.Channels,
	}
	base := newSink(cfg.Playback, format, device.NewExecRunner())
	sink := playback.NewRestartingSink(base, playback.DefaultRestartConfig, logger, appMetrics)

	receiver := server.NewUDPReceiver(&cfg.Receiver, logger, sink, appMetrics)
	if err := receiver.Start(); err != nil {
		return err
	}
	defer receiver.Stop()

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = newStatusServer(cfg, logger, appMetrics, receiver, sink)
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	logger.Info("Receiver running, waiting for signals...",
		slog.String("udp_address", receiver.LocalAddr().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")
		if httpServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	receiver.Stop()
	if wav, ok := base.(*playback.WAVSink); ok {
		logRecordings(logger, wav.Recordings())
	}
	return err
}

// logRecordings reports the WAV files written during the session
func logRecordings(logger *slog.Logger, recordings []playback.Recording) {
	for _, rec := range recordings {
		logger.Info("Recording saved",
			slog.String("path", rec.Path),
			slog.Float64("duration_seconds", rec.Info.Duration),
			slog.Uint64("data_bytes", uint64(rec.Info.DataSize)),
			slog.Int("sample_rate", int(rec.Info.SampleRate)),
			slog.Int("channels", int(rec.Info.Channels)),
		)
	}
}

// newSink builds the configured playback sink
func newSink(cfg config.PlaybackConfig, f audio.Format, runner device.Runner) playback.Sink {
	switch cfg.Sink {
	case config.SinkWAV:
		return playback.NewWAVSink(cfg.WAVPath, f)
	case config.SinkDiscard:
		return &playback.DiscardSink{}
	}

	if cfg.Command == "pacat" {
		pulse := device.NewPulse(runner)
		return playback.NewCommandSink("pacat", func() (io.WriteCloser, error) {
			return pulse.OpenPlayback(context.Background(), cfg.Device, f)
		})
	}

	alsa := device.NewALSA(runner)
	return playback.NewCommandSink("aplay", func() (io.WriteCloser, error) {
		return alsa.OpenPlayback(context.Background(), cfg.Device, f)
	})
}

// newStatusServer publishes the receiver components on the status API
func newStatusServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics,
	receiver *server.UDPReceiver, sink *playback.RestartingSink) *server.HTTPServer {

	h := server.NewHTTPServer(cfg.HTTP, logger, cfg, m, nil, serviceName, serviceVersion)

	h.AddComponent("receiver", func() any { return receiver.GetStatistics() })
	h.AddComponent("playback", func() any {
		return map[string]interface{}{
			"sink":     sink.Name(),
			"restarts": sink.Restarts(),
			"failures": sink.Failures(),
			"breaker":  sink.State(),
		}
	})

	h.AddChecker(server.Checker{Name: "playback", Check: func(ctx context.Context) error {
		if sink.State() == "open" {
			return errors.New("playback restarts suspended after repeated failures")
		}
		return nil
	}})

	return h
}
