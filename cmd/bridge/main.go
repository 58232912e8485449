package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/device"
	"github.com/lydbydissing/rew-network-bridge/internal/logging"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
	"github.com/lydbydissing/rew-network-bridge/internal/monitor"
	"github.com/lydbydissing/rew-network-bridge/internal/server"
	"github.com/lydbydissing/rew-network-bridge/internal/source"
	"github.com/lydbydissing/rew-network-bridge/internal/stream"
)

const (
	serviceName    = "rew-network-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	target := flag.String("target", "", "Receiver host, overrides sender.target_host")
	port := flag.Int("port", 0, "Receiver UDP port, overrides sender.target_port")
	mode := flag.String("source", "", "Capture strategy: auto, virtual or direct")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.Sender.TargetHost = *target
	}
	if *port != 0 {
		cfg.Sender.TargetPort = *port
	}
	if *mode != "" {
		cfg.Source.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Sender.TargetHost == "" {
		fmt.Fprintln(os.Stderr, "No receiver configured: set sender.target_host or pass -target")
		os.Exit(2)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info("Bridge starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
		slog.String("target", fmt.Sprintf("%s:%d", cfg.Sender.TargetHost, cfg.Sender.TargetPort)),
		slog.String("source_mode", cfg.Source.Mode),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("buffer_size", cfg.Audio.BufferSize),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Bridge stopped with error", slog.String("error", err.Error()))
		logCloser.Close()
		os.Exit(1)
	}

	logger.Info("Bridge stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Select the capture strategy; without audio there is nothing to bridge
	opts := source.OptionsFrom(cfg, logger, appMetrics)
	selection, err := source.Select(ctx, logger, source.Candidates(cfg, device.NewExecRunner(), opts)...)
	if err != nil {
		return err
	}
	src := selection.Source
	defer func() {
		if err := src.Stop(); err != nil {
			logger.Warn("Error stopping audio source", slog.String("error", err.Error()))
		}
	}()

	pipeline := stream.New(src, stream.Config{
		Format:     opts.Format,
		MaxPayload: cfg.Sender.MaxPayload,
	}, logger, appMetrics)

	if err := pipeline.Connect(cfg.Sender.TargetHost, cfg.Sender.TargetPort); err != nil {
		return err
	}
	defer pipeline.Disconnect()

	reporter := monitor.NewLogReporter(logger, appMetrics)
	healthMonitor := monitor.New(monitor.ConfigFrom(cfg.Monitor), pipeline, reporter, logger)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = newStatusServer(cfg, logger, appMetrics, src, pipeline, reporter)
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	logger.Info("Bridge running, waiting for signals...",
		slog.String("source", src.Description()),
		slog.String("kind", selection.Kind.String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(gctx)
	})
	g.Go(func() error {
		return healthMonitor.Run(gctx)
	})
	if httpServer != nil {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Stop(shutdownCtx)
		})
	}

	err = g.Wait()

	logger.Info("Starting graceful shutdown...")

	stats := pipeline.Stats()
	logger.Info("Final pipeline statistics",
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_streamed", stats.FramesStreamed),
		slog.Uint64("frames_skipped", stats.FramesSkipped),
		slog.Uint64("transmit_errors", stats.TransmitErrors),
		slog.Uint64("frames_dropped", src.Stats().FramesDropped),
	)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newStatusServer publishes the bridge components on the status API
func newStatusServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics,
	src source.Source, pipeline *stream.Pipeline, reporter *monitor.LogReporter) *server.HTTPServer {

	h := server.NewHTTPServer(cfg.HTTP, logger, cfg, m, nil, serviceName, serviceVersion)

	h.AddComponent("source", func() any { return src.Stats() })
	h.AddComponent("pipeline", func() any { return pipeline.Stats() })
	h.AddComponent("sender", func() any {
		stats, _ := pipeline.SenderStats()
		return stats
	})
	h.AddComponent("health", func() any {
		report, ok := reporter.Last()
		if !ok {
			return nil
		}
		return report
	})

	h.AddChecker(server.Checker{Name: "source", Check: func(ctx context.Context) error {
		if !src.Stats().Running {
			return errors.New("capture is not running")
		}
		return nil
	}})
	h.AddChecker(server.Checker{Name: "sender", Check: func(ctx context.Context) error {
		if !pipeline.Connected() {
			return errors.New("not streaming")
		}
		return nil
	}})

	return h
}
