package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/device"
)

// releaseTimeout bounds module cleanup on Stop
const releaseTimeout = 2 * time.Second

// VirtualDeviceSource creates a PulseAudio null sink that the measurement application
// can select as its output, and captures from the sink's monitor.
type VirtualDeviceSource struct {
	*capture

	pulse       *device.Pulse
	sinkName    string
	description string
	loopback    bool

	// modules holds the indexes loaded by this source, in load order
	modules []string
}

// NewVirtualDeviceSource creates a virtual device source. Nothing is touched until Start.
func NewVirtualDeviceSource(pulse *device.Pulse, cfg config.SourceConfig, opts Options) *VirtualDeviceSource {
	description := cfg.Description
	if description == "" {
		description = cfg.SinkName
	}

	return &VirtualDeviceSource{
		capture:     newCapture(KindVirtualDevice, opts),
		pulse:       pulse,
		sinkName:    cfg.SinkName,
		description: description,
		loopback:    cfg.Loopback,
	}
}

func (v *VirtualDeviceSource) Name() string { return "pulseaudio:" + v.sinkName }

func (v *VirtualDeviceSource) Kind() Kind { return KindVirtualDevice }

func (v *VirtualDeviceSource) Description() string {
	return fmt.Sprintf("virtual output %q (%s), capturing %s.monitor", v.description, v.opts.Format, v.sinkName)
}

// Start sets up the virtual sink and starts capturing. On any failure everything
// created so far is released and the error wraps ErrAudioBackendUnavailable.
func (v *VirtualDeviceSource) Start(ctx context.Context) error {
	if err := v.claim(); err != nil {
		return err
	}

	if err := v.pulse.Available(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioBackendUnavailable, err)
	}

	v.unloadStale(ctx)

	index, err := v.pulse.LoadModule(ctx, "module-null-sink",
		"sink_name="+v.sinkName,
		fmt.Sprintf("sink_properties=device.description=%q", v.description),
	)
	if err != nil {
		return v.fail(err)
	}
	v.modules = append(v.modules, index)
	v.logger.Info("Virtual audio sink created",
		slog.String("sink", v.sinkName),
		slog.String("module", index),
	)

	if v.loopback {
		index, err := v.pulse.LoadModule(ctx, "module-loopback",
			"source="+v.monitorName(),
			"sink=@DEFAULT_SINK@",
			"latency_msec=1",
		)
		if err != nil {
			return v.fail(err)
		}
		v.modules = append(v.modules, index)
		v.logger.Info("Monitor loopback to default sink created", slog.String("module", index))
	}

	line, err := v.pulse.OpenCapture(ctx, v.monitorName(), v.opts.Format)
	if err != nil {
		return v.fail(err)
	}

	v.run(ctx, line)

	v.logger.Info("Virtual device ready: select it as the output in the measurement application",
		slog.String("device", v.description),
		slog.String("format", v.opts.Format.String()),
	)
	return nil
}

// Stop ends capture and unloads the modules created by Start
func (v *VirtualDeviceSource) Stop() error {
	v.stop()
	v.release()
	return nil
}

func (v *VirtualDeviceSource) monitorName() string {
	return v.sinkName + ".monitor"
}

// unloadStale removes modules left behind by an earlier run with the same sink name
func (v *VirtualDeviceSource) unloadStale(ctx context.Context) {
	modules, err := v.pulse.ModulesForSink(ctx, v.sinkName)
	if err != nil {
		v.logger.Debug("Could not list PulseAudio modules", slog.String("error", err.Error()))
		return
	}

	for _, m := range modules {
		if err := v.pulse.UnloadModule(ctx, m.Index); err != nil {
			v.logger.Warn("Failed to unload stale module",
				slog.String("module", m.Index),
				slog.String("name", m.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		v.logger.Info("Unloaded stale module", slog.String("module", m.Index), slog.String("name", m.Name))
	}
}

func (v *VirtualDeviceSource) fail(err error) error {
	v.release()
	return fmt.Errorf("%w: %v", ErrAudioBackendUnavailable, err)
}

// release unloads modules in reverse load order
func (v *VirtualDeviceSource) release() {
	if len(v.modules) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	for i := len(v.modules) - 1; i >= 0; i-- {
		if err := v.pulse.UnloadModule(ctx, v.modules[i]); err != nil {
			v.logger.Warn("Failed to unload module",
				slog.String("module", v.modules[i]),
				slog.String("error", err.Error()),
			)
		}
	}
	v.modules = nil
}
