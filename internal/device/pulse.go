package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
)

// ErrServerUnavailable is returned when no PulseAudio compatible server answers
var ErrServerUnavailable = errors.New("pulseaudio server unavailable")

// Module is a loaded PulseAudio module as listed by pactl
type Module struct {
	Index string
	Name  string
	Args  string
}

// Pulse drives a PulseAudio (or PipeWire-Pulse) server through pactl, parec and pacat
type Pulse struct {
	runner Runner
}

// NewPulse returns a Pulse client using runner
func NewPulse(runner Runner) *Pulse {
	return &Pulse{runner: runner}
}

// Available checks that the server answers
func (p *Pulse) Available(ctx context.Context) error {
	if _, err := p.runner.Output(ctx, "pactl", "info"); err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	return nil
}

// LoadModule loads a module and returns its index
func (p *Pulse) LoadModule(ctx context.Context, name string, args ...string) (string, error) {
	out, err := p.runner.Output(ctx, "pactl", append([]string{"load-module", name}, args...)...)
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", name, err)
	}

	index := strings.TrimSpace(string(out))
	if _, err := strconv.ParseUint(index, 10, 32); err != nil {
		return "", fmt.Errorf("unexpected module index %q from load-module %s", index, name)
	}
	return index, nil
}

// UnloadModule unloads the module with the given index
func (p *Pulse) UnloadModule(ctx context.Context, index string) error {
	if _, err := p.runner.Output(ctx, "pactl", "unload-module", index); err != nil {
		return fmt.Errorf("failed to unload module %s: %w", index, err)
	}
	return nil
}

// Modules lists the loaded modules
func (p *Pulse) Modules(ctx context.Context) ([]Module, error) {
	out, err := p.runner.Output(ctx, "pactl", "list", "short", "modules")
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	return parseModules(out), nil
}

// ModulesForSink returns the loaded modules that create the sink named sinkName
// (sink_name=<name>) or read from its monitor (source=<name>.monitor).
// Other sinks whose names merely contain sinkName are not matched.
func (p *Pulse) ModulesForSink(ctx context.Context, sinkName string) ([]Module, error) {
	modules, err := p.Modules(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Module
	for _, m := range modules {
		if argsReferenceSink(m.Args, sinkName) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

func argsReferenceSink(args, sinkName string) bool {
	for _, field := range strings.Fields(args) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "sink_name":
			if value == sinkName {
				return true
			}
		case "source":
			if value == sinkName+".monitor" {
				return true
			}
		}
	}
	return false
}

// OpenCapture records raw PCM from a source such as "<sink>.monitor"
func (p *Pulse) OpenCapture(ctx context.Context, source string, f audio.Format) (io.ReadCloser, error) {
	return p.runner.StartCapture(ctx, "parec", pulseArgs(source, f)...)
}

// OpenPlayback plays raw PCM on a sink
func (p *Pulse) OpenPlayback(ctx context.Context, sink string, f audio.Format) (io.WriteCloser, error) {
	return p.runner.StartPlayback(ctx, "pacat", append([]string{"--playback"}, pulseArgs(sink, f)...)...)
}

func pulseArgs(device string, f audio.Format) []string {
	args := []string{
		"--format=s" + strconv.Itoa(f.BitDepth) + "le",
		"--rate=" + strconv.Itoa(f.SampleRate),
		"--channels=" + strconv.Itoa(f.Channels),
		"--raw",
	}
	if device != "" && device != "default" {
		args = append(args, "--device="+device)
	}
	return args
}

// parseModules parses `pactl list short modules`: index, name and arguments separated by tabs
func parseModules(out []byte) []Module {
	var modules []Module

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 3)
		if len(fields) < 2 {
			continue
		}
		m := Module{Index: strings.TrimSpace(fields[0]), Name: strings.TrimSpace(fields[1])}
		if len(fields) == 3 {
			m.Args = fields[2]
		}
		modules = append(modules, m)
	}
	return modules
}
