package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Source selection modes
const (
	SourceModeAuto    = "auto"
	SourceModeVirtual = "virtual"
	SourceModeDirect  = "direct"
)

// Playback sink kinds
const (
	SinkCommand = "command"
	SinkWAV     = "wav"
	SinkDiscard = "discard"
)

// Config represents the complete configuration shared by the bridge and the receiver
type Config struct {
	Audio    AudioConfig    `yaml:"audio"`
	Source   SourceConfig   `yaml:"source"`
	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Playback PlaybackConfig `yaml:"playback"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AudioConfig contains the PCM stream format and capture buffering
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	BitDepth   int `yaml:"bit_depth"`
	Channels   int `yaml:"channels"`
	BufferSize int `yaml:"buffer_size"` // bytes per capture read
	QueueSize  int `yaml:"queue_size"`  // frames between capture and packetization
}

// SourceConfig selects and configures the capture strategy
type SourceConfig struct {
	Mode           string `yaml:"mode"`
	SinkName       string `yaml:"sink_name"`
	Description    string `yaml:"description"`
	Loopback       bool   `yaml:"loopback"`
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`
	StopTimeout    int    `yaml:"stop_timeout"` // milliseconds
}

// SenderConfig contains the packetizer destination
type SenderConfig struct {
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
	MaxPayload int    `yaml:"max_payload"`
}

// ReceiverConfig contains UDP listener configuration
type ReceiverConfig struct {
	BindAddress string `yaml:"bind_address"`
	UDPPort     int    `yaml:"udp_port"`
	ReadBuffer  int    `yaml:"read_buffer"`
	StatusEvery int    `yaml:"status_every"` // packets between progress log lines
}

// PlaybackConfig selects the receiver output
type PlaybackConfig struct {
	Sink    string `yaml:"sink"`
	Command string `yaml:"command"` // aplay or pacat
	Device  string `yaml:"device"`
	WAVPath string `yaml:"wav_path"`
}

// MonitorConfig contains connection health thresholds
type MonitorConfig struct {
	Interval           int     `yaml:"interval"` // seconds
	MinPackets         uint64  `yaml:"min_packets"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
}

// HTTPConfig contains status API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	RotationHours int    `yaml:"rotation_hours"`
	MaxAgeDays    int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate: 48000,
			BitDepth:   16,
			Channels:   2,
			BufferSize: 4096,
			QueueSize:  50,
		},
		Source: SourceConfig{
			Mode:           SourceModeAuto,
			SinkName:       "REW_Network_Bridge",
			Description:    "REW Network Bridge",
			Loopback:       true,
			CaptureDevice:  "default",
			PlaybackDevice: "default",
			StopTimeout:    1000,
		},
		Sender: SenderConfig{
			TargetPort: 5004,
			MaxPayload: 1188,
		},
		Receiver: ReceiverConfig{
			BindAddress: "0.0.0.0",
			UDPPort:     5004,
			ReadBuffer:  1 << 20,
			StatusEvery: 1000,
		},
		Playback: PlaybackConfig{
			Sink:    SinkCommand,
			Command: "aplay",
			Device:  "default",
		},
		Monitor: MonitorConfig{
			Interval:           5,
			MinPackets:         100,
			ErrorRateThreshold: 0.05,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Output:        "stdout",
			RotationHours: 24,
			MaxAgeDays:    7,
		},
	}
}

// Load reads the configuration file on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Sender.Validate(); err != nil {
		return fmt.Errorf("sender config: %w", err)
	}

	if err := c.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", a.Channels)
	}

	frameBytes := a.Channels * a.BitDepth / 8
	if a.BufferSize < frameBytes || a.BufferSize%frameBytes != 0 {
		return fmt.Errorf("buffer_size must be a positive multiple of %d bytes, got %d", frameBytes, a.BufferSize)
	}

	if a.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", a.QueueSize)
	}

	return nil
}

// Validate validates source configuration
func (s *SourceConfig) Validate() error {
	validModes := map[string]bool{SourceModeAuto: true, SourceModeVirtual: true, SourceModeDirect: true}
	if !validModes[s.Mode] {
		return fmt.Errorf("mode must be one of [auto, virtual, direct], got '%s'", s.Mode)
	}

	if s.Mode != SourceModeDirect && s.SinkName == "" {
		return fmt.Errorf("sink_name cannot be empty when the virtual device may be used")
	}

	if s.StopTimeout < 1 {
		return fmt.Errorf("stop_timeout must be at least 1 millisecond, got %d", s.StopTimeout)
	}

	return nil
}

// Validate validates sender configuration. An empty target host is allowed here;
// the bridge requires one before it connects.
func (s *SenderConfig) Validate() error {
	if s.TargetPort < 1 || s.TargetPort > 65535 {
		return fmt.Errorf("target_port must be between 1 and 65535, got %d", s.TargetPort)
	}

	if s.MaxPayload < 2 || s.MaxPayload > 1188 {
		return fmt.Errorf("max_payload must be between 2 and 1188 bytes, got %d", s.MaxPayload)
	}

	return nil
}

// Validate validates receiver configuration
func (r *ReceiverConfig) Validate() error {
	if r.UDPPort < 1 || r.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", r.UDPPort)
	}

	if r.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if r.ReadBuffer < 1024 {
		return fmt.Errorf("read_buffer must be at least 1024 bytes, got %d", r.ReadBuffer)
	}

	if r.StatusEvery < 0 {
		return fmt.Errorf("status_every cannot be negative, got %d", r.StatusEvery)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	switch p.Sink {
	case SinkCommand:
		if p.Command != "aplay" && p.Command != "pacat" {
			return fmt.Errorf("command must be 'aplay' or 'pacat', got '%s'", p.Command)
		}
	case SinkWAV:
		if p.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty when sink is 'wav'")
		}
	case SinkDiscard:
	default:
		return fmt.Errorf("sink must be one of [command, wav, discard], got '%s'", p.Sink)
	}

	return nil
}

// Validate validates monitor configuration
func (m *MonitorConfig) Validate() error {
	if m.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", m.Interval)
	}

	if m.ErrorRateThreshold <= 0 || m.ErrorRateThreshold >= 1 {
		return fmt.Errorf("error_rate_threshold must be between 0 and 1 (exclusive), got %f", m.ErrorRateThreshold)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output != "stdout" && l.Output != "stderr" && l.Output != "" {
		if l.RotationHours < 1 {
			return fmt.Errorf("rotation_hours must be at least 1 for file output, got %d", l.RotationHours)
		}
		if l.MaxAgeDays < 1 {
			return fmt.Errorf("max_age_days must be at least 1 for file output, got %d", l.MaxAgeDays)
		}
	}

	return nil
}

// GetStopTimeoutDuration returns the capture stop timeout as a time.Duration
func (s *SourceConfig) GetStopTimeoutDuration() time.Duration {
	return time.Duration(s.StopTimeout) * time.Millisecond
}

// GetIntervalDuration returns the monitor interval as a time.Duration
func (m *MonitorConfig) GetIntervalDuration() time.Duration {
	return time.Duration(m.Interval) * time.Second
}

// GetRotationDuration returns the log rotation period as a time.Duration
func (l *LoggingConfig) GetRotationDuration() time.Duration {
	return time.Duration(l.RotationHours) * time.Hour
}

// GetMaxAgeDuration returns the log retention as a time.Duration
func (l *LoggingConfig) GetMaxAgeDuration() time.Duration {
	return time.Duration(l.MaxAgeDays) * 24 * time.Hour
}
