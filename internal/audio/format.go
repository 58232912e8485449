package audio

import (
	"fmt"
	"time"
)

// Format describes interleaved signed little-endian PCM
type Format struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

// DefaultFormat is 48 kHz, 16-bit, stereo
var DefaultFormat = Format{SampleRate: 48000, BitDepth: 16, Channels: 2}

// BytesPerSample returns the size of one sample of one channel
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerFrame returns the size of one sample frame across all channels
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BytesPerSample()
}

// Samples returns the number of sample frames contained in byteCount bytes.
// Trailing bytes that do not form a complete sample frame are not counted.
func (f Format) Samples(byteCount int) uint32 {
	bpf := f.BytesPerFrame()
	if bpf <= 0 || byteCount <= 0 {
		return 0
	}
	return uint32(byteCount / bpf)
}

// Duration returns the playback duration of byteCount bytes
func (f Format) Duration(byteCount int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples(byteCount)) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the format can be carried on the wire
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("bit depth must be 16, got %d", f.BitDepth)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", f.Channels)
	}
	return nil
}

// String renders the format the way the platform tools name it, e.g. "48000Hz/S16LE/2ch"
func (f Format) String() string {
	return fmt.Sprintf("%dHz/S%dLE/%dch", f.SampleRate, f.BitDepth, f.Channels)
}

// Frame is one chunk of captured PCM handed from capture to packetization
type Frame struct {
	Data     []byte
	Format   Format
	Captured time.Time
}

// Len returns the frame size in bytes
func (f Frame) Len() int {
	return len(f.Data)
}
