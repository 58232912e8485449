package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// WAVHeader represents the canonical 44-byte PCM WAV header
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// newWAVHeader builds a header for dataSize bytes of PCM in format f
func newWAVHeader(f Format, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * f.BytesPerFrame()),
		BlockAlign:    uint16(f.BytesPerFrame()),
		BitsPerSample: uint16(f.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// ValidateWAV validates the chunk markers of a WAV file without decoding audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo summarises a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, err
	}

	if header.BlockAlign == 0 || header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid WAV header: block_align=%d sample_rate=%d", header.BlockAlign, header.SampleRate)
	}

	frames := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(frames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumFrames:     frames,
	}, nil
}

// ReadWAVInfo reads the header of the WAV file at path and returns its metadata
func ReadWAVInfo(path string) (*WAVInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	header := make([]byte, wavHeaderSize)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	info, err := GetWAVInfo(header[:n])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

func readWAVHeader(data []byte) (WAVHeader, error) {
	var header WAVHeader
	if err := ValidateWAV(data); err != nil {
		return header, err
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return header, nil
}

// ErrWAVWriterClosed is returned by writes after Close
var ErrWAVWriterClosed = errors.New("wav writer closed")

// WAVWriter streams PCM into a WAV container. The header is written up front
// with zero sizes and patched on Close, so the destination must be seekable.
type WAVWriter struct {
	mu      sync.Mutex
	w       io.WriteSeeker
	format  Format
	written uint32
	closed  bool
}

// NewWAVWriter writes a provisional header to w and returns a writer for PCM data
func NewWAVWriter(w io.WriteSeeker, f Format) (*WAVWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(f, 0)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &WAVWriter{w: w, format: f}, nil
}

// Write appends PCM bytes to the data chunk
func (ww *WAVWriter) Write(pcm []byte) (int, error) {
	ww.mu.Lock()
	defer ww.mu.Unlock()

	if ww.closed {
		return 0, ErrWAVWriterClosed
	}

	n, err := ww.w.Write(pcm)
	ww.written += uint32(n)
	return n, err
}

// DataSize returns the number of PCM bytes written so far
func (ww *WAVWriter) DataSize() uint32 {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.written
}

// Close patches the RIFF and data chunk sizes. It does not close the underlying writer.
func (ww *WAVWriter) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()

	if ww.closed {
		return nil
	}
	ww.closed = true

	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to WAV header: %w", err)
	}
	if err := binary.Write(ww.w, binary.LittleEndian, newWAVHeader(ww.format, ww.written)); err != nil {
		return fmt.Errorf("failed to patch WAV header: %w", err)
	}
	if _, err := ww.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of WAV data: %w", err)
	}

	return nil
}
