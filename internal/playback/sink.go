package playback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
)

var (
	// ErrSinkWriteFailure is returned when a write failed even after restarting the sink
	ErrSinkWriteFailure = errors.New("sink write failure")

	// ErrSinkNotOpen is returned by writes on a sink that is not open
	ErrSinkNotOpen = errors.New("sink not open")
)

// Sink accepts raw PCM in the stream format, in arrival order
type Sink interface {
	Name() string
	Open() error
	Write(pcm []byte) error
	Close() error
}

// OpenFunc opens a playback line, typically aplay or pacat on the default device
type OpenFunc func() (io.WriteCloser, error)

// CommandSink writes PCM to an external playback tool
type CommandSink struct {
	name string
	open OpenFunc

	mu   sync.Mutex
	line io.WriteCloser
}

// NewCommandSink returns a sink that obtains its line from open
func NewCommandSink(name string, open OpenFunc) *CommandSink {
	return &CommandSink{name: name, open: open}
}

// Name returns the sink name
func (s *CommandSink) Name() string {
	return s.name
}

// Open starts the playback line. Opening an open sink is a no-op.
func (s *CommandSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line != nil {
		return nil
	}

	line, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.name, err)
	}
	s.line = line
	return nil
}

// Write hands pcm to the playback line
func (s *CommandSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line == nil {
		return ErrSinkNotOpen
	}
	if _, err := s.line.Write(pcm); err != nil {
		return fmt.Errorf("%s write: %w", s.name, err)
	}
	return nil
}

// Close stops the playback line
func (s *CommandSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.line == nil {
		return nil
	}
	err := s.line.Close()
	s.line = nil
	return err
}

// Recording is a finished WAV file written by a WAVSink
type Recording struct {
	Path string         `json:"path"`
	Info *audio.WAVInfo `json:"info"`
}

// WAVSink records received PCM to a WAV file. Reopening after a failure starts a
// new numbered file next to the first one so earlier audio is kept.
type WAVSink struct {
	path   string
	format audio.Format

	mu         sync.Mutex
	file       *os.File
	writer     *audio.WAVWriter
	opens      int
	recordings []Recording
}

// NewWAVSink returns a sink recording to path
func NewWAVSink(path string, f audio.Format) *WAVSink {
	return &WAVSink{path: path, format: f}
}

// Name returns the sink name
func (s *WAVSink) Name() string {
	return "wav:" + s.path
}

// Path returns the file currently being written
func (s *WAVSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPath()
}

func (s *WAVSink) currentPath() string {
	if s.opens <= 1 {
		return s.path
	}
	ext := filepath.Ext(s.path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(s.path, ext), s.opens, ext)
}

// Open creates the WAV file
func (s *WAVSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		return nil
	}

	s.opens++
	path := s.currentPath()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	writer, err := audio.NewWAVWriter(file, s.format)
	if err != nil {
		file.Close()
		return err
	}

	s.file = file
	s.writer = writer
	return nil
}

// Write appends pcm to the recording
func (s *WAVSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return ErrSinkNotOpen
	}
	if _, err := s.writer.Write(pcm); err != nil {
		return fmt.Errorf("wav write: %w", err)
	}
	return nil
}

// Close finalizes the WAV header, closes the file and reads the header back
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}

	err := s.writer.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.writer = nil
	s.file = nil
	if err != nil {
		return err
	}

	path := s.currentPath()
	info, err := audio.ReadWAVInfo(path)
	if err != nil {
		return fmt.Errorf("finished recording is invalid: %w", err)
	}
	s.recordings = append(s.recordings, Recording{Path: path, Info: info})
	return nil
}

// Recordings returns the files finished so far, oldest first
func (s *WAVSink) Recordings() []Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recording(nil), s.recordings...)
}

// DiscardSink drops audio and only counts it
type DiscardSink struct {
	bytes atomic.Uint64
}

// Name returns the sink name
func (s *DiscardSink) Name() string { return "discard" }

// Open is a no-op
func (s *DiscardSink) Open() error { return nil }

// Write counts pcm
func (s *DiscardSink) Write(pcm []byte) error {
	s.bytes.Add(uint64(len(pcm)))
	return nil
}

// Close is a no-op
func (s *DiscardSink) Close() error { return nil }

// Bytes returns the number of bytes discarded
func (s *DiscardSink) Bytes() uint64 {
	return s.bytes.Load()
}
