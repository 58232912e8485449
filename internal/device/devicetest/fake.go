// Package devicetest provides an in-memory device.Runner for tests.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Call is one recorded invocation
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner is a scripted device.Runner. Responses are matched by command prefix,
// e.g. "pactl load-module module-null-sink".
type Runner struct {
	mu sync.Mutex

	outputs   map[string][]byte
	failures  map[string]error
	calls     []Call
	captures  []*CaptureLine
	playbacks []*PlaybackLine

	// CaptureData is returned by capture lines before they block until closed
	CaptureData []byte
}

// NewRunner returns an empty scripted runner. Unscripted commands succeed with empty output.
func NewRunner() *Runner {
	return &Runner{
		outputs:  make(map[string][]byte),
		failures: make(map[string]error),
	}
}

// SetOutput scripts the output of commands starting with prefix
func (r *Runner) SetOutput(prefix string, out string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[prefix] = []byte(out)
}

// Fail scripts commands starting with prefix to fail with err
func (r *Runner) Fail(prefix string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[prefix] = err
}

// Calls returns every recorded invocation as a command line
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.String()
	}
	return lines
}

// Captures returns the capture lines handed out so far
func (r *Runner) Captures() []*CaptureLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*CaptureLine(nil), r.captures...)
}

// Playbacks returns the playback lines handed out so far
func (r *Runner) Playbacks() []*PlaybackLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PlaybackLine(nil), r.playbacks...)
}

func (r *Runner) record(name string, args []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := Call{Name: name, Args: append([]string(nil), args...)}
	r.calls = append(r.calls, call)

	line := call.String()
	for prefix, err := range r.failures {
		if strings.HasPrefix(line, prefix) {
			return line, err
		}
	}
	return line, nil
}

// Output implements device.Runner
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	line, err := r.record(name, args)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	best := ""
	for prefix := range r.outputs {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, nil
	}
	return r.outputs[best], nil
}

// StartCapture implements device.Runner
func (r *Runner) StartCapture(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	if _, err := r.record(name, args); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	line := NewCaptureLine(r.CaptureData)
	r.captures = append(r.captures, line)
	return line, nil
}

// StartPlayback implements device.Runner
func (r *Runner) StartPlayback(ctx context.Context, name string, args ...string) (io.WriteCloser, error) {
	if _, err := r.record(name, args); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	line := &PlaybackLine{}
	r.playbacks = append(r.playbacks, line)
	return line, nil
}

// ErrLineClosed is returned by reads and writes on closed fake lines
var ErrLineClosed = errors.New("line closed")

// CaptureLine serves scripted data, then blocks until closed or failed
type CaptureLine struct {
	mu     sync.Mutex
	data   []byte
	closed chan struct{}
	fail   chan error
	once   sync.Once
}

// NewCaptureLine returns a capture line that serves data
func NewCaptureLine(data []byte) *CaptureLine {
	return &CaptureLine{
		data:   append([]byte(nil), data...),
		closed: make(chan struct{}),
		fail:   make(chan error, 1),
	}
}

// Read implements io.Reader
func (l *CaptureLine) Read(p []byte) (int, error) {
	l.mu.Lock()
	if len(l.data) > 0 {
		n := copy(p, l.data)
		l.data = l.data[n:]
		l.mu.Unlock()
		return n, nil
	}
	l.mu.Unlock()

	select {
	case <-l.closed:
		return 0, ErrLineClosed
	case err := <-l.fail:
		return 0, err
	}
}

// Break makes the pending or next blocking read fail with err
func (l *CaptureLine) Break(err error) {
	l.fail <- err
}

// Close implements io.Closer
func (l *CaptureLine) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Closed reports whether Close was called
func (l *CaptureLine) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// PlaybackLine collects written data. FailWrites makes writes fail.
type PlaybackLine struct {
	mu         sync.Mutex
	buf        []byte
	closed     bool
	failWrites bool
}

// Write implements io.Writer
func (l *PlaybackLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLineClosed
	}
	if l.failWrites {
		return 0, fmt.Errorf("broken pipe")
	}
	l.buf = append(l.buf, p...)
	return len(p), nil
}

// Close implements io.Closer
func (l *PlaybackLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// FailWrites makes every following write fail
func (l *PlaybackLine) FailWrites() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWrites = true
}

// Bytes returns everything written so far
func (l *PlaybackLine) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf...)
}

// Closed reports whether Close was called
func (l *PlaybackLine) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
