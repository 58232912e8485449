package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrLineExited is returned when a line process exits during its startup probe
var ErrLineExited = errors.New("audio line process exited")

// Runner starts the platform audio tools
type Runner interface {
	// Output runs a command to completion and returns its standard output
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// StartCapture starts a long-running command and returns its standard output
	StartCapture(ctx context.Context, name string, args ...string) (io.ReadCloser, error)

	// StartPlayback starts a long-running command and returns its standard input
	StartPlayback(ctx context.Context, name string, args ...string) (io.WriteCloser, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// Probe is how long a started line must stay alive before it is handed out.
	// Tools such as arecord exit right away when the device is busy or missing.
	Probe time.Duration

	// CloseTimeout bounds how long Close waits for a line process to exit before killing it
	CloseTimeout time.Duration
}

// NewExecRunner returns a runner with the default probe and close timeouts
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Probe: 150 * time.Millisecond, CloseTimeout: time.Second}
}

// Output runs name to completion
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// StartCapture starts name with its standard output connected to the returned reader
func (r *ExecRunner) StartCapture(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = pw

	line, err := r.start(ctx, cmd, pr, pw)
	if err != nil {
		pr.Close()
		return nil, err
	}
	return line, nil
}

// StartPlayback starts name with its standard input connected to the returned writer
func (r *ExecRunner) StartPlayback(ctx context.Context, name string, args ...string) (io.WriteCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdin = pr

	line, err := r.start(ctx, cmd, pw, pr)
	if err != nil {
		pw.Close()
		return nil, err
	}
	return line, nil
}

// start launches cmd. own is the pipe end kept by the line; child is the end
// handed to the process and closed in this process once it has started.
func (r *ExecRunner) start(ctx context.Context, cmd *exec.Cmd, own, child *os.File) (*Line, error) {
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = r.CloseTimeout

	if err := cmd.Start(); err != nil {
		child.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	child.Close()

	line := &Line{
		name:         cmd.Args[0],
		cmd:          cmd,
		pipe:         own,
		stderr:       stderr,
		done:         make(chan struct{}),
		closeTimeout: r.CloseTimeout,
	}
	go line.wait()

	if r.Probe > 0 {
		timer := time.NewTimer(r.Probe)
		defer timer.Stop()

		select {
		case <-line.done:
			return nil, fmt.Errorf("%w: %s: %v: %s", ErrLineExited, line.name, line.waitErr, line.Stderr())
		case <-ctx.Done():
			line.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return line, nil
}

// Line is a running audio tool process together with our end of its data pipe
type Line struct {
	name         string
	cmd          *exec.Cmd
	pipe         *os.File
	stderr       *limitedBuffer
	closeTimeout time.Duration

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func (l *Line) wait() {
	l.waitErr = l.cmd.Wait()
	close(l.done)
}

// Read reads from the process standard output
func (l *Line) Read(p []byte) (int, error) {
	return l.pipe.Read(p)
}

// Write writes to the process standard input
func (l *Line) Write(p []byte) (int, error) {
	return l.pipe.Write(p)
}

// Done is closed when the process has exited
func (l *Line) Done() <-chan struct{} {
	return l.done
}

// Stderr returns the tail of the process error output
func (l *Line) Stderr() string {
	return strings.TrimSpace(l.stderr.String())
}

// Close closes the pipe, which unblocks pending reads and writes and lets the
// process exit, then waits for it. A process that does not exit in time is killed.
func (l *Line) Close() error {
	l.closeOnce.Do(func() {
		l.pipe.Close()

		timeout := l.closeTimeout
		if timeout <= 0 {
			timeout = time.Second
		}

		select {
		case <-l.done:
		case <-time.After(timeout):
			if l.cmd.Process != nil {
				l.cmd.Process.Kill()
			}
			<-l.done
		}
	})
	return nil
}

// limitedBuffer keeps the first max bytes written to it
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
