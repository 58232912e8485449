package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/logging"
)

// firstAudioLevel is the RMS level above which capture is considered to carry signal
const firstAudioLevel = 0.001

// capture is the read loop shared by all sources. It reads fixed-size frames from a
// line and hands copies to a bounded queue, dropping frames when the queue is full.
type capture struct {
	opts   Options
	logger *slog.Logger
	kind   Kind
	now    func() time.Time

	frames  chan audio.Frame
	level   *audio.LevelMeter
	dropLog *logging.Limiter

	mu      sync.Mutex
	started bool
	line    io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}

	stopping   atomic.Bool
	running    atomic.Bool
	captured   atomic.Uint64
	dropped    atomic.Uint64
	bytes      atomic.Uint64
	firstAudio atomic.Int64
}

func newCapture(kind Kind, opts Options) *capture {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 50
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &capture{
		opts:    opts,
		logger:  opts.Logger,
		kind:    kind,
		now:     time.Now,
		frames:  make(chan audio.Frame, opts.QueueSize),
		level:   audio.NewLevelMeter(audio.DefaultLevelInterval),
		dropLog: logging.NewLimiter(time.Second, 3),
		done:    make(chan struct{}),
	}
}

// claim marks the capture as started; a capture runs at most once
func (c *capture) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	return nil
}

// run starts the read loop on line
func (c *capture) run(ctx context.Context, line io.ReadCloser) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.line = line
	c.cancel = cancel
	c.mu.Unlock()

	c.running.Store(true)
	go c.loop(ctx, line)
}

func (c *capture) loop(ctx context.Context, line io.ReadCloser) {
	defer close(c.done)
	defer close(c.frames)
	defer c.running.Store(false)

	buf := make([]byte, c.opts.BufferSize)

	for {
		n, err := io.ReadFull(line, buf)
		if n > 0 {
			c.deliver(buf[:n])
		}
		if err == nil {
			continue
		}

		switch {
		case c.stopping.Load() || ctx.Err() != nil:
			c.logger.Debug("Capture loop ended: stop requested", slog.String("kind", c.kind.String()))
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			c.logger.Error("Capture loop ended: unexpected failure",
				slog.String("kind", c.kind.String()),
				slog.String("error", "capture line closed"),
			)
		default:
			c.logger.Error("Capture loop ended: unexpected failure",
				slog.String("kind", c.kind.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
}

// deliver copies one frame, updates the level and queues it without blocking
func (c *capture) deliver(pcm []byte) {
	now := c.now()
	frame := audio.Frame{
		Data:     append([]byte(nil), pcm...),
		Format:   c.opts.Format,
		Captured: now,
	}

	c.captured.Add(1)
	c.bytes.Add(uint64(len(pcm)))
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordFrameCaptured()
	}

	if c.level.Update(frame.Data) {
		level := c.level.Level()
		if c.opts.Metrics != nil {
			c.opts.Metrics.SetAudioLevel(level)
		}
		if level > firstAudioLevel && c.firstAudio.CompareAndSwap(0, now.UnixNano()) {
			c.logger.Info("First audio detected", slog.Float64("level", level))
		}
	}

	select {
	case c.frames <- frame:
	default:
		dropped := c.dropped.Add(1)
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordFrameDropped()
		}
		if ok, suppressed := c.dropLog.Allow(); ok {
			c.logger.Warn("Capture queue full, dropping frame",
				slog.Int("queue_size", c.opts.QueueSize),
				slog.Uint64("dropped", dropped),
				slog.Uint64("suppressed", suppressed),
			)
		}
	}
}

// stop sets the stop flag, cancels the loop, closes the line to interrupt a blocked
// read and waits for the loop at most StopTimeout. It reports whether the loop exited.
func (c *capture) stop() bool {
	c.stopping.Store(true)

	c.mu.Lock()
	cancel, line := c.cancel, c.line
	c.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	if err := line.Close(); err != nil {
		c.logger.Debug("Error closing capture line", slog.String("error", err.Error()))
	}

	select {
	case <-c.done:
		return true
	case <-time.After(c.opts.StopTimeout):
		c.logger.Warn("Capture loop did not stop in time, forcing cleanup",
			slog.String("kind", c.kind.String()),
			slog.Duration("timeout", c.opts.StopTimeout),
		)
		return false
	}
}

func (c *capture) Format() audio.Format {
	return c.opts.Format
}

func (c *capture) Frames() <-chan audio.Frame {
	return c.frames
}

func (c *capture) Level() float64 {
	return c.level.Level()
}

func (c *capture) Stats() Stats {
	s := Stats{
		Kind:           c.kind.String(),
		Running:        c.running.Load(),
		FramesCaptured: c.captured.Load(),
		FramesDropped:  c.dropped.Load(),
		BytesCaptured:  c.bytes.Load(),
		Level:          c.level.Level(),
	}
	if ns := c.firstAudio.Load(); ns != 0 {
		s.FirstAudio = time.Unix(0, ns)
	}
	return s
}
