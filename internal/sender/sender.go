package sender

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/logging"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
	"github.com/lydbydissing/rew-network-bridge/internal/protocol"
)

var (
	// ErrAlreadyStreaming is returned by Start while a session is active
	ErrAlreadyStreaming = errors.New("already streaming")

	// ErrNotStreaming is returned by Send and Stop when no session is active
	ErrNotStreaming = errors.New("not streaming")
)

// progressEvery is the number of packets between two progress log lines
const progressEvery = 1000

// TransmitError reports datagrams of one frame that could not be handed to the socket.
// The session stays active; the failed datagrams still consumed their sequence numbers.
type TransmitError struct {
	Failed int
	Total  int
	Err    error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("transmit failed for %d of %d packets: %v", e.Failed, e.Total, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}

// PacketWriter is the datagram socket a session writes to
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

// ListenFunc opens the socket for a new session
type ListenFunc func() (PacketWriter, error)

// Config contains the sender parameters
type Config struct {
	Target      string // host:port
	Format      audio.Format
	MaxPayload  int
	PayloadType uint8

	// Listen opens the session socket; defaults to an ephemeral UDP port
	Listen ListenFunc
}

// Stats is a snapshot of the current or most recent session
type Stats struct {
	StreamID           uint32        `json:"stream_id"`
	Target             string        `json:"target"`
	Active             bool          `json:"active"`
	PacketsSent        uint64        `json:"packets_sent"`
	BytesSent          uint64        `json:"bytes_sent"`
	SendErrors         uint64        `json:"send_errors"`
	Sequence           uint16        `json:"next_sequence"`
	Timestamp          uint32        `json:"next_timestamp"`
	StartedAt          time.Time     `json:"started_at"`
	LastSuccessfulSend time.Time     `json:"last_successful_send"`
	Duration           time.Duration `json:"duration_ns"`
	AverageBitrate     float64       `json:"average_bitrate_bps"`
}

// session is the state of one Start..Stop span. It is never reused.
type session struct {
	streamID uint32
	target   *net.UDPAddr
	conn     PacketWriter
	started  time.Time

	// seq and ts are only touched by Send under sendMu
	seq uint16
	ts  uint32

	closed    atomic.Bool
	stoppedAt atomic.Int64
	packets   atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
	lastSend  atomic.Int64
	nextSeq   atomic.Uint32
	nextTS    atomic.Uint32
}

// Sender packetizes PCM frames into datagrams and sends them to one target
type Sender struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serializes Start and Stop; sendMu serializes Send
	mu     sync.Mutex
	sendMu sync.Mutex

	current atomic.Pointer[session]
	buf     []byte
	warn    *logging.Limiter
}

// New creates a sender. m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Sender, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("target address cannot be empty")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio format: %w", err)
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = protocol.MaxPayload
	}
	if cfg.MaxPayload < 1 || cfg.MaxPayload > protocol.MaxPayload {
		return nil, fmt.Errorf("max payload must be between 1 and %d, got %d", protocol.MaxPayload, cfg.MaxPayload)
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = protocol.PayloadType
	}
	if cfg.Listen == nil {
		cfg.Listen = func() (PacketWriter, error) {
			return net.ListenPacket("udp", ":0")
		}
	}

	return &Sender{
		config:  cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		buf:     make([]byte, 0, protocol.HeaderSize+cfg.MaxPayload),
		warn:    logging.NewLimiter(time.Second, 5),
	}, nil
}

// Start opens a new session: fresh socket, random stream identifier,
// sequence and timestamp at zero, statistics reset.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current.Load(); cur != nil && !cur.closed.Load() {
		return ErrAlreadyStreaming
	}

	target, err := net.ResolveUDPAddr("udp", s.config.Target)
	if err != nil {
		return fmt.Errorf("failed to resolve target %s: %w", s.config.Target, err)
	}

	streamID, err := randomStreamID()
	if err != nil {
		return err
	}

	conn, err := s.config.Listen()
	if err != nil {
		return fmt.Errorf("failed to open UDP socket: %w", err)
	}

	sess := &session{
		streamID: streamID,
		target:   target,
		conn:     conn,
		started:  s.now(),
	}
	s.current.Store(sess)

	if s.metrics != nil {
		s.metrics.RecordSessionStarted()
	}

	s.logger.Info("Streaming started",
		slog.String("target", target.String()),
		slog.String("stream_id", fmt.Sprintf("0x%08x", streamID)),
		slog.String("format", s.config.Format.String()),
		slog.Int("max_payload", s.config.MaxPayload),
	)

	return nil
}

// Send splits frame into datagrams of at most MaxPayload bytes and sends them in order.
// Every datagram consumes one sequence number; the timestamp advances once per frame
// by the number of sample frames it contains. Frames sent after Stop are discarded.
func (s *Sender) Send(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	sess := s.current.Load()
	if sess == nil || sess.closed.Load() {
		return ErrNotStreaming
	}
	if len(frame) == 0 {
		return nil
	}

	start := s.now()
	total := protocol.PacketCount(len(frame), s.config.MaxPayload)
	failed := 0
	var firstErr error

	for off := 0; off < len(frame); off += s.config.MaxPayload {
		if sess.closed.Load() {
			return nil
		}

		end := off + s.config.MaxPayload
		if end > len(frame) {
			end = len(frame)
		}

		header := protocol.Header{
			PayloadType:    s.config.PayloadType,
			SequenceNumber: sess.seq,
			Timestamp:      sess.ts,
			StreamID:       sess.streamID,
		}
		sess.seq++

		datagram, err := protocol.Marshal(s.buf[:0], header, frame[off:end])
		if err != nil {
			failed++
			sess.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.buf = datagram

		n, err := sess.conn.WriteTo(datagram, sess.target)
		if err != nil {
			if sess.closed.Load() {
				return nil
			}
			failed++
			sess.errors.Add(1)
			if s.metrics != nil {
				s.metrics.RecordSendError()
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		packets := sess.packets.Add(1)
		sess.bytes.Add(uint64(n))
		sess.lastSend.Store(s.now().UnixNano())
		if s.metrics != nil {
			s.metrics.RecordPacketSent(n)
		}

		if packets%progressEvery == 0 {
			stats := s.snapshot(sess)
			s.logger.Info("Streaming progress",
				slog.Uint64("packets_sent", stats.PacketsSent),
				slog.Uint64("bytes_sent", stats.BytesSent),
				slog.Uint64("send_errors", stats.SendErrors),
				slog.Float64("average_kbps", stats.AverageBitrate/1000),
			)
		}
	}

	sess.ts += s.config.Format.Samples(len(frame))
	sess.nextSeq.Store(uint32(sess.seq))
	sess.nextTS.Store(sess.ts)

	if s.metrics != nil {
		s.metrics.RecordFrameSent(s.now().Sub(start).Seconds())
	}

	if failed > 0 {
		terr := &TransmitError{Failed: failed, Total: total, Err: firstErr}
		if ok, suppressed := s.warn.Allow(); ok {
			s.logger.Warn("Failed to send audio packets",
				slog.Int("failed", failed),
				slog.Int("total", total),
				slog.Uint64("send_errors", sess.errors.Load()),
				slog.Uint64("suppressed", suppressed),
				slog.String("error", firstErr.Error()),
			)
		}
		return terr
	}

	return nil
}

// Stop ends the active session and releases its socket. Statistics remain readable.
func (s *Sender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.current.Load()
	if sess == nil || sess.closed.Load() {
		return ErrNotStreaming
	}

	sess.closed.Store(true)
	sess.stoppedAt.Store(s.now().UnixNano())

	if err := sess.conn.Close(); err != nil {
		s.logger.Warn("Error closing UDP socket", slog.String("error", err.Error()))
	}

	stats := s.snapshot(sess)
	s.logger.Info("Streaming stopped",
		slog.String("stream_id", fmt.Sprintf("0x%08x", stats.StreamID)),
		slog.Uint64("packets_sent", stats.PacketsSent),
		slog.Uint64("bytes_sent", stats.BytesSent),
		slog.Uint64("send_errors", stats.SendErrors),
		slog.Duration("duration", stats.Duration),
	)

	return nil
}

// Close stops the active session if any. It is safe to call more than once.
func (s *Sender) Close() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotStreaming) {
		return err
	}
	return nil
}

// Active reports whether a session is streaming
func (s *Sender) Active() bool {
	sess := s.current.Load()
	return sess != nil && !sess.closed.Load()
}

// Target returns the configured destination
func (s *Sender) Target() string {
	return s.config.Target
}

// Stats returns a snapshot of the current or most recent session.
// The zero Stats is returned before the first Start.
func (s *Sender) Stats() Stats {
	sess := s.current.Load()
	if sess == nil {
		return Stats{Target: s.config.Target}
	}
	return s.snapshot(sess)
}

// LastSuccessfulSend returns the time of the last successful datagram, zero if none
func (s *Sender) LastSuccessfulSend() time.Time {
	sess := s.current.Load()
	if sess == nil {
		return time.Time{}
	}
	return unixNano(sess.lastSend.Load())
}

func (s *Sender) snapshot(sess *session) Stats {
	end := s.now()
	if stopped := sess.stoppedAt.Load(); stopped != 0 {
		end = time.Unix(0, stopped)
	}
	duration := end.Sub(sess.started)

	stats := Stats{
		StreamID:           sess.streamID,
		Target:             sess.target.String(),
		Active:             !sess.closed.Load(),
		PacketsSent:        sess.packets.Load(),
		BytesSent:          sess.bytes.Load(),
		SendErrors:         sess.errors.Load(),
		Sequence:           uint16(sess.nextSeq.Load()),
		Timestamp:          sess.nextTS.Load(),
		StartedAt:          sess.started,
		LastSuccessfulSend: unixNano(sess.lastSend.Load()),
		Duration:           duration,
	}
	if duration > 0 {
		stats.AverageBitrate = float64(stats.BytesSent*8) / duration.Seconds()
	}
	return stats
}

func unixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// randomStreamID draws a 32-bit stream identifier from crypto/rand
func randomStreamID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate stream id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
