package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/logging"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
	"github.com/lydbydissing/rew-network-bridge/internal/playback"
	"github.com/lydbydissing/rew-network-bridge/internal/protocol"
)

// Receiver connection states derived from the time since the last packet
const (
	ConnectionWaiting      = "WAITING"
	ConnectionGood         = "GOOD"
	ConnectionSlow         = "SLOW"
	ConnectionDisconnected = "DISCONNECTED"
)

// maxDatagram is the read buffer size; larger datagrams are truncated by the kernel
const maxDatagram = 65536

// UDPReceiver receives audio datagrams and forwards their payloads to a playback sink
// in arrival order. Packets are never reordered or held back.
type UDPReceiver struct {
	conn    *net.UDPConn
	config  *config.ReceiverConfig
	logger  *slog.Logger
	sink    playback.Sink
	metrics *metrics.Metrics
	now     func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	tracker SequenceTracker
	gapLog  *logging.Limiter
	sinkLog *logging.Limiter

	startedAt       time.Time
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	discarded       atomic.Uint64
	errors          atomic.Uint64
	streams         atomic.Uint64
	streamID        atomic.Uint32
	lastPacket      atomic.Int64
}

// NewUDPReceiver creates a receiver. m may be nil.
func NewUDPReceiver(cfg *config.ReceiverConfig, logger *slog.Logger, sink playback.Sink, m *metrics.Metrics) *UDPReceiver {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPReceiver{
		config:  cfg,
		logger:  logger,
		sink:    sink,
		metrics: m,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		gapLog:  logging.NewLimiter(time.Second, 5),
		sinkLog: logging.NewLimiter(time.Second, 3),
	}
}

// Start binds the UDP socket, opens the sink and starts the receive loop
func (r *UDPReceiver) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", r.config.BindAddress, r.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	r.conn = conn

	if err := r.conn.SetReadBuffer(r.config.ReadBuffer); err != nil {
		r.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("read_buffer", r.config.ReadBuffer),
			slog.String("error", err.Error()),
		)
	}

	if err := r.sink.Open(); err != nil {
		// the first write retries the open through the restart path
		r.logger.Warn("Failed to open playback sink",
			slog.String("sink", r.sink.Name()),
			slog.String("error", err.Error()),
		)
	}

	r.startedAt = r.now()

	r.logger.Info("UDP receiver started",
		slog.String("address", r.conn.LocalAddr().String()),
		slog.String("sink", r.sink.Name()),
		slog.Int("read_buffer", r.config.ReadBuffer),
	)

	r.wg.Add(1)
	go r.receiveLoop()

	return nil
}

// LocalAddr returns the bound address, useful when listening on port 0
func (r *UDPReceiver) LocalAddr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop stops the receive loop and closes the socket and the sink
func (r *UDPReceiver) Stop() error {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping UDP receiver...")

		r.cancel()

		if r.conn != nil {
			if err := r.conn.Close(); err != nil {
				r.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
		}

		r.wg.Wait()

		if err := r.sink.Close(); err != nil {
			r.logger.Warn("Error closing playback sink", slog.String("error", err.Error()))
		}

		stats := r.GetStatistics()
		r.logger.Info("UDP receiver stopped",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("bytes_received", stats.BytesReceived),
			slog.Uint64("dropped_estimate", stats.DroppedEstimate),
			slog.Uint64("out_of_order", stats.OutOfOrder),
			slog.Uint64("discarded", stats.Discarded),
			slog.Uint64("errors", stats.Errors),
		)
	})

	return nil
}

// receiveLoop is the main packet receiving loop
func (r *UDPReceiver) receiveLoop() {
	defer r.wg.Done()

	buffer := make([]byte, maxDatagram)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("Receive loop stopping due to context cancellation")
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := r.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-r.ctx.Done():
				return
			default:
				r.errors.Add(1)
				r.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		r.handleDatagram(buffer[:n], remoteAddr)
	}
}

// handleDatagram processes one datagram: validate, track sequence, forward payload
func (r *UDPReceiver) handleDatagram(data []byte, from *net.UDPAddr) {
	pkt, err := protocol.Parse(data)
	if err != nil {
		r.discarded.Add(1)
		if r.metrics != nil {
			r.metrics.RecordPacketMalformed()
		}
		r.logger.Debug("Discarding malformed datagram",
			slog.String("remote_addr", addrString(from)),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	now := r.now()
	packets := r.packetsReceived.Add(1)
	r.bytesReceived.Add(uint64(len(pkt.Payload)))
	r.lastPacket.Store(now.UnixNano())
	if r.metrics != nil {
		r.metrics.RecordPacketReceived(len(pkt.Payload))
	}

	r.trackStream(pkt.Header, from)

	update := r.tracker.Update(pkt.Header.SequenceNumber)
	switch {
	case update.Gap > 0:
		if r.metrics != nil {
			r.metrics.RecordPacketsLost(update.Gap)
		}
		if ok, suppressed := r.gapLog.Allow(); ok {
			r.logger.Warn("Packet loss detected",
				slog.Int("missing", update.Gap),
				slog.Uint64("sequence", uint64(pkt.Header.SequenceNumber)),
				slog.Uint64("dropped_estimate", r.tracker.Lost()),
				slog.Uint64("suppressed", suppressed),
			)
		}
	case update.OutOfOrder:
		if r.metrics != nil {
			r.metrics.RecordPacketOutOfOrder()
		}
		if ok, suppressed := r.gapLog.Allow(); ok {
			r.logger.Warn("Duplicate or late packet",
				slog.Uint64("sequence", uint64(pkt.Header.SequenceNumber)),
				slog.Uint64("suppressed", suppressed),
			)
		}
	}

	if len(pkt.Payload) > 0 {
		if err := r.sink.Write(pkt.Payload); err != nil {
			r.errors.Add(1)
			if ok, suppressed := r.sinkLog.Allow(); ok {
				r.logger.Error("Failed to play audio",
					slog.String("sink", r.sink.Name()),
					slog.Uint64("errors", r.errors.Load()),
					slog.Uint64("suppressed", suppressed),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if every := uint64(r.config.StatusEvery); every > 0 && packets%every == 0 {
		stats := r.GetStatistics()
		r.logger.Info("Receiver status",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("bytes_received", stats.BytesReceived),
			slog.Uint64("dropped_estimate", stats.DroppedEstimate),
			slog.Uint64("errors", stats.Errors),
			slog.String("connection", stats.Connection),
		)
	}
}

// trackStream notices a new stream identifier, which means the sender started a new
// session. Sequence tracking restarts so the new session's numbering is not read as loss.
func (r *UDPReceiver) trackStream(h protocol.Header, from *net.UDPAddr) {
	if r.streams.Load() > 0 && r.streamID.Load() == h.StreamID {
		return
	}

	r.streamID.Store(h.StreamID)
	r.streams.Add(1)
	r.tracker.Resync()

	r.logger.Info("New audio stream",
		slog.String("stream_id", fmt.Sprintf("0x%08x", h.StreamID)),
		slog.String("remote_addr", addrString(from)),
		slog.Uint64("first_sequence", uint64(h.SequenceNumber)),
	)
}

// ReceiverStatistics represents receiver counters
type ReceiverStatistics struct {
	PacketsReceived uint64    `json:"packets_received"`
	BytesReceived   uint64    `json:"bytes_received"`
	DroppedEstimate uint64    `json:"dropped_estimate"`
	OutOfOrder      uint64    `json:"out_of_order"`
	Discarded       uint64    `json:"discarded"`
	Errors          uint64    `json:"errors"`
	LastSequence    uint16    `json:"last_sequence"`
	HasSequence     bool      `json:"has_sequence"`
	StreamID        uint32    `json:"stream_id"`
	Streams         uint64    `json:"streams"`
	LastPacket      time.Time `json:"last_packet"`
	Connection      string    `json:"connection"`
	Uptime          string    `json:"uptime"`
}

// GetStatistics returns current receiver statistics
func (r *UDPReceiver) GetStatistics() ReceiverStatistics {
	now := r.now()
	seq := r.tracker.Snapshot()

	stats := ReceiverStatistics{
		PacketsReceived: r.packetsReceived.Load(),
		BytesReceived:   r.bytesReceived.Load(),
		DroppedEstimate: seq.Lost,
		OutOfOrder:      seq.OutOfOrder,
		Discarded:       r.discarded.Load(),
		Errors:          r.errors.Load(),
		LastSequence:    seq.Last,
		HasSequence:     seq.Initialized,
		StreamID:        r.streamID.Load(),
		Streams:         r.streams.Load(),
	}

	if ns := r.lastPacket.Load(); ns != 0 {
		stats.LastPacket = time.Unix(0, ns)
	}
	stats.Connection = connectionState(stats.LastPacket, now)

	if !r.startedAt.IsZero() {
		stats.Uptime = now.Sub(r.startedAt).Round(time.Second).String()
	}

	return stats
}

// connectionState classifies the receiver side of the link from the last packet time
func connectionState(lastPacket, now time.Time) string {
	if lastPacket.IsZero() {
		return ConnectionWaiting
	}

	since := now.Sub(lastPacket)
	switch {
	case since < 2*time.Second:
		return ConnectionGood
	case since < 10*time.Second:
		return ConnectionSlow
	default:
		return ConnectionDisconnected
	}
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
