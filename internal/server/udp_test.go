package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
	"github.com/lydbydissing/rew-network-bridge/internal/protocol"
	"github.com/lydbydissing/rew-network-bridge/internal/sender"
)

// recordingSink keeps every payload in order and can be told to fail
type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	opened   int
	closed   int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return nil
}

func (s *recordingSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("device gone")
	}
	s.payloads = append(s.payloads, append([]byte(nil), pcm...))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *recordingSink) all() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, p := range s.payloads {
		out = append(out, p...)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testReceiverConfig() *config.ReceiverConfig {
	return &config.ReceiverConfig{
		BindAddress: "127.0.0.1",
		UDPPort:     0,
		ReadBuffer:  65536,
		StatusEvery: 1000,
	}
}

func datagram(t *testing.T, seq uint16, ts uint32, streamID uint32, payload []byte) []byte {
	t.Helper()
	data, err := protocol.Marshal(nil, protocol.Header{
		PayloadType:    protocol.PayloadType,
		SequenceNumber: seq,
		Timestamp:      ts,
		StreamID:       streamID,
	}, payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestHandleDatagramForwardsInArrivalOrder(t *testing.T) {
	sink := &recordingSink{}
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, nil)

	for _, seq := range []uint16{0, 1, 2, 5, 6} {
		r.handleDatagram(datagram(t, seq, 0, 42, []byte{byte(seq)}), nil)
	}

	stats := r.GetStatistics()
	if stats.PacketsReceived != 5 {
		t.Errorf("Expected 5 packets, got %d", stats.PacketsReceived)
	}
	if stats.DroppedEstimate != 2 {
		t.Errorf("Expected dropped estimate 2, got %d", stats.DroppedEstimate)
	}
	if stats.LastSequence != 6 || !stats.HasSequence {
		t.Errorf("Expected last sequence 6, got %d", stats.LastSequence)
	}
	if !bytes.Equal(sink.all(), []byte{0, 1, 2, 5, 6}) {
		t.Errorf("Expected payloads in arrival order, got %v", sink.all())
	}
}

func TestHandleDatagramWrapAndDuplicates(t *testing.T) {
	sink := &recordingSink{}
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, nil)

	for _, seq := range []uint16{65534, 65535, 0, 0, 1} {
		r.handleDatagram(datagram(t, seq, 0, 42, []byte{0x01, 0x02}), nil)
	}

	stats := r.GetStatistics()
	if stats.DroppedEstimate != 0 {
		t.Errorf("Expected no loss across wrap and duplicate, got %d", stats.DroppedEstimate)
	}
	if stats.OutOfOrder != 1 {
		t.Errorf("Expected 1 out-of-order packet, got %d", stats.OutOfOrder)
	}
	if sink.count() != 5 {
		t.Errorf("Expected duplicate to be forwarded too, got %d payloads", sink.count())
	}
}

func TestHandleDatagramDiscardsMalformed(t *testing.T) {
	sink := &recordingSink{}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, m)

	valid := datagram(t, 0, 0, 1, []byte{1, 2, 3, 4})
	wrongVersion := append([]byte(nil), valid...)
	wrongVersion[0] = 0x40

	r.handleDatagram(valid[:11], nil)
	r.handleDatagram(wrongVersion, nil)
	r.handleDatagram([]byte{}, nil)

	stats := r.GetStatistics()
	if stats.Discarded != 3 {
		t.Errorf("Expected 3 discarded, got %d", stats.Discarded)
	}
	if stats.Errors != 0 {
		t.Errorf("Malformed packets must not count as errors, got %d", stats.Errors)
	}
	if stats.PacketsReceived != 0 || sink.count() != 0 {
		t.Errorf("Malformed packets must not reach the sink")
	}
	if got := testutil.ToFloat64(m.PacketsMalformed); got != 3 {
		t.Errorf("Expected malformed metric 3, got %v", got)
	}
}

func TestHandleDatagramSinkFailureContinues(t *testing.T) {
	sink := &recordingSink{fail: true}
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, nil)

	r.handleDatagram(datagram(t, 0, 0, 1, []byte{1}), nil)
	r.handleDatagram(datagram(t, 1, 0, 1, []byte{2}), nil)

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	r.handleDatagram(datagram(t, 2, 0, 1, []byte{3}), nil)

	stats := r.GetStatistics()
	if stats.Errors != 2 {
		t.Errorf("Expected 2 errors, got %d", stats.Errors)
	}
	if stats.PacketsReceived != 3 {
		t.Errorf("Expected 3 packets, got %d", stats.PacketsReceived)
	}
	if !bytes.Equal(sink.all(), []byte{3}) {
		t.Errorf("Expected playback to resume, got %v", sink.all())
	}
}

func TestNewStreamResyncsSequence(t *testing.T) {
	sink := &recordingSink{}
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, nil)

	r.handleDatagram(datagram(t, 40000, 0, 0xAAAA, []byte{1}), nil)
	r.handleDatagram(datagram(t, 40001, 0, 0xAAAA, []byte{1}), nil)
	// sender restarted: new stream id, numbering from zero
	r.handleDatagram(datagram(t, 0, 0, 0xBBBB, []byte{1}), nil)
	r.handleDatagram(datagram(t, 1, 0, 0xBBBB, []byte{1}), nil)

	stats := r.GetStatistics()
	if stats.DroppedEstimate != 0 {
		t.Errorf("Expected no loss across sessions, got %d", stats.DroppedEstimate)
	}
	if stats.Streams != 2 {
		t.Errorf("Expected 2 streams, got %d", stats.Streams)
	}
	if stats.StreamID != 0xBBBB {
		t.Errorf("Expected current stream 0xBBBB, got 0x%x", stats.StreamID)
	}
	if stats.PacketsReceived != 4 {
		t.Errorf("Expected counters to be kept across streams, got %d", stats.PacketsReceived)
	}
}

func TestConnectionState(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name     string
		last     time.Time
		expected string
	}{
		{"no packets", time.Time{}, ConnectionWaiting},
		{"recent", now.Add(-500 * time.Millisecond), ConnectionGood},
		{"slow", now.Add(-5 * time.Second), ConnectionSlow},
		{"gone", now.Add(-30 * time.Second), ConnectionDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connectionState(tt.last, now); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestSenderToReceiverOverLoopback(t *testing.T) {
	sink := &recordingSink{}
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start receiver: %v", err)
	}
	defer r.Stop()

	s, err := sender.New(sender.Config{
		Target: r.LocalAddr().(*net.UDPAddr).String(),
		Format: audio.DefaultFormat,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("Failed to create sender: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start sender: %v", err)
	}
	defer s.Close()

	frame := make([]byte, 4096)
	for i := range frame {
		frame[i] = byte(i * 7)
	}
	if err := s.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if sink.count() != 4 {
		t.Fatalf("Expected 4 payloads, got %d", sink.count())
	}
	if !bytes.Equal(sink.all(), frame) {
		t.Error("Received audio does not match the sent frame")
	}

	stats := r.GetStatistics()
	if stats.StreamID != s.Stats().StreamID {
		t.Errorf("Expected stream id 0x%x, got 0x%x", s.Stats().StreamID, stats.StreamID)
	}
	if stats.Connection != ConnectionGood {
		t.Errorf("Expected connection GOOD, got %s", stats.Connection)
	}
}

func TestReceiverStopClosesSink(t *testing.T) {
	sink := &recordingSink{}
	r := NewUDPReceiver(testReceiverConfig(), testLogger(), sink, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Failed to start receiver: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	if sink.opened != 1 || sink.closed != 1 {
		t.Errorf("Expected sink opened and closed once, got opened=%d closed=%d", sink.opened, sink.closed)
	}
	r.Stop()
}
