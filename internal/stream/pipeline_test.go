package stream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydbydissing/rew-network-bridge/internal/audio"
	"github.com/lydbydissing/rew-network-bridge/internal/protocol"
	"github.com/lydbydissing/rew-network-bridge/internal/sender"
	"github.com/lydbydissing/rew-network-bridge/internal/source"
)

// chanSource is a source fed by the test
type chanSource struct {
	frames chan audio.Frame
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan audio.Frame, 16)}
}

func (c *chanSource) Name() string                    { return "test" }
func (c *chanSource) Kind() source.Kind               { return source.KindDirectCapture }
func (c *chanSource) Description() string             { return "test source" }
func (c *chanSource) Format() audio.Format            { return audio.DefaultFormat }
func (c *chanSource) Start(ctx context.Context) error { return nil }
func (c *chanSource) Frames() <-chan audio.Frame      { return c.frames }
func (c *chanSource) Level() float64                  { return 0 }
func (c *chanSource) Stats() source.Stats             { return source.Stats{} }
func (c *chanSource) Stop() error                     { return nil }

func (c *chanSource) push(n int) {
	c.frames <- audio.Frame{Data: make([]byte, n), Format: audio.DefaultFormat, Captured: time.Now()}
}

// recordingConn collects datagrams; failing makes every write fail
type recordingConn struct {
	mu        sync.Mutex
	datagrams [][]byte
	failing   bool
	closed    bool
}

func (r *recordingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, net.ErrClosed
	}
	if r.failing {
		return 0, errors.New("no route to host")
	}
	r.datagrams = append(r.datagrams, append([]byte(nil), p...))
	return len(p), nil
}

func (r *recordingConn) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingConn) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.datagrams)
}

type connFactory struct {
	mu    sync.Mutex
	conns []*recordingConn
	fail  bool
}

func (f *connFactory) listen() (sender.PacketWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &recordingConn{failing: f.fail}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *connFactory) get(i int) *recordingConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPipeline(src source.Source, factory *connFactory) *Pipeline {
	return New(src, Config{Format: audio.DefaultFormat, Listen: factory.listen}, testLogger(), nil)
}

func runPipeline(t *testing.T, p *Pipeline) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return cancel, done
}

func TestPipelineSkipsWhileDisconnected(t *testing.T) {
	src := newChanSource()
	p := newTestPipeline(src, &connFactory{})

	cancel, done := runPipeline(t, p)
	defer cancel()

	src.push(4096)
	src.push(4096)

	require.Eventually(t, func() bool { return p.Stats().FramesSkipped == 2 }, 2*time.Second, 5*time.Millisecond)

	_, ok := p.SenderStats()
	assert.False(t, ok)
	assert.False(t, p.Connected())

	cancel()
	assert.NoError(t, <-done)
}

func TestPipelineStreamsToTarget(t *testing.T) {
	src := newChanSource()
	factory := &connFactory{}
	p := newTestPipeline(src, factory)

	require.NoError(t, p.Connect("127.0.0.1", 5004))
	assert.True(t, p.Connected())

	cancel, done := runPipeline(t, p)
	defer cancel()

	src.push(4096)
	src.push(4096)

	require.Eventually(t, func() bool { return p.Stats().FramesStreamed == 2 }, 2*time.Second, 5*time.Millisecond)

	// 4096 bytes at 1188 per datagram is 4 datagrams per frame
	assert.Equal(t, 8, factory.get(0).count())

	stats, ok := p.SenderStats()
	require.True(t, ok)
	assert.Equal(t, uint64(8), stats.PacketsSent)
	assert.Equal(t, uint16(8), stats.Sequence)
	assert.Equal(t, uint32(2048), stats.Timestamp)

	pstats := p.Stats()
	assert.Equal(t, "127.0.0.1:5004", pstats.Target)
	assert.True(t, pstats.Connected)

	cancel()
	assert.NoError(t, <-done)
}

func TestPipelineConnectCreatesFreshSession(t *testing.T) {
	src := newChanSource()
	factory := &connFactory{}
	p := newTestPipeline(src, factory)

	require.NoError(t, p.Connect("127.0.0.1", 5004))
	first, _ := p.SenderStats()

	require.NoError(t, p.Connect("127.0.0.1", 6000))
	second, _ := p.SenderStats()

	assert.True(t, factory.get(0).closed, "previous socket is closed")
	assert.Equal(t, "127.0.0.1:6000", second.Target)
	assert.Equal(t, uint64(0), second.PacketsSent)
	assert.NotEqual(t, first.StartedAt, time.Time{})
}

func TestPipelineDisconnectAndReconnect(t *testing.T) {
	src := newChanSource()
	factory := &connFactory{}
	p := newTestPipeline(src, factory)

	assert.ErrorIs(t, p.Reconnect(), ErrNoTarget)
	assert.NoError(t, p.Disconnect())

	require.NoError(t, p.Connect("127.0.0.1", 5004))

	cancel, done := runPipeline(t, p)
	defer cancel()

	src.push(1000)
	require.Eventually(t, func() bool { return p.Stats().FramesStreamed == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Disconnect())
	assert.False(t, p.Connected())

	// stats of the stopped session stay readable
	stats, ok := p.SenderStats()
	require.True(t, ok)
	assert.False(t, stats.Active)
	assert.Equal(t, uint64(1), stats.PacketsSent)

	src.push(1000)
	require.Eventually(t, func() bool { return p.Stats().FramesSkipped == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Reconnect())
	assert.True(t, p.Connected())
	stats, _ = p.SenderStats()
	assert.Equal(t, uint64(0), stats.PacketsSent)

	src.push(1000)
	require.Eventually(t, func() bool { return p.Stats().FramesStreamed == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, factory.get(1).count())

	cancel()
	assert.NoError(t, <-done)
}

func TestPipelineCountsTransmitErrors(t *testing.T) {
	src := newChanSource()
	factory := &connFactory{fail: true}
	p := newTestPipeline(src, factory)

	require.NoError(t, p.Connect("127.0.0.1", 5004))

	cancel, done := runPipeline(t, p)
	defer cancel()

	src.push(4096)
	src.push(100)

	require.Eventually(t, func() bool { return p.Stats().TransmitErrors == 2 }, 2*time.Second, 5*time.Millisecond)

	stats, _ := p.SenderStats()
	assert.True(t, stats.Active, "session stays active after transmit errors")
	assert.Equal(t, uint64(5), stats.SendErrors)

	cancel()
	assert.NoError(t, <-done)
}

func TestPipelineSourceEnded(t *testing.T) {
	src := newChanSource()
	p := newTestPipeline(src, &connFactory{})

	cancel, done := runPipeline(t, p)
	defer cancel()

	close(src.frames)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSourceEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the source ended")
	}
}

func TestPipelineConnectValidation(t *testing.T) {
	p := newTestPipeline(newChanSource(), &connFactory{})

	assert.Error(t, p.Connect("", 5004))
	assert.Error(t, p.Connect("127.0.0.1", 0))
	assert.Error(t, p.Connect("127.0.0.1", 70000))
}

func TestPipelineOverLoopback(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	src := newChanSource()
	p := New(src, Config{Format: audio.DefaultFormat}, testLogger(), nil)

	addr := conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, p.Connect("127.0.0.1", addr.Port))
	defer p.Disconnect()

	cancel, done := runPipeline(t, p)
	defer cancel()

	src.push(2000)

	buf := make([]byte, protocol.MaxDatagramSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var seqs []uint16
	for i := 0; i < 2; i++ {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		pkt, err := protocol.Parse(buf[:n])
		require.NoError(t, err)
		seqs = append(seqs, pkt.Header.SequenceNumber)
	}
	assert.Equal(t, []uint16{0, 1}, seqs)

	cancel()
	assert.NoError(t, <-done)
}
