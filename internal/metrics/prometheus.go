package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netaudio"

// Metrics contains all Prometheus metrics for the bridge and the receiver.
// Each binary only updates the subset it owns.
type Metrics struct {
	// Capture metrics
	FramesCaptured prometheus.Counter
	FramesDropped  prometheus.Counter
	AudioLevel     prometheus.Gauge

	// Sender metrics
	PacketsSent     prometheus.Counter
	BytesSent       prometheus.Counter
	SendErrors      prometheus.Counter
	SessionsStarted prometheus.Counter
	ConnectionState prometheus.Gauge
	FrameSendTime   prometheus.Histogram

	// Receiver metrics
	PacketsReceived   prometheus.Counter
	BytesReceived     prometheus.Counter
	PacketsMalformed  prometheus.Counter
	PacketsLost       prometheus.Counter
	PacketsOutOfOrder prometheus.Counter
	SinkErrors        prometheus.Counter
	SinkRestarts      prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Use prometheus.DefaultRegisterer in the binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total number of audio frames read from the capture line",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of captured frames dropped because the handoff queue was full",
		}),
		AudioLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_level",
			Help:      "Normalized RMS level of the captured signal (0-1)",
		}),

		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total number of datagrams sent",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total number of bytes sent including headers",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of datagrams that failed to send",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sending sessions started",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Sender connection health (0 disconnected, 1 slow, 2 good)",
		}),
		FrameSendTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_send_duration_seconds",
			Help:      "Time spent packetizing and sending one frame",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
		}),

		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total number of well-formed datagrams received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total number of payload bytes received",
		}),
		PacketsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_malformed_total",
			Help:      "Total number of datagrams discarded as malformed",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Estimated number of datagrams lost in transit",
		}),
		PacketsOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_out_of_order_total",
			Help:      "Total number of duplicate or late datagrams",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of playback writes that failed after restart",
		}),
		SinkRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_restarts_total",
			Help:      "Total number of playback sink restarts",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameCaptured increments the captured frames counter
func (m *Metrics) RecordFrameCaptured() {
	m.FramesCaptured.Inc()
}

// RecordFrameDropped increments the dropped frames counter
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// SetAudioLevel sets the current capture level
func (m *Metrics) SetAudioLevel(level float64) {
	m.AudioLevel.Set(level)
}

// RecordPacketSent records one datagram handed to the socket
func (m *Metrics) RecordPacketSent(sizeBytes int) {
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(sizeBytes))
}

// RecordSendError increments the send errors counter
func (m *Metrics) RecordSendError() {
	m.SendErrors.Inc()
}

// RecordSessionStarted increments the sessions counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// SetConnectionState sets the health gauge
func (m *Metrics) SetConnectionState(value int) {
	m.ConnectionState.Set(float64(value))
}

// RecordFrameSent observes the time taken to send one frame
func (m *Metrics) RecordFrameSent(durationSeconds float64) {
	m.FrameSendTime.Observe(durationSeconds)
}

// RecordPacketReceived records one well-formed datagram
func (m *Metrics) RecordPacketReceived(payloadBytes int) {
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(payloadBytes))
}

// RecordPacketMalformed increments the malformed counter
func (m *Metrics) RecordPacketMalformed() {
	m.PacketsMalformed.Inc()
}

// RecordPacketsLost adds to the loss estimate
func (m *Metrics) RecordPacketsLost(count int) {
	m.PacketsLost.Add(float64(count))
}

// RecordPacketOutOfOrder increments the out-of-order counter
func (m *Metrics) RecordPacketOutOfOrder() {
	m.PacketsOutOfOrder.Inc()
}

// RecordSinkError increments the sink error counter
func (m *Metrics) RecordSinkError() {
	m.SinkErrors.Inc()
}

// RecordSinkRestart increments the sink restart counter
func (m *Metrics) RecordSinkRestart() {
	m.SinkRestarts.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
