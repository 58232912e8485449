package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lydbydissing/rew-network-bridge/internal/config"
	"github.com/lydbydissing/rew-network-bridge/internal/metrics"
)

// checkTimeout bounds a single health check
const checkTimeout = 2 * time.Second

// Checker is a named health check. Check returns nil when the component is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatusFunc returns a JSON-encodable snapshot of a component
type StatusFunc func() any

// HTTPServer provides the status API shared by the bridge and the receiver
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	service  string
	version  string

	mu         sync.RWMutex
	components []namedStatus
	checkers   []Checker
	startTime  time.Time
}

type namedStatus struct {
	name string
	fn   StatusFunc
}

// NewHTTPServer creates a new status API server. gatherer may be nil to expose the
// default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	m *metrics.Metrics, gatherer prometheus.Gatherer, service, version string) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		metrics:   m,
		gatherer:  gatherer,
		service:   service,
		version:   version,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// AddComponent publishes a component snapshot under name in /status
func (h *HTTPServer) AddComponent(name string, fn StatusFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components = append(h.components, namedStatus{name: name, fn: fn})
}

// AddChecker registers a health check evaluated by /health
func (h *HTTPServer) AddChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Handler returns the HTTP handler with all routes
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts listening. Bind errors are returned; serve errors after that are logged.
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP status server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP status server...")
	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	healthy := true
	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			healthy = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	status := http.StatusOK
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"checks":    checks,
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}

	writeJSON(w, status, body)
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": map[string]interface{}{
			"name":    h.service,
			"version": h.version,
		},
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).Round(time.Second).String(),
		"components": h.snapshot(),
	})
}

// handleStats implements the /stats endpoint: component snapshots only
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *HTTPServer) snapshot() map[string]interface{} {
	h.mu.RLock()
	components := append([]namedStatus(nil), h.components...)
	h.mu.RUnlock()

	snapshot := make(map[string]interface{}, len(components))
	for _, c := range components {
		snapshot[c.name] = c.fn()
	}
	return snapshot
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.config == nil {
		http.Error(w, "Configuration not available", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"audio": map[string]interface{}{
			"sample_rate": h.config.Audio.SampleRate,
			"bit_depth":   h.config.Audio.BitDepth,
			"channels":    h.config.Audio.Channels,
			"buffer_size": h.config.Audio.BufferSize,
			"queue_size":  h.config.Audio.QueueSize,
		},
		"source": map[string]interface{}{
			"mode":      h.config.Source.Mode,
			"sink_name": h.config.Source.SinkName,
			"loopback":  h.config.Source.Loopback,
		},
		"sender": map[string]interface{}{
			"target_host": h.config.Sender.TargetHost,
			"target_port": h.config.Sender.TargetPort,
			"max_payload": h.config.Sender.MaxPayload,
		},
		"receiver": map[string]interface{}{
			"bind_address": h.config.Receiver.BindAddress,
			"udp_port":     h.config.Receiver.UDPPort,
		},
		"playback": map[string]interface{}{
			"sink":     h.config.Playback.Sink,
			"command":  h.config.Playback.Command,
			"device":   h.config.Playback.Device,
			"wav_path": h.config.Playback.WAVPath,
		},
		"monitor": map[string]interface{}{
			"interval":             h.config.Monitor.Interval,
			"min_packets":          h.config.Monitor.MinPackets,
			"error_rate_threshold": h.config.Monitor.ErrorRateThreshold,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": h.service,
		"version": h.version,
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Health checks",
			"GET /status":  "Service info and component status",
			"GET /stats":   "Component statistics",
			"GET /config":  "Effective configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// writeJSON encodes v as JSON with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
