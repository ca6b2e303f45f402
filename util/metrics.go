package util

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (

	// Server monitoring metrics
	serverUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongolink_server_up",
			Help: "Whether the most recent heartbeat against a server succeeded (1 = up, 0 = down)",
		},
		[]string{"address"},
	)

	heartbeatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongolink_heartbeat_duration_seconds",
			Help:    "Round-trip time of the monitor heartbeat against a server",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"address", "success"},
	)

	heartbeatFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_heartbeat_failures_total",
			Help: "Total number of failed monitor heartbeats",
		},
		[]string{"address"},
	)

	// Topology metrics
	topologyServers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongolink_topology_servers",
			Help: "Number of servers currently tracked by the topology",
		},
		[]string{},
	)

	serversDiscoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_servers_discovered_total",
			Help: "Total number of servers added to the topology after discovery",
		},
		[]string{},
	)

	serversRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_servers_removed_total",
			Help: "Total number of servers removed from the topology",
		},
		[]string{},
	)

	serverSelectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongolink_server_selection_duration_seconds",
			Help:    "Time spent selecting a server for an operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50},
		},
		[]string{"success"},
	)

	selectionTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_selection_timeouts_total",
			Help: "Total number of server selections that timed out without a suitable server",
		},
		[]string{},
	)

	// Connection pool metrics
	poolOpenConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongolink_pool_open_connections",
			Help: "Number of open connections in a server's pool",
		},
		[]string{"address"},
	)

	poolInUseConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongolink_pool_in_use_connections",
			Help: "Number of connections currently checked out of a server's pool",
		},
		[]string{"address"},
	)

	poolCheckoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongolink_pool_checkout_duration_seconds",
			Help:    "Time spent checking a connection out of a server's pool",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"address", "success"},
	)

	poolCheckoutFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_pool_checkout_failures_total",
			Help: "Total number of failed pool checkouts (timeouts, closed pool, dial errors)",
		},
		[]string{"address"},
	)

	connectionsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_connections_opened_total",
			Help: "Total number of connections dialed to servers",
		},
		[]string{"address"},
	)

	connectionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_connections_closed_total",
			Help: "Total number of connections closed",
		},
		[]string{"address"},
	)

	// Buffer pool metrics
	bufferAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_buffer_allocations_total",
			Help: "Total number of fresh buffer allocations (pool misses)",
		},
		[]string{},
	)

	bufferAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongolink_buffer_acquires_total",
			Help: "Total number of buffer acquisitions from the buffer pool",
		},
		[]string{},
	)

	bufferRetainedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongolink_buffer_retained_bytes",
			Help: "Bytes currently retained on the buffer pool free lists",
		},
		[]string{},
	)

	// Message size metrics
	messageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongolink_message_size_bytes",
			Help:    "Size of wire messages read from and written to servers",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"direction"},
	)

	mongolinkUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongolink_up",
			Help: "Whether the client is running (1 = up, 0 = closed)",
		},
	)
)

// MetricsInterface defines the common interface for metrics clients
type MetricsInterface interface {
	Timing(name string, duration time.Duration, tags []string, rate float64) error
	Incr(name string, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Distribution(name string, value float64, tags []string, rate float64) error
	Flush() error
	Close() error
	Shutdown(ctx context.Context) error
}

// MetricsClient provides a Prometheus-backed implementation of MetricsInterface
type MetricsClient struct {
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
}

// NewMetricsClient creates a new Prometheus metrics client and starts the
// scrape endpoint on metricsAddr in the background.
func NewMetricsClient(logger *zap.Logger, metricsAddr string) (*MetricsClient, error) {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		serverUp,
		heartbeatDuration,
		heartbeatFailuresTotal,
		topologyServers,
		serversDiscoveredTotal,
		serversRemovedTotal,
		serverSelectionDuration,
		selectionTimeoutsTotal,
		poolOpenConnections,
		poolInUseConnections,
		poolCheckoutDuration,
		poolCheckoutFailuresTotal,
		connectionsOpenedTotal,
		connectionsClosedTotal,
		bufferAllocationsTotal,
		bufferAcquiresTotal,
		bufferRetainedBytes,
		messageSizeBytes,
		mongolinkUp,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    metricsAddr,
		Handler: mux,
	}

	client := &MetricsClient{
		logger:   logger,
		server:   server,
		registry: registry,
	}

	mongolinkUp.Set(1)

	go func() {
		logger.Info("Starting Prometheus metrics server", zap.String("address", metricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return client, nil
}

// Shutdown gracefully shuts down the metrics server
func (m *MetricsClient) Shutdown(ctx context.Context) error {
	mongolinkUp.Set(0)
	return m.server.Shutdown(ctx)
}

// Timing records a duration metric
func (m *MetricsClient) Timing(name string, duration time.Duration, tags []string, rate float64) error {
	switch name {
	case "heartbeat":
		heartbeatDuration.WithLabelValues(parseAddressTag(tags), parseSuccessTag(tags)).Observe(duration.Seconds())
	case "server_selection":
		serverSelectionDuration.WithLabelValues(parseSuccessTag(tags)).Observe(duration.Seconds())
	case "pool_checkout":
		poolCheckoutDuration.WithLabelValues(parseAddressTag(tags), parseSuccessTag(tags)).Observe(duration.Seconds())
	}

	return nil
}

// Incr increments a counter
func (m *MetricsClient) Incr(name string, tags []string, rate float64) error {
	switch name {
	case "heartbeat_failure":
		heartbeatFailuresTotal.WithLabelValues(parseAddressTag(tags)).Inc()
	case "server_discovered":
		serversDiscoveredTotal.WithLabelValues().Inc()
	case "server_removed":
		serversRemovedTotal.WithLabelValues().Inc()
	case "selection_timeout":
		selectionTimeoutsTotal.WithLabelValues().Inc()
	case "pool_checkout_failure":
		poolCheckoutFailuresTotal.WithLabelValues(parseAddressTag(tags)).Inc()
	case "connection_opened":
		connectionsOpenedTotal.WithLabelValues(parseAddressTag(tags)).Inc()
	case "connection_closed":
		connectionsClosedTotal.WithLabelValues(parseAddressTag(tags)).Inc()
	case "buffer_allocation":
		bufferAllocationsTotal.WithLabelValues().Inc()
	case "buffer_acquire":
		bufferAcquiresTotal.WithLabelValues().Inc()
	}

	return nil
}

// Gauge sets a gauge value
func (m *MetricsClient) Gauge(name string, value float64, tags []string, rate float64) error {
	switch name {
	case "server_up":
		serverUp.WithLabelValues(parseAddressTag(tags)).Set(value)
	case "topology_servers":
		topologyServers.WithLabelValues().Set(value)
	case "pool_open_connections":
		poolOpenConnections.WithLabelValues(parseAddressTag(tags)).Set(value)
	case "pool_in_use_connections":
		poolInUseConnections.WithLabelValues(parseAddressTag(tags)).Set(value)
	case "buffer_retained_bytes":
		bufferRetainedBytes.WithLabelValues().Set(value)
	}

	return nil
}

// Distribution records a distribution value
func (m *MetricsClient) Distribution(name string, value float64, tags []string, rate float64) error {
	switch name {
	case "message_read_size":
		messageSizeBytes.WithLabelValues("read").Observe(value)
	case "message_write_size":
		messageSizeBytes.WithLabelValues("write").Observe(value)
	}

	return nil
}

func (m *MetricsClient) Flush() error {
	// No-op for Prometheus (metrics are pulled via HTTP scraping)
	return nil
}

func (m *MetricsClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Shutdown(ctx)
}

// parseSuccessTag extracts success status from tags, defaults to "true"
func parseSuccessTag(tags []string) string {
	for _, tag := range tags {
		if strings.HasPrefix(tag, "success:") {
			return tag[8:]
		}
	}
	return "true"
}

func parseAddressTag(tags []string) string {
	for _, tag := range tags {
		if strings.HasPrefix(tag, "address:") {
			return tag[8:]
		}
	}
	return "unknown"
}
