package mongolink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/buffer"
	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/description"
	"github.com/sameer-m-dev/mongolink/pool"
	"github.com/sameer-m-dev/mongolink/server"
	"github.com/sameer-m-dev/mongolink/topology"
	"github.com/sameer-m-dev/mongolink/util"
)

// Client is the connectivity core for a deployment: it owns the topology,
// the per-server connection pools, and the shared buffer pool, and hands
// out leased connections for operations.
type Client struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  util.MetricsInterface
	buffers  *buffer.Pool
	topology *topology.Topology

	closeOnce sync.Once
}

// New builds a client from cfg. A single seed, or Direct mode, pins the
// client to one server; multiple seeds start discovery across the
// deployment. The logger may be nil, in which case one is built from the
// configured log level.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		var err error
		logger, err = config.NewLogger(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	var metrics util.MetricsInterface
	if cfg.MetricsEnabled {
		var err error
		metrics, err = util.NewMetricsClient(logger, cfg.MetricsAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to start metrics: %w", err)
		}
	}

	buffers := buffer.NewPool(logger, metrics)
	factory := server.NewFactory(cfg, buffers, logger, metrics)

	opts := topology.Options{
		SelectionTimeout: cfg.ServerSelectionTimeout,
		LatencyWindow:    cfg.LatencyWindow,
		Logger:           logger,
		Metrics:          metrics,
	}

	var topo *topology.Topology
	if len(cfg.Seeds) == 1 || cfg.Direct {
		topo = topology.NewSingle(cfg.Seeds[0], factory, opts)
	} else {
		topo = topology.NewMulti(cfg.Seeds, factory, opts)
	}

	logger.Info("Client started",
		zap.Int("seeds", len(cfg.Seeds)),
		zap.Bool("direct", cfg.Direct),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval))

	return &Client{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		buffers:  buffers,
		topology: topo,
	}, nil
}

// Lease is a connection checked out for one operation. Exactly one of
// Release or Invalidate must be called when the operation finishes.
type Lease struct {
	Server     *server.Server
	Connection *pool.Connection
}

// Release returns the connection for reuse. Releasing twice panics.
func (l *Lease) Release() {
	l.Server.Pool().Return(l.Connection)
}

// Invalidate returns the connection marked broken so the pool closes it
// instead of reusing it. Counts as the lease's single release.
func (l *Lease) Invalidate() {
	l.Connection.Invalidate()
}

// GetServerForOperation selects a server matching the selector and leases a
// connection from its pool. Selection waits for the topology within the
// server selection timeout; checkout waits within the checkout timeout.
func (c *Client) GetServerForOperation(ctx context.Context, selector description.ServerSelector) (*Lease, error) {
	srv, err := c.topology.SelectServer(ctx, selector)
	if err != nil {
		return nil, err
	}
	conn, err := srv.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{Server: srv, Connection: conn}, nil
}

// Describe returns the current cluster description snapshot.
func (c *Client) Describe() description.Cluster {
	return c.topology.Describe()
}

// Topology exposes the underlying topology.
func (c *Client) Topology() *topology.Topology {
	return c.topology
}

// Close shuts the client down: monitors stop, pools drain, and the metrics
// endpoint (when enabled) is stopped. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.topology.Close()
		if c.metrics != nil {
			if err := c.metrics.Close(); err != nil {
				c.logger.Debug("Error shutting down metrics", zap.Error(err))
			}
		}
		c.logger.Info("Client closed")
	})
}
