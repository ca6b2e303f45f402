package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/buffer"
	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/description"
	"github.com/sameer-m-dev/mongolink/pool"
	"github.com/sameer-m-dev/mongolink/util"
	"github.com/sameer-m-dev/mongolink/wire"
)

const (
	// monitorBaseBackoff is the first retry delay after a failed
	// heartbeat; subsequent failures double it up to the heartbeat
	// interval.
	monitorBaseBackoff = 500 * time.Millisecond

	// drainGrace is how long a closing server waits for leased
	// connections to come back before force-closing them.
	drainGrace = 5 * time.Second
)

// Factory creates monitored server handles that share one configuration,
// buffer pool, and metrics sink. The topology owns a factory and uses it
// for every member it tracks.
type Factory struct {
	settings          config.ConnectionSettings
	security          config.SecuritySettings
	heartbeatInterval time.Duration
	buffers           *buffer.Pool
	logger            *zap.Logger
	metrics           util.MetricsInterface
}

// NewFactory builds a factory from client configuration.
func NewFactory(cfg *config.Config, buffers *buffer.Pool, logger *zap.Logger, metrics util.MetricsInterface) *Factory {
	return &Factory{
		settings:          cfg.Connection,
		security:          cfg.Security,
		heartbeatInterval: cfg.HeartbeatInterval,
		buffers:           buffers,
		logger:            logger,
		metrics:           metrics,
	}
}

// NewServer creates a server handle for addr and starts its monitor.
// Description changes are published to updates; pass nil when the caller
// polls Description instead.
func (f *Factory) NewServer(addr config.ServerAddress, updates chan<- description.Server) *Server {
	s := &Server{
		addr:              addr,
		settings:          f.settings,
		security:          f.security,
		heartbeatInterval: f.heartbeatInterval,
		buffers:           f.buffers,
		logger:            f.logger.With(zap.String("address", addr.String())),
		metrics:           f.metrics,
		pool:              pool.New(addr, f.settings, f.security, f.buffers, f.logger, f.metrics),
		updates:           updates,
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	s.desc.Store(description.Unknown(addr))
	go s.monitor()
	return s
}

// Server is one monitored cluster member: a connection pool for operations
// plus a background monitor that maintains the server's description over a
// dedicated probe connection.
type Server struct {
	addr              config.ServerAddress
	settings          config.ConnectionSettings
	security          config.SecuritySettings
	heartbeatInterval time.Duration
	buffers           *buffer.Pool
	logger            *zap.Logger
	metrics           util.MetricsInterface

	pool    *pool.Pool
	updates chan<- description.Server

	desc    atomic.Value // description.Server
	version uint64
	avgRTT  time.Duration

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Address returns the server's address.
func (s *Server) Address() config.ServerAddress {
	return s.addr
}

// Description returns the latest known description of this server.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// Connection leases an operation connection from the server's pool.
func (s *Server) Connection(ctx context.Context) (*pool.Connection, error) {
	return s.pool.Checkout(ctx)
}

// Pool exposes the server's connection pool for instrumentation.
func (s *Server) Pool() *pool.Pool {
	return s.pool
}

// Close stops the monitor and drains the pool. Idempotent; blocks until the
// monitor goroutine has exited.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.pool.Close(drainGrace)
		s.logger.Debug("Server closed")
	})
}

// monitor probes the server at the heartbeat interval on a dedicated
// connection, backing off exponentially while the server is unreachable.
func (s *Server) monitor() {
	defer close(s.done)

	var probeConn *pool.Connection
	defer func() {
		if probeConn != nil {
			probeConn.Close()
		}
	}()

	failures := 0
	for {
		var err error
		probeConn, err = s.heartbeat(probeConn)

		var delay time.Duration
		if err != nil {
			failures++
			delay = s.backoff(failures)
			s.logger.Debug("Heartbeat failed",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay))
		} else {
			failures = 0
			delay = s.heartbeatInterval
		}

		select {
		case <-s.quit:
			return
		case <-time.After(delay):
		}
	}
}

// heartbeat runs one probe over probeConn, dialing it first when needed,
// and publishes the resulting description. It returns the connection to
// reuse for the next probe, or nil after a failure.
func (s *Server) heartbeat(probeConn *pool.Connection) (*pool.Connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout())
	defer cancel()

	start := time.Now()

	if probeConn == nil {
		var err error
		probeConn, err = pool.Dial(ctx, s.addr, s.settings, s.security, s.buffers, s.logger, s.metrics)
		if err != nil {
			s.publishFailure(err)
			return nil, err
		}
	}

	hello, err := s.exchangeHello(ctx, probeConn)
	if err != nil {
		probeConn.Close()
		s.publishFailure(err)
		return nil, err
	}
	rtt := time.Since(start)

	s.publishSuccess(hello, rtt)
	return probeConn, nil
}

func (s *Server) exchangeHello(ctx context.Context, conn *pool.Connection) (wire.Hello, error) {
	request, requestID := wire.HelloRequest()
	if err := conn.WriteMessage(ctx, request); err != nil {
		return wire.Hello{}, fmt.Errorf("failed to send hello to %s: %w", s.addr, err)
	}
	reply, err := conn.ReadMessage(ctx)
	if err != nil {
		return wire.Hello{}, fmt.Errorf("failed to read hello reply from %s: %w", s.addr, err)
	}
	// A reply to a different request means the probe connection is
	// desynchronized; tear it down rather than trust the pairing.
	if responseTo, ok := wire.ResponseTo(reply); !ok || responseTo != requestID {
		return wire.Hello{}, fmt.Errorf("hello reply from %s answers request %d, expected %d", s.addr, responseTo, requestID)
	}
	return wire.DecodeHelloReply(reply)
}

func (s *Server) publishSuccess(hello wire.Hello, rtt time.Duration) {
	// 90/10 moving average smooths transient latency spikes out of the
	// selection latency window.
	if s.avgRTT == 0 {
		s.avgRTT = rtt
	} else {
		s.avgRTT = s.avgRTT*9/10 + rtt/10
	}

	hosts := make([]config.ServerAddress, 0, len(hello.Hosts)+len(hello.Passives))
	for _, raw := range append(append([]string{}, hello.Hosts...), hello.Passives...) {
		addr, err := config.ParseAddress(raw)
		if err != nil {
			s.logger.Warn("Ignoring malformed host in hello reply", zap.String("host", raw), zap.Error(err))
			continue
		}
		hosts = append(hosts, addr)
	}

	s.version++
	desc := description.Server{
		Addr:    s.addr,
		Kind:    hello.Kind(),
		Up:      true,
		RTT:     s.avgRTT,
		SetName: hello.SetName,
		Hosts:   hosts,
		Version: s.version,
		At:      time.Now(),
	}
	s.publish(desc)

	if s.metrics != nil {
		tags := []string{"success:true", fmt.Sprintf("address:%s", s.addr)}
		_ = s.metrics.Timing("heartbeat", rtt, tags, 1)
		_ = s.metrics.Gauge("server_up", 1, []string{fmt.Sprintf("address:%s", s.addr)}, 1)
	}
}

func (s *Server) publishFailure(err error) {
	s.avgRTT = 0
	s.version++

	desc := description.Unknown(s.addr)
	desc.Err = err
	desc.Version = s.version
	desc.At = time.Now()
	s.publish(desc)

	if s.metrics != nil {
		tags := []string{fmt.Sprintf("address:%s", s.addr)}
		_ = s.metrics.Incr("heartbeat_failure", tags, 1)
		_ = s.metrics.Gauge("server_up", 0, tags, 1)
	}
}

func (s *Server) publish(desc description.Server) {
	s.desc.Store(desc)
	if s.updates == nil {
		return
	}
	select {
	case s.updates <- desc:
	case <-s.quit:
	}
}

func (s *Server) probeTimeout() time.Duration {
	timeout := s.settings.ConnectTimeout + s.settings.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout
}

func (s *Server) backoff(failures int) time.Duration {
	delay := monitorBaseBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.heartbeatInterval {
			return s.heartbeatInterval
		}
	}
	if delay > s.heartbeatInterval {
		delay = s.heartbeatInterval
	}
	return delay
}
