package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/buffer"
	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/util"
)

// Error is the typed error for pool failures.
type Error string

func (e Error) Error() string { return string(e) }

var (
	// ErrPoolClosed is returned by Checkout after the pool has been closed.
	ErrPoolClosed = Error("connection pool is closed")

	// ErrPoolTimeout is returned when a checkout could not be satisfied
	// within the configured checkout timeout.
	ErrPoolTimeout = Error("timed out while waiting for a connection")

	// ErrConnectionClosed is returned when I/O is attempted on a
	// connection that has already been torn down.
	ErrConnectionClosed = Error("connection is closed")
)

var nextConnectionID uint64

// Pool is a bounded pool of connections to a single server. Idle
// connections are reused most-recently-returned first; when all slots are
// checked out, Checkout blocks until a lease is returned, the caller's
// context expires, or the checkout timeout elapses.
type Pool struct {
	addr     config.ServerAddress
	settings config.ConnectionSettings
	security config.SecuritySettings
	buffers  *buffer.Pool
	logger   *zap.Logger
	metrics  util.MetricsInterface

	// sem holds one slot per potential connection; a held slot covers a
	// lease from checkout through return.
	sem chan struct{}

	mu     sync.Mutex
	idle   []*Connection
	opened map[uint64]*Connection
	inUse  int
	closed bool
}

// New creates a connection pool for addr. Connections are dialed lazily on
// demand, up to MaxPoolSize; MinPoolSize only stops idle pruning from
// shrinking the pool below it, nothing is pre-dialed.
func New(addr config.ServerAddress, settings config.ConnectionSettings, security config.SecuritySettings, buffers *buffer.Pool, logger *zap.Logger, metrics util.MetricsInterface) *Pool {
	maxSize := settings.MaxPoolSize
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		addr:     addr,
		settings: settings,
		security: security,
		buffers:  buffers,
		logger:   logger.With(zap.String("address", addr.String())),
		metrics:  metrics,
		sem:      make(chan struct{}, maxSize),
		opened:   make(map[uint64]*Connection),
	}
}

// Address returns the server address this pool dials.
func (p *Pool) Address() config.ServerAddress {
	return p.addr
}

// Checkout leases a connection, reusing an idle one when available and
// dialing a new one while below the size limit. It blocks while the pool is
// at capacity until a connection is returned, ctx is done, or the checkout
// timeout elapses.
func (p *Pool) Checkout(ctx context.Context) (*Connection, error) {
	start := time.Now()

	caller := ctx
	if p.settings.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.settings.CheckoutTimeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.recordCheckoutFailure(start)
		// The caller's own cancellation or deadline is not pool
		// exhaustion; only the checkout timeout is.
		if err := caller.Err(); err != nil {
			return nil, err
		}
		return nil, ErrPoolTimeout
	}

	conn, err := p.connectionForSlot(ctx)
	if err != nil {
		<-p.sem
		p.recordCheckoutFailure(start)
		return nil, err
	}

	if p.metrics != nil {
		_ = p.metrics.Timing("pool_checkout", time.Since(start), []string{"success:true"}, 1)
	}
	p.publishGauges()
	return conn, nil
}

// connectionForSlot fills a held semaphore slot with a connection: an idle
// one when a fresh enough candidate exists, a newly dialed one otherwise.
func (p *Pool) connectionForSlot(ctx context.Context) (*Connection, error) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Most recently returned first; stale idle connections are pruned on
	// the way.
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if conn.expired(p.settings.MaxIdleTime, now) && len(p.opened) > p.settings.MinPoolSize {
			delete(p.opened, conn.id)
			p.mu.Unlock()
			p.logger.Debug("Closing idle connection past max idle time")
			conn.Close()
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return nil, ErrPoolClosed
			}
			continue
		}
		conn.mu.Lock()
		conn.checkedIn = false
		conn.invalidated = false
		conn.mu.Unlock()
		p.inUse++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := Dial(ctx, p.addr, p.settings, p.security, p.buffers, p.logger, p.metrics)
	if err != nil {
		return nil, err
	}
	conn.pool = p
	conn.id = atomic.AddUint64(&nextConnectionID, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, ErrPoolClosed
	}
	p.opened[conn.id] = conn
	p.inUse++
	p.mu.Unlock()
	return conn, nil
}

// Return hands a leased connection back. Invalidated connections and
// returns into a closed pool are closed rather than retained. Returning the
// same lease twice is a programming error and panics.
func (p *Pool) Return(conn *Connection) {
	if conn.pool != p {
		panic(fmt.Sprintf("pool: connection to %s returned to wrong pool", conn.addr))
	}

	conn.mu.Lock()
	if conn.checkedIn {
		conn.mu.Unlock()
		panic(fmt.Sprintf("pool: connection to %s returned twice", conn.addr))
	}
	conn.checkedIn = true
	conn.idleSince = time.Now()
	discard := conn.invalidated || conn.closed
	conn.mu.Unlock()

	p.mu.Lock()
	p.inUse--
	if p.closed || discard {
		delete(p.opened, conn.id)
		p.mu.Unlock()
		conn.Close()
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}

	<-p.sem
	p.publishGauges()
}

// CheckedOut returns the number of connections currently leased out.
func (p *Pool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// TotalOpen returns the number of open connections, idle and leased.
func (p *Pool) TotalOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

// Close shuts the pool down. Idle connections close immediately; leased
// connections get up to grace to be returned before being force-closed.
// Close is idempotent and unblocks pending checkouts with ErrPoolClosed.
func (p *Pool) Close(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, conn := range idle {
		delete(p.opened, conn.id)
	}
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}

	deadline := time.Now().Add(grace)
	for {
		p.mu.Lock()
		remaining := p.inUse
		p.mu.Unlock()
		if remaining == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	leaked := make([]*Connection, 0, len(p.opened))
	for _, conn := range p.opened {
		leaked = append(leaked, conn)
	}
	p.opened = make(map[uint64]*Connection)
	p.mu.Unlock()

	if len(leaked) > 0 {
		p.logger.Warn("Force-closing connections still leased at pool shutdown",
			zap.Int("count", len(leaked)))
	}
	for _, conn := range leaked {
		conn.Close()
	}

	p.publishGauges()
	p.logger.Debug("Connection pool closed")
}

func (p *Pool) recordCheckoutFailure(start time.Time) {
	if p.metrics == nil {
		return
	}
	_ = p.metrics.Timing("pool_checkout", time.Since(start), []string{"success:false"}, 1)
	_ = p.metrics.Incr("pool_checkout_failure", []string{fmt.Sprintf("address:%s", p.addr)}, 1)
}

func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	open := len(p.opened)
	inUse := p.inUse
	p.mu.Unlock()
	tags := []string{fmt.Sprintf("address:%s", p.addr)}
	_ = p.metrics.Gauge("pool_open_connections", float64(open), tags, 1)
	_ = p.metrics.Gauge("pool_in_use_connections", float64(inUse), tags, 1)
}
