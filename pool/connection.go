package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/buffer"
	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/util"
	"github.com/sameer-m-dev/mongolink/wire"
)

const initialReadBufferSize = 4096

// Connection is a single network connection to one server. Connections
// obtained from a pool are leases: the holder must hand the connection back
// exactly once, either with Pool.Return or Connection.Invalidate. The
// payloads it carries are opaque length-prefixed wire frames; framing
// buffers come from the client's buffer pool.
type Connection struct {
	id   uint64
	addr config.ServerAddress
	nc   net.Conn

	logger  *zap.Logger
	metrics util.MetricsInterface

	settings config.ConnectionSettings
	buffers  *buffer.Pool

	pool *Pool // nil for direct (unpooled) connections

	mu          sync.Mutex
	readBuf     *buffer.Buffer
	closed      bool
	invalidated bool
	checkedIn   bool
	idleSince   time.Time
}

// Dial opens a direct connection to addr, outside any pool. Server monitors
// use this for their dedicated probe connection.
func Dial(ctx context.Context, addr config.ServerAddress, settings config.ConnectionSettings, security config.SecuritySettings, buffers *buffer.Pool, logger *zap.Logger, metrics util.MetricsInterface) (*Connection, error) {
	dialer := &net.Dialer{Timeout: settings.ConnectTimeout}

	var nc net.Conn
	var err error
	if tlsConfig := security.TLSConfig(); tlsConfig != nil {
		nc, err = tls.DialWithDialer(dialer, "tcp", addr.String(), tlsConfig)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if metrics != nil {
		_ = metrics.Incr("connection_opened", []string{fmt.Sprintf("address:%s", addr)}, 1)
	}
	logger.Debug("Connection opened", zap.String("address", addr.String()))

	return &Connection{
		addr:     addr,
		nc:       nc,
		logger:   logger,
		metrics:  metrics,
		settings: settings,
		buffers:  buffers,
	}, nil
}

// Address returns the server address this connection is bound to.
func (c *Connection) Address() config.ServerAddress {
	return c.addr
}

// WriteMessage writes one complete wire message. The context deadline, when
// present, bounds the write.
func (c *Connection) WriteMessage(ctx context.Context, wm []byte) error {
	if err := c.aliveForIO(); err != nil {
		return err
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}

	if _, err := c.nc.Write(wm); err != nil {
		return err
	}

	if c.metrics != nil {
		_ = c.metrics.Distribution("message_write_size", float64(len(wm)), nil, 1)
	}
	return nil
}

// ReadMessage reads one complete wire message. The returned slice is backed
// by a pooled buffer owned by the connection and is valid only until the
// next ReadMessage or the connection is closed. The read deadline is the
// earlier of the context deadline and the configured read timeout.
func (c *Connection) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := c.aliveForIO(); err != nil {
		return nil, err
	}

	deadline := time.Time{}
	if c.settings.ReadTimeout > 0 {
		deadline = time.Now().Add(c.settings.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 4 || size > wire.MaxMessageSize {
		return nil, fmt.Errorf("invalid wire message length %d from %s", size, c.addr)
	}

	c.mu.Lock()
	if c.readBuf == nil {
		want := int(size)
		if want < initialReadBufferSize {
			want = initialReadBufferSize
		}
		c.readBuf = c.buffers.Acquire(want)
	} else if int(size) > c.readBuf.Cap() {
		c.buffers.Release(c.readBuf)
		c.readBuf = c.buffers.Acquire(int(size))
	}
	frame := c.readBuf.Data[:size]
	c.mu.Unlock()

	copy(frame, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, frame[4:]); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		_ = c.metrics.Distribution("message_read_size", float64(size), nil, 1)
	}
	return frame, nil
}

// Invalidate marks a pooled connection as broken and hands it back to its
// pool for closing instead of reuse. It counts as the lease's single
// return. On direct connections it simply closes.
func (c *Connection) Invalidate() {
	c.mu.Lock()
	c.invalidated = true
	c.mu.Unlock()

	if c.pool != nil {
		c.pool.Return(c)
		return
	}
	c.Close()
}

// Close tears down the network connection and releases the read buffer.
// Safe to call more than once. Pooled connections are closed by their pool;
// callers hand leases back with Return or Invalidate instead.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	readBuf := c.readBuf
	c.readBuf = nil
	c.mu.Unlock()

	if readBuf != nil {
		c.buffers.Release(readBuf)
	}

	if err := c.nc.Close(); err != nil {
		c.logger.Debug("Error closing connection", zap.String("address", c.addr.String()), zap.Error(err))
	}

	if c.metrics != nil {
		_ = c.metrics.Incr("connection_closed", []string{fmt.Sprintf("address:%s", c.addr)}, 1)
	}
}

func (c *Connection) aliveForIO() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

// expired reports whether the connection has sat idle past the retention
// policy. Callers hold the pool lock.
func (c *Connection) expired(maxIdle time.Duration, now time.Time) bool {
	return maxIdle > 0 && !c.idleSince.IsZero() && now.Sub(c.idleSince) > maxIdle
}
