package pool

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/buffer"
	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/wire"
)

func testSettings(maxPool int) config.ConnectionSettings {
	return config.ConnectionSettings{
		ConnectTimeout:  2 * time.Second,
		ReadTimeout:     2 * time.Second,
		CheckoutTimeout: time.Second,
		MaxIdleTime:     time.Minute,
		MaxPoolSize:     maxPool,
	}
}

// startListener runs a TCP server for the duration of the test. A nil
// handler just drains whatever the client writes.
func startListener(t *testing.T, handler func(net.Conn)) config.ServerAddress {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			if handler == nil {
				go func() { _, _ = io.Copy(io.Discard, conn) }()
				continue
			}
			go handler(conn)
		}
	}()

	return config.MustParseAddress(l.Addr().String())
}

func echoFrames(conn net.Conn) {
	defer conn.Close()
	var buf []byte
	for {
		frame, err := wire.ReadFrame(conn, buf)
		if err != nil {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
		buf = frame[:0]
	}
}

func newTestPool(t *testing.T, addr config.ServerAddress, settings config.ConnectionSettings) *Pool {
	t.Helper()
	p := New(addr, settings, config.SecuritySettings{}, buffer.NewPool(zap.NewNop(), nil), zap.NewNop(), nil)
	t.Cleanup(func() { p.Close(100 * time.Millisecond) })
	return p
}

func TestCheckoutReusesIdleConnection(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.CheckedOut())
	assert.Equal(t, 1, p.TotalOpen())

	p.Return(conn)
	assert.Equal(t, 0, p.CheckedOut())

	again, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 1, p.TotalOpen())
	p.Return(again)
}

func TestCheckoutBlocksAtCapacity(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	c1, err := p.Checkout(context.Background())
	require.NoError(t, err)
	c2, err := p.Checkout(context.Background())
	require.NoError(t, err)

	got := make(chan *Connection, 1)
	go func() {
		conn, err := p.Checkout(context.Background())
		if err == nil {
			got <- conn
		}
	}()

	select {
	case <-got:
		t.Fatal("checkout should block while the pool is at capacity")
	case <-time.After(100 * time.Millisecond):
	}

	p.Return(c1)

	select {
	case conn := <-got:
		assert.Same(t, c1, conn)
		assert.Equal(t, 2, p.TotalOpen())
		p.Return(conn)
	case <-time.After(time.Second):
		t.Fatal("checkout did not unblock after a return")
	}

	p.Return(c2)
}

func TestCheckoutTimeout(t *testing.T) {
	addr := startListener(t, nil)
	settings := testSettings(1)
	settings.CheckoutTimeout = 150 * time.Millisecond
	p := newTestPool(t, addr, settings)

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer p.Return(conn)

	start := time.Now()
	_, err = p.Checkout(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrPoolTimeout)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestCheckoutReportsCallerDeadlineAsSuch(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(1))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer p.Return(conn)

	// The caller's deadline fires well before the 1s checkout timeout;
	// that is the operation running out of time, not pool exhaustion.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Checkout(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrPoolTimeout)
}

func TestCheckoutHonorsCallerContext(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(1))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer p.Return(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = p.Checkout(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckoutAfterClose(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	p.Close(0)
	_, err := p.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Close is idempotent.
	p.Close(0)
}

func TestDoubleReturnPanics(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)

	p.Return(conn)
	require.Panics(t, func() { p.Return(conn) })
}

func TestInvalidateClosesConnection(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)

	conn.Invalidate()
	assert.Equal(t, 0, p.CheckedOut())
	assert.Equal(t, 0, p.TotalOpen())

	// The replacement is a fresh dial, not the invalidated connection.
	next, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
	p.Return(next)
}

func TestIdleConnectionsPruned(t *testing.T) {
	addr := startListener(t, nil)
	settings := testSettings(2)
	settings.MaxIdleTime = 50 * time.Millisecond
	p := newTestPool(t, addr, settings)

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(conn)

	time.Sleep(100 * time.Millisecond)

	next, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
	assert.Equal(t, 1, p.TotalOpen())
	p.Return(next)
}

func TestCloseForceClosesLeasedConnections(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)

	start := time.Now()
	p.Close(100 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, p.TotalOpen())

	err = conn.WriteMessage(context.Background(), []byte{5, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCloseWaitsForReturns(t *testing.T) {
	addr := startListener(t, nil)
	p := newTestPool(t, addr, testSettings(2))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		p.Return(conn)
	}()

	p.Close(time.Second)
	wg.Wait()
	assert.Equal(t, 0, p.TotalOpen())
}

func TestMessageRoundTrip(t *testing.T) {
	addr := startListener(t, echoFrames)
	p := newTestPool(t, addr, testSettings(2))

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer p.Return(conn)

	msg, _ := wire.HelloRequest()
	require.NoError(t, conn.WriteMessage(context.Background(), msg))

	got, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// A second exchange reuses the same read buffer.
	require.NoError(t, conn.WriteMessage(context.Background(), msg))
	got, err = conn.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
