package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/buffer"
	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/description"
	"github.com/sameer-m-dev/mongolink/wire"
)

// fakeMongod answers every hello probe with a fixed role.
type fakeMongod struct {
	listener net.Listener
	kind     description.ServerKind
	setName  string
	hosts    []string
}

func startFakeMongod(t *testing.T, kind description.ServerKind, setName string, hosts []string) (*fakeMongod, config.ServerAddress) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeMongod{listener: l, kind: kind, setName: setName, hosts: hosts}
	go f.serve()
	t.Cleanup(f.stop)

	return f, config.MustParseAddress(l.Addr().String())
}

func (f *fakeMongod) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			var buf []byte
			for {
				frame, err := wire.ReadFrame(conn, buf)
				if err != nil {
					return
				}
				requestID, _ := wire.RequestID(frame)
				if _, err := conn.Write(wire.HelloResponse(requestID, f.kind, f.setName, f.hosts)); err != nil {
					return
				}
				buf = frame[:0]
			}
		}(conn)
	}
}

func (f *fakeMongod) stop() {
	f.listener.Close()
}

func testFactory(t *testing.T) *Factory {
	t.Helper()
	cfg := config.Default()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.Connection.ConnectTimeout = time.Second
	cfg.Connection.ReadTimeout = time.Second
	cfg.Connection.CheckoutTimeout = time.Second
	return NewFactory(cfg, buffer.NewPool(zap.NewNop(), nil), zap.NewNop(), nil)
}

func TestMonitorPublishesUpDescription(t *testing.T) {
	_, addr := startFakeMongod(t, description.Standalone, "", nil)

	s := testFactory(t).NewServer(addr, nil)
	defer s.Close()

	assert.Eventually(t, func() bool {
		d := s.Description()
		return d.Up && d.Kind == description.Standalone && d.RTT > 0
	}, 2*time.Second, 10*time.Millisecond)

	d := s.Description()
	assert.Equal(t, addr, d.Addr)
	assert.NoError(t, d.Err)
	assert.NotZero(t, d.Version)
}

func TestMonitorReportsReplicaSetMetadata(t *testing.T) {
	hosts := []string{"rs1.example.com:27017", "rs2.example.com:27017"}
	_, addr := startFakeMongod(t, description.RSPrimary, "rs0", hosts)

	s := testFactory(t).NewServer(addr, nil)
	defer s.Close()

	assert.Eventually(t, func() bool {
		return s.Description().Up
	}, 2*time.Second, 10*time.Millisecond)

	d := s.Description()
	assert.Equal(t, description.RSPrimary, d.Kind)
	assert.Equal(t, "rs0", d.SetName)
	require.Len(t, d.Hosts, 2)
	assert.Equal(t, "rs1.example.com:27017", d.Hosts[0].String())
}

func TestMonitorMarksUnreachableServerDown(t *testing.T) {
	// Grab a port nothing is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := config.MustParseAddress(l.Addr().String())
	l.Close()

	s := testFactory(t).NewServer(addr, nil)
	defer s.Close()

	assert.Eventually(t, func() bool {
		d := s.Description()
		return !d.Up && d.Err != nil && d.Version > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, description.ServerKindUnknown, s.Description().Kind)
}

func TestMonitorRejectsMismatchedReply(t *testing.T) {
	// A server answering with the wrong responseTo is desynchronized; its
	// replies must not be trusted.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var buf []byte
				for {
					frame, err := wire.ReadFrame(conn, buf)
					if err != nil {
						return
					}
					requestID, _ := wire.RequestID(frame)
					if _, err := conn.Write(wire.HelloResponse(requestID+1, description.Standalone, "", nil)); err != nil {
						return
					}
					buf = frame[:0]
				}
			}(conn)
		}
	}()

	addr := config.MustParseAddress(l.Addr().String())
	s := testFactory(t).NewServer(addr, nil)
	defer s.Close()

	assert.Eventually(t, func() bool {
		d := s.Description()
		return !d.Up && d.Err != nil && d.Version > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Description().Up)
}

func TestMonitorRecoversWhenServerComesBack(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addrStr := l.Addr().String()
	addr := config.MustParseAddress(addrStr)
	l.Close()

	s := testFactory(t).NewServer(addr, nil)
	defer s.Close()

	require.Eventually(t, func() bool {
		return !s.Description().Up && s.Description().Err != nil
	}, 2*time.Second, 10*time.Millisecond)

	l2, err := net.Listen("tcp", addrStr)
	require.NoError(t, err)
	f := &fakeMongod{listener: l2, kind: description.Standalone}
	go f.serve()
	t.Cleanup(f.stop)

	// Recovery has to ride out the monitor's failure backoff.
	assert.Eventually(t, func() bool {
		return s.Description().Up
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUpdatesChannelReceivesDescriptions(t *testing.T) {
	_, addr := startFakeMongod(t, description.Standalone, "", nil)

	updates := make(chan description.Server, 16)
	s := testFactory(t).NewServer(addr, updates)
	defer s.Close()

	select {
	case d := <-updates:
		assert.Equal(t, addr, d.Addr)
		assert.True(t, d.Up)
	case <-time.After(2 * time.Second):
		t.Fatal("no description published")
	}
}

func TestVersionIncreasesAcrossHeartbeats(t *testing.T) {
	_, addr := startFakeMongod(t, description.Standalone, "", nil)

	updates := make(chan description.Server, 16)
	s := testFactory(t).NewServer(addr, updates)
	defer s.Close()

	first := <-updates
	second := <-updates
	assert.Greater(t, second.Version, first.Version)
}

func TestConnectionLease(t *testing.T) {
	_, addr := startFakeMongod(t, description.Standalone, "", nil)

	s := testFactory(t).NewServer(addr, nil)
	defer s.Close()

	conn, err := s.Connection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pool().CheckedOut())

	// The leased connection speaks the same protocol as the monitor.
	msg, _ := wire.HelloRequest()
	require.NoError(t, conn.WriteMessage(context.Background(), msg))
	reply, err := conn.ReadMessage(context.Background())
	require.NoError(t, err)

	hello, err := wire.DecodeHelloReply(reply)
	require.NoError(t, err)
	assert.Equal(t, description.Standalone, hello.Kind())

	s.Pool().Return(conn)
	assert.Equal(t, 0, s.Pool().CheckedOut())
}

func TestCloseIsIdempotent(t *testing.T) {
	_, addr := startFakeMongod(t, description.Standalone, "", nil)

	s := testFactory(t).NewServer(addr, nil)
	s.Close()
	s.Close()

	_, err := s.Connection(context.Background())
	assert.Error(t, err)
}
