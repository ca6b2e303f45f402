package mongolink

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/description"
	"github.com/sameer-m-dev/mongolink/topology"
	"github.com/sameer-m-dev/mongolink/wire"
)

// fakeDeployment is a set of in-process servers sharing one replica-set
// view.
type fakeDeployment struct {
	mu        sync.Mutex
	listeners []net.Listener
	addrs     []config.ServerAddress
	kinds     []description.ServerKind
	setName   string
}

func startFakeDeployment(t *testing.T, setName string, kinds ...description.ServerKind) *fakeDeployment {
	t.Helper()

	d := &fakeDeployment{setName: setName, kinds: kinds}
	for range kinds {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		d.listeners = append(d.listeners, l)
		d.addrs = append(d.addrs, config.MustParseAddress(l.Addr().String()))
	}
	for i, l := range d.listeners {
		go d.serve(l, i)
	}
	t.Cleanup(func() {
		for _, l := range d.listeners {
			l.Close()
		}
	})
	return d
}

func (d *fakeDeployment) hosts() []string {
	out := make([]string, len(d.addrs))
	for i, addr := range d.addrs {
		out[i] = addr.String()
	}
	return out
}

func (d *fakeDeployment) serve(l net.Listener, idx int) {
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
				d.mu.Lock()
				var hosts []string
				if d.setName != "" {
					hosts = d.hosts()
				}
				reply := wire.HelloResponse(requestID, d.kinds[idx], d.setName, hosts)
				d.mu.Unlock()
				if _, err := conn.Write(reply); err != nil {
					return
				}
				buf = frame[:0]
			}
		}(conn)
	}
}

func testConfig(seeds ...config.ServerAddress) *config.Config {
	cfg := config.Default()
	cfg.Seeds = seeds
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ServerSelectionTimeout = 2 * time.Second
	cfg.Connection.ConnectTimeout = time.Second
	cfg.Connection.ReadTimeout = time.Second
	cfg.Connection.CheckoutTimeout = time.Second
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.Default(), zap.NewNop())
	assert.Error(t, err)
}

func TestSingleSeedClient(t *testing.T) {
	d := startFakeDeployment(t, "", description.Standalone)

	client, err := New(testConfig(d.addrs[0]), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, topology.SingleServer, client.Topology().Variant())

	lease, err := client.GetServerForOperation(context.Background(), description.Writable())
	require.NoError(t, err)

	msg, _ := wire.HelloRequest()
	require.NoError(t, lease.Connection.WriteMessage(context.Background(), msg))
	reply, err := lease.Connection.ReadMessage(context.Background())
	require.NoError(t, err)

	hello, err := wire.DecodeHelloReply(reply)
	require.NoError(t, err)
	assert.Equal(t, description.Standalone, hello.Kind())

	lease.Release()
	assert.Equal(t, 0, lease.Server.Pool().CheckedOut())

	desc := client.Describe()
	assert.Equal(t, description.Single, desc.Kind)
	require.Len(t, desc.Servers, 1)
}

func TestLeaseReleaseTwicePanics(t *testing.T) {
	d := startFakeDeployment(t, "", description.Standalone)

	client, err := New(testConfig(d.addrs[0]), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	lease, err := client.GetServerForOperation(context.Background(), description.Writable())
	require.NoError(t, err)

	lease.Release()
	require.Panics(t, func() { lease.Release() })
}

func TestLeaseInvalidate(t *testing.T) {
	d := startFakeDeployment(t, "", description.Standalone)

	client, err := New(testConfig(d.addrs[0]), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	lease, err := client.GetServerForOperation(context.Background(), description.Writable())
	require.NoError(t, err)

	lease.Invalidate()
	assert.Equal(t, 0, lease.Server.Pool().CheckedOut())
	assert.Equal(t, 0, lease.Server.Pool().TotalOpen())
}

func TestReplicaSetClient(t *testing.T) {
	d := startFakeDeployment(t, "rs0",
		description.RSPrimary,
		description.RSSecondary,
		description.RSSecondary,
	)

	// Seed with the primary and one secondary; the third member is
	// discovered from the host lists.
	client, err := New(testConfig(d.addrs[0], d.addrs[1]), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, topology.MultiServer, client.Topology().Variant())

	assert.Eventually(t, func() bool {
		desc := client.Describe()
		return desc.Kind == description.ReplicaSetWithPrimary && len(desc.Servers) == 3
	}, 3*time.Second, 20*time.Millisecond)

	lease, err := client.GetServerForOperation(context.Background(), description.Writable())
	require.NoError(t, err)
	assert.Equal(t, d.addrs[0], lease.Server.Address())
	lease.Release()

	lease, err = client.GetServerForOperation(context.Background(), description.Readable())
	require.NoError(t, err)
	lease.Release()
}

func TestSelectionTimeoutSurfaces(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := config.MustParseAddress(l.Addr().String())
	l.Close()

	cfg := testConfig(addr)
	cfg.ServerSelectionTimeout = 300 * time.Millisecond

	client, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetServerForOperation(context.Background(), description.Writable())
	var selErr *topology.ServerSelectionError
	assert.ErrorAs(t, err, &selErr)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := startFakeDeployment(t, "", description.Standalone)

	client, err := New(testConfig(d.addrs[0]), zap.NewNop())
	require.NoError(t, err)

	client.Close()
	client.Close()

	_, err = client.GetServerForOperation(context.Background(), description.Writable())
	assert.ErrorIs(t, err, topology.ErrTopologyClosed)
}
