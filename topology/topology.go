package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/sameer-m-dev/mongolink/config"
	"github.com/sameer-m-dev/mongolink/description"
	"github.com/sameer-m-dev/mongolink/server"
	"github.com/sameer-m-dev/mongolink/util"
)

// ErrTopologyClosed is returned by SelectServer after Close.
var ErrTopologyClosed = errors.New("topology is closed")

// ServerSelectionError reports a selection attempt that exhausted its
// timeout. It carries the cluster view the decision was made against so
// callers can see what was known at the time.
type ServerSelectionError struct {
	Desc description.Cluster
	Wait time.Duration
}

func (e *ServerSelectionError) Error() string {
	states := make([]string, 0, len(e.Desc.Servers))
	for _, s := range e.Desc.Servers {
		if s.Err != nil {
			states = append(states, fmt.Sprintf("%s=%s(%v)", s.Addr, s.Kind, s.Err))
		} else {
			states = append(states, fmt.Sprintf("%s=%s", s.Addr, s.Kind))
		}
	}
	return fmt.Sprintf("no suitable server found after %v; cluster: %s [%s]",
		e.Wait.Round(time.Millisecond), e.Desc.Kind, strings.Join(states, ", "))
}

// Variant distinguishes the two topology behaviors. A single-server
// topology pins exactly one address and never changes membership; a
// multi-server topology tracks membership reported by its members.
type Variant int

const (
	SingleServer Variant = iota + 1
	MultiServer
)

// Options configures a topology.
type Options struct {
	SelectionTimeout time.Duration
	LatencyWindow    time.Duration
	Logger           *zap.Logger
	Metrics          util.MetricsInterface
}

// Topology tracks a set of monitored servers and maintains an immutable
// cluster description rebuilt on every server change. SelectServer blocks
// on that description until a matching server shows up or the selection
// timeout expires.
type Topology struct {
	variant Variant
	factory *server.Factory
	opts    Options
	logger  *zap.Logger

	servers *xsync.MapOf[string, *server.Server]
	desc    atomic.Value // description.Cluster
	updates chan description.Server

	mu      sync.Mutex
	changed chan struct{}
	closed  bool

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSingle creates a topology pinned to one server. Membership never
// changes regardless of what the server reports about its peers, and the
// cluster kind is always Single.
func NewSingle(addr config.ServerAddress, factory *server.Factory, opts Options) *Topology {
	t := newTopology(SingleServer, factory, opts)
	t.addServer(addr)
	t.rebuild()
	go t.run()
	return t
}

// NewMulti creates a topology seeded with the given addresses. Membership
// is reconciled from the host lists servers report: a primary's list is
// authoritative, other members can only add.
func NewMulti(seeds []config.ServerAddress, factory *server.Factory, opts Options) *Topology {
	t := newTopology(MultiServer, factory, opts)
	for _, addr := range seeds {
		t.addServer(addr)
	}
	t.rebuild()
	go t.run()
	return t
}

func newTopology(variant Variant, factory *server.Factory, opts Options) *Topology {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Topology{
		variant: variant,
		factory: factory,
		opts:    opts,
		logger:  logger,
		servers: xsync.NewMapOf[string, *server.Server](),
		updates: make(chan description.Server, 16),
		changed: make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.desc.Store(description.Cluster{Kind: description.ClusterKindUnknown})
	return t
}

// Variant returns whether this topology is single- or multi-server.
func (t *Topology) Variant() Variant {
	return t.variant
}

// Describe returns the current cluster description snapshot.
func (t *Topology) Describe() description.Cluster {
	return t.desc.Load().(description.Cluster)
}

// SelectServer returns a tracked server matching the selector, preferring
// none over a bad fit: when no candidate matches it waits for topology
// changes until ctx or the selection timeout expires. Matching candidates
// within the latency window of the fastest are chosen from at random.
// A single-server topology has no fallback to prefer, so role criteria are
// ignored there: the pinned handle is returned whenever it is up.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (*server.Server, error) {
	start := time.Now()

	if t.variant == SingleServer {
		selector = description.Any()
	}

	if t.opts.SelectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.SelectionTimeout)
		defer cancel()
	}

	for {
		snapshot, changed, closed := t.view()
		if closed {
			return nil, ErrTopologyClosed
		}

		candidates := selector(snapshot, snapshot.Servers)
		candidates = description.LatencyWindow(t.opts.LatencyWindow)(snapshot, candidates)

		if len(candidates) > 0 {
			pick := candidates[rand.Intn(len(candidates))]
			srv, ok := t.servers.Load(pick.Addr.String())
			if ok {
				if t.opts.Metrics != nil {
					_ = t.opts.Metrics.Timing("server_selection", time.Since(start), []string{"success:true"}, 1)
				}
				return srv, nil
			}
			// Removed between snapshot and lookup; take a fresh view.
			continue
		}

		select {
		case <-changed:
		case <-t.quit:
			return nil, ErrTopologyClosed
		case <-ctx.Done():
			if t.opts.Metrics != nil {
				_ = t.opts.Metrics.Timing("server_selection", time.Since(start), []string{"success:false"}, 1)
				_ = t.opts.Metrics.Incr("selection_timeout", nil, 1)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &ServerSelectionError{Desc: snapshot, Wait: time.Since(start)}
			}
			return nil, ctx.Err()
		}
	}
}

// Close stops all monitors and drains all pools. Idempotent; pending
// SelectServer calls unblock with ErrTopologyClosed.
func (t *Topology) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.quit)
		<-t.done

		var wg sync.WaitGroup
		t.servers.Range(func(key string, srv *server.Server) bool {
			t.servers.Delete(key)
			wg.Add(1)
			go func() {
				defer wg.Done()
				srv.Close()
			}()
			return true
		})
		wg.Wait()

		t.desc.Store(description.Cluster{Kind: description.ClusterKindUnknown})
		t.logger.Debug("Topology closed")
	})
}

// view returns the snapshot paired with the channel that will be closed
// when the snapshot next changes, so waiters cannot miss an update between
// reading and blocking.
func (t *Topology) view() (description.Cluster, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc.Load().(description.Cluster), t.changed, t.closed
}

// run consumes monitor updates and keeps membership and the snapshot in
// step with them.
func (t *Topology) run() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			return
		case desc := <-t.updates:
			t.apply(desc)
		}
	}
}

func (t *Topology) apply(desc description.Server) {
	if _, tracked := t.servers.Load(desc.Addr.String()); !tracked {
		// Update from a server removed after it published; ignore.
		return
	}

	if t.variant == MultiServer && desc.Up && len(desc.Hosts) > 0 {
		t.reconcile(desc)
	}

	t.rebuild()
}

// reconcile aligns tracked membership with the host list in desc. A
// primary's list both adds and removes; reports from other members only
// add, since a lagging secondary may not have seen a new host yet.
func (t *Topology) reconcile(desc description.Server) {
	reported := make(map[string]config.ServerAddress, len(desc.Hosts))
	for _, addr := range desc.Hosts {
		reported[addr.String()] = addr
	}

	for key, addr := range reported {
		if _, ok := t.servers.Load(key); ok {
			continue
		}
		t.logger.Info("Discovered server",
			zap.String("address", key),
			zap.String("reported_by", desc.Addr.String()))
		t.addServer(addr)
		if t.opts.Metrics != nil {
			_ = t.opts.Metrics.Incr("server_discovered", []string{fmt.Sprintf("address:%s", addr)}, 1)
		}
	}

	if desc.Kind != description.RSPrimary {
		return
	}

	t.servers.Range(func(key string, srv *server.Server) bool {
		if _, ok := reported[key]; ok {
			return true
		}
		t.servers.Delete(key)
		t.logger.Info("Removing server no longer in replica set",
			zap.String("address", key),
			zap.String("reported_by", desc.Addr.String()))
		if t.opts.Metrics != nil {
			_ = t.opts.Metrics.Incr("server_removed", []string{fmt.Sprintf("address:%s", key)}, 1)
		}
		// Close drains the pool and joins the monitor; keep it off the
		// update loop.
		go srv.Close()
		return true
	})
}

func (t *Topology) addServer(addr config.ServerAddress) {
	t.servers.Store(addr.String(), t.factory.NewServer(addr, t.updates))
}

// rebuild recomputes the cluster snapshot from current member descriptions
// and wakes selection waiters.
func (t *Topology) rebuild() {
	servers := make([]description.Server, 0, t.servers.Size())
	t.servers.Range(func(_ string, srv *server.Server) bool {
		servers = append(servers, srv.Description())
		return true
	})

	kind := description.Single
	if t.variant == MultiServer {
		kind = description.DeduceKind(servers)
	}
	snapshot := description.NewCluster(kind, servers)

	t.mu.Lock()
	t.desc.Store(snapshot)
	notify := t.changed
	t.changed = make(chan struct{})
	t.mu.Unlock()
	close(notify)

	if t.opts.Metrics != nil {
		_ = t.opts.Metrics.Gauge("topology_servers", float64(len(servers)), nil, 1)
	}
}
