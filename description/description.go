package description

import (
	"sort"
	"time"

	"github.com/sameer-m-dev/mongolink/config"
)

// ServerKind is the role a server reported in its last successful probe.
type ServerKind int

const (
	ServerKindUnknown ServerKind = iota
	Standalone
	RSPrimary
	RSSecondary
	Mongos
)

func (k ServerKind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case Mongos:
		return "Mongos"
	default:
		return "Unknown"
	}
}

// ClusterKind classifies the deployment as a whole.
type ClusterKind int

const (
	ClusterKindUnknown ClusterKind = iota
	Single
	ReplicaSetWithPrimary
	ReplicaSetNoPrimary
	Sharded
)

func (k ClusterKind) String() string {
	switch k {
	case Single:
		return "Single"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case Sharded:
		return "Sharded"
	default:
		return "Unknown"
	}
}

// Server is the result of the most recent health check for one server. It
// is immutable and replaced wholesale on every probe, so readers never see
// a partially updated description.
type Server struct {
	Addr config.ServerAddress
	Kind ServerKind

	// Up reports whether the last probe succeeded.
	Up bool

	// RTT is the smoothed round-trip time of successful probes.
	RTT time.Duration

	// SetName and Hosts carry replica-set metadata from the probe reply.
	// Hosts is the member list the server reported, used for discovery.
	SetName string
	Hosts   []config.ServerAddress

	// Err retains the failure that marked the server down, for diagnostics.
	Err error

	// Version increases monotonically per address with every published
	// description.
	Version uint64

	At time.Time
}

// Unknown returns the initial description for a server that has not been
// probed yet.
func Unknown(addr config.ServerAddress) Server {
	return Server{Addr: addr, At: time.Now()}
}

// Writable reports whether the server can accept writes.
func (s Server) Writable() bool {
	return s.Up && (s.Kind == Standalone || s.Kind == RSPrimary || s.Kind == Mongos)
}

// Readable reports whether the server can serve reads.
func (s Server) Readable() bool {
	return s.Writable() || (s.Up && s.Kind == RSSecondary)
}

// Cluster is an atomic snapshot of the whole deployment: the cluster kind
// plus one description per member, ordered by address. It is rebuilt
// wholesale whenever any member changes.
type Cluster struct {
	Kind    ClusterKind
	Servers []Server
}

// NewCluster builds a snapshot with its members sorted by address.
func NewCluster(kind ClusterKind, servers []Server) Cluster {
	sorted := make([]Server, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Addr.String() < sorted[j].Addr.String()
	})
	return Cluster{Kind: kind, Servers: sorted}
}

// DeduceKind classifies a discovered (Multi) deployment from its members'
// roles. Single-variant topologies report Single directly and never call
// this.
func DeduceKind(servers []Server) ClusterKind {
	hasPrimary := false
	hasSetMember := false
	for _, s := range servers {
		switch s.Kind {
		case Mongos:
			return Sharded
		case RSPrimary:
			hasPrimary = true
		case RSSecondary:
			hasSetMember = true
		}
		if s.SetName != "" {
			hasSetMember = true
		}
	}
	if hasPrimary {
		return ReplicaSetWithPrimary
	}
	if hasSetMember {
		return ReplicaSetNoPrimary
	}
	return ClusterKindUnknown
}

// Server returns the member description for addr, if present.
func (c Cluster) Server(addr config.ServerAddress) (Server, bool) {
	for _, s := range c.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// HasWritableServer reports whether any member is currently writable.
func (c Cluster) HasWritableServer() bool {
	for _, s := range c.Servers {
		if s.Writable() {
			return true
		}
	}
	return false
}
