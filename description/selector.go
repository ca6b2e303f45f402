package description

import (
	"time"
)

// ServerSelector narrows a cluster snapshot's members to those eligible
// for an operation. Selectors only filter; picking one of the survivors is
// the topology's job.
type ServerSelector func(c Cluster, candidates []Server) []Server

// Writable selects servers that accept writes: standalones, replica-set
// primaries and mongos routers.
func Writable() ServerSelector {
	return func(_ Cluster, candidates []Server) []Server {
		var out []Server
		for _, s := range candidates {
			if s.Writable() {
				out = append(out, s)
			}
		}
		return out
	}
}

// Readable selects any server that can serve reads, secondaries included.
func Readable() ServerSelector {
	return func(_ Cluster, candidates []Server) []Server {
		var out []Server
		for _, s := range candidates {
			if s.Readable() {
				out = append(out, s)
			}
		}
		return out
	}
}

// Any selects every server the topology currently reports as up.
func Any() ServerSelector {
	return func(_ Cluster, candidates []Server) []Server {
		var out []Server
		for _, s := range candidates {
			if s.Up {
				out = append(out, s)
			}
		}
		return out
	}
}

// LatencyWindow keeps servers whose round-trip time is within window of the
// fastest candidate, so an operation spreads across near-equivalent servers
// instead of pinning to one.
func LatencyWindow(window time.Duration) ServerSelector {
	return func(_ Cluster, candidates []Server) []Server {
		if len(candidates) < 2 {
			return candidates
		}
		min := candidates[0].RTT
		for _, s := range candidates[1:] {
			if s.RTT < min {
				min = s.RTT
			}
		}
		var out []Server
		for _, s := range candidates {
			if s.RTT <= min+window {
				out = append(out, s)
			}
		}
		return out
	}
}

// Composite applies selectors in order, feeding each one's survivors to
// the next.
func Composite(selectors ...ServerSelector) ServerSelector {
	return func(c Cluster, candidates []Server) []Server {
		out := candidates
		for _, sel := range selectors {
			out = sel(c, out)
		}
		return out
	}
}
