package meshpool

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

// RouteEntry is one row of the RoutingTable, naming the next hop to use
// to reach Destination and how many gateway relays that costs, per
// spec.md §4.H.
type RouteEntry struct {
	Destination id.NodeId
	NextHop     id.NodeId
	Hops        uint16
}

// PeerFlags records the Handshake-announced flags of a direct peer,
// kept in the RoutingTable for diagnostic dumps (an original_source
// feature the distilled spec dropped; see DESIGN.md).
type PeerFlags struct {
	IsGateway bool
	BehindNAT bool
}

// RoutingTable is the distance-vector route store of spec.md §4.H: one
// entry per reachable destination, refreshed by direct channel
// establishment and by Alive gossip, expired when no Alive arrives
// within alive_timeout.
type RoutingTable struct {
	mu        sync.RWMutex
	maxHops   uint16
	routes    map[id.NodeId]RouteEntry
	lastAlive map[id.NodeId]time.Time
	flags     map[id.NodeId]PeerFlags
}

// NewRoutingTable builds an empty RoutingTable bounded by maxHops.
func NewRoutingTable(maxHops uint16) *RoutingTable {
	return &RoutingTable{
		maxHops:   maxHops,
		routes:    make(map[id.NodeId]RouteEntry),
		lastAlive: make(map[id.NodeId]time.Time),
		flags:     make(map[id.NodeId]PeerFlags),
	}
}

// InsertDirect installs (or refreshes) the zero-hop route to a peer
// reached by a freshly Established channel. Direct routes always win
// over gossip-derived ones for the same destination. Reports whether
// peer was not already tracked.
func (rt *RoutingTable) InsertDirect(peer id.NodeId, now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, existed := rt.routes[peer]
	rt.routes[peer] = RouteEntry{Destination: peer, NextHop: peer, Hops: 0}
	rt.lastAlive[peer] = now
	return !existed
}

// SetFlags records the Handshake-announced flags for a direct peer.
func (rt *RoutingTable) SetFlags(peer id.NodeId, flags PeerFlags) {
	rt.mu.Lock()
	rt.flags[peer] = flags
	rt.mu.Unlock()
}

// Flags returns the recorded flags for peer, if any.
func (rt *RoutingTable) Flags(peer id.NodeId) (PeerFlags, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	f, ok := rt.flags[peer]
	return f, ok
}

// ObserveAlive applies one gossip announcement: origin is reachable via
// the direct peer "via" in hops hops. The entry replaces the current
// one only when strictly better (smaller hops, or equal hops with a
// smaller NextHop id, per spec.md §4.H's tie-break), so repeated
// identical announcements never churn the table. Liveness is always
// refreshed regardless of whether the route itself changed, which is
// what keeps a destination from expiring while gossip about it keeps
// arriving on a non-optimal path. Reports (installed, firstSeen).
func (rt *RoutingTable) ObserveAlive(origin, via id.NodeId, hops uint16, now time.Time) (installed, firstSeen bool) {
	if hops > rt.maxHops {
		return false, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	_, seenBefore := rt.lastAlive[origin]
	rt.lastAlive[origin] = now
	firstSeen = !seenBefore

	current, ok := rt.routes[origin]
	if !ok || hops < current.Hops || (hops == current.Hops && via.Less(current.NextHop)) {
		rt.routes[origin] = RouteEntry{Destination: origin, NextHop: via, Hops: hops}
		installed = true
	}
	return installed, firstSeen
}

// Lookup returns the current route to dest, if any.
func (rt *RoutingTable) Lookup(dest id.NodeId) (RouteEntry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.routes[dest]
	return e, ok
}

// RemoveViaPeer drops every route whose next hop is peer — invalidated
// by that peer's channel being destroyed, per spec.md §4.H — and
// returns the destinations removed (peer itself included, since its own
// direct route's NextHop is peer).
func (rt *RoutingTable) RemoveViaPeer(peer id.NodeId) []id.NodeId {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var removed []id.NodeId
	for dest, entry := range rt.routes {
		if entry.NextHop == peer {
			delete(rt.routes, dest)
			delete(rt.lastAlive, dest)
			removed = append(removed, dest)
		}
	}
	delete(rt.flags, peer)
	return removed
}

// ExpireStale drops every route whose last Alive is older than timeout
// and returns the destinations expired, per spec.md §4.H.2.
func (rt *RoutingTable) ExpireStale(timeout time.Duration, now time.Time) []id.NodeId {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var expired []id.NodeId
	for dest, last := range rt.lastAlive {
		if now.Sub(last) > timeout {
			delete(rt.routes, dest)
			delete(rt.lastAlive, dest)
			delete(rt.flags, dest)
			expired = append(expired, dest)
		}
	}
	return expired
}

// Snapshot returns every currently known route, for diagnostics.
func (rt *RoutingTable) Snapshot() []RouteEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]RouteEntry, 0, len(rt.routes))
	for _, e := range rt.routes {
		out = append(out, e)
	}
	return out
}
