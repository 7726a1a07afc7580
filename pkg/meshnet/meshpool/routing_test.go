package meshpool

import (
	"testing"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

func TestInsertDirectReportsFirstInstall(t *testing.T) {
	rt := NewRoutingTable(8)
	peer := id.New()
	now := time.Now()
	if !rt.InsertDirect(peer, now) {
		t.Fatalf("expected first InsertDirect to report a new peer")
	}
	if rt.InsertDirect(peer, now) {
		t.Fatalf("expected repeat InsertDirect to report not-new")
	}
	entry, ok := rt.Lookup(peer)
	if !ok || entry.Hops != 0 || entry.NextHop != peer {
		t.Fatalf("expected zero-hop direct route, got %+v ok=%v", entry, ok)
	}
}

func TestObserveAliveInstallsBetterRoute(t *testing.T) {
	rt := NewRoutingTable(8)
	origin, viaA, viaB := id.New(), id.New(), id.New()
	now := time.Now()

	installed, firstSeen := rt.ObserveAlive(origin, viaA, 3, now)
	if !installed || !firstSeen {
		t.Fatalf("expected first observation installed+firstSeen, got installed=%v firstSeen=%v", installed, firstSeen)
	}

	installed, firstSeen = rt.ObserveAlive(origin, viaB, 5, now)
	if installed || firstSeen {
		t.Fatalf("expected a worse route (more hops) to be rejected, got installed=%v firstSeen=%v", installed, firstSeen)
	}
	entry, _ := rt.Lookup(origin)
	if entry.NextHop != viaA || entry.Hops != 3 {
		t.Fatalf("expected original better route to survive, got %+v", entry)
	}

	installed, firstSeen = rt.ObserveAlive(origin, viaB, 1, now)
	if !installed || firstSeen {
		t.Fatalf("expected a strictly better route to install without firstSeen, got installed=%v firstSeen=%v", installed, firstSeen)
	}
	entry, _ = rt.Lookup(origin)
	if entry.NextHop != viaB || entry.Hops != 1 {
		t.Fatalf("expected improved route installed, got %+v", entry)
	}
}

func TestObserveAliveTieBreaksOnSmallerNextHop(t *testing.T) {
	rt := NewRoutingTable(8)
	origin := id.New()
	a, b := id.New(), id.New()
	lo, hi := a, b
	if hi.Less(lo) {
		lo, hi = hi, lo
	}
	now := time.Now()

	rt.ObserveAlive(origin, hi, 2, now)
	installed, _ := rt.ObserveAlive(origin, lo, 2, now)
	if !installed {
		t.Fatalf("expected equal-hop tie to be broken in favor of the smaller next-hop id")
	}
	entry, _ := rt.Lookup(origin)
	if entry.NextHop != lo {
		t.Fatalf("expected next hop %v, got %v", lo, entry.NextHop)
	}

	// Announcing the larger id again at the same hop count must not win.
	installed, _ = rt.ObserveAlive(origin, hi, 2, now)
	if installed {
		t.Fatalf("expected the larger next-hop id to lose the tie-break")
	}
}

func TestObserveAliveRefreshesLivenessRegardlessOfInstall(t *testing.T) {
	rt := NewRoutingTable(8)
	origin, via := id.New(), id.New()
	t0 := time.Now()
	rt.ObserveAlive(origin, via, 1, t0)

	// A worse route still refreshes liveness, which is what keeps origin
	// from expiring while non-optimal gossip about it keeps arriving.
	t1 := t0.Add(time.Second)
	other := id.New()
	rt.ObserveAlive(origin, other, 5, t1)

	expired := rt.ExpireStale(500*time.Millisecond, t1)
	if len(expired) != 0 {
		t.Fatalf("expected liveness refresh to prevent expiry, got expired=%v", expired)
	}
}

func TestObserveAliveRejectsHopsBeyondMax(t *testing.T) {
	rt := NewRoutingTable(2)
	origin, via := id.New(), id.New()
	installed, firstSeen := rt.ObserveAlive(origin, via, 3, time.Now())
	if installed || firstSeen {
		t.Fatalf("expected hop count beyond maxHops to be rejected")
	}
	if _, ok := rt.Lookup(origin); ok {
		t.Fatalf("expected no route installed for a rejected announcement")
	}
}

func TestRemoveViaPeerInvalidatesDependentRoutes(t *testing.T) {
	rt := NewRoutingTable(8)
	peer := id.New()
	beyond := id.New()
	now := time.Now()
	rt.InsertDirect(peer, now)
	rt.ObserveAlive(beyond, peer, 1, now)

	removed := rt.RemoveViaPeer(peer)
	if len(removed) != 2 {
		t.Fatalf("expected both the direct peer and the route relying on it removed, got %v", removed)
	}
	if _, ok := rt.Lookup(peer); ok {
		t.Fatalf("expected direct route to peer removed")
	}
	if _, ok := rt.Lookup(beyond); ok {
		t.Fatalf("expected transitive route via peer removed")
	}
}

func TestRemoveViaPeerLeavesUnrelatedRoutes(t *testing.T) {
	rt := NewRoutingTable(8)
	peer, other := id.New(), id.New()
	now := time.Now()
	rt.InsertDirect(peer, now)
	rt.InsertDirect(other, now)

	rt.RemoveViaPeer(peer)
	if _, ok := rt.Lookup(other); !ok {
		t.Fatalf("expected unrelated route to survive RemoveViaPeer")
	}
}

func TestExpireStaleDropsOldRoutes(t *testing.T) {
	rt := NewRoutingTable(8)
	peer := id.New()
	t0 := time.Now()
	rt.InsertDirect(peer, t0)

	expired := rt.ExpireStale(time.Second, t0.Add(2*time.Second))
	if len(expired) != 1 || expired[0] != peer {
		t.Fatalf("expected peer expired, got %v", expired)
	}
	if _, ok := rt.Lookup(peer); ok {
		t.Fatalf("expected expired route removed from the table")
	}
}

func TestSnapshotReturnsEveryRoute(t *testing.T) {
	rt := NewRoutingTable(8)
	now := time.Now()
	a, b := id.New(), id.New()
	rt.InsertDirect(a, now)
	rt.InsertDirect(b, now)
	snap := rt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 routes in snapshot, got %d", len(snap))
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	rt := NewRoutingTable(8)
	peer := id.New()
	rt.SetFlags(peer, PeerFlags{IsGateway: true, BehindNAT: false})
	f, ok := rt.Flags(peer)
	if !ok || !f.IsGateway {
		t.Fatalf("expected flags recorded, got %+v ok=%v", f, ok)
	}
	if _, ok := rt.Flags(id.New()); ok {
		t.Fatalf("expected no flags for an unknown peer")
	}
}
