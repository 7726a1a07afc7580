package channel

import (
	"sync"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
)

// Map is the ChannelMap of spec.md §3: channels keyed by peer NodeId,
// with the invariant that at most one Established channel exists per
// peer at any time. Channels not yet past the handshake (peer id
// unknown) are tracked separately, keyed by socket id, until their peer
// identity resolves.
type Map struct {
	mu         sync.RWMutex
	byPeer     map[id.NodeId]*Channel
	pending    map[socket.ID]*Channel
}

// NewMap builds an empty ChannelMap.
func NewMap() *Map {
	return &Map{
		byPeer:  make(map[id.NodeId]*Channel),
		pending: make(map[socket.ID]*Channel),
	}
}

// TrackPending registers a channel that has not completed its handshake
// yet, keyed by its outbound socket id.
func (m *Map) TrackPending(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[ch.OutboundID()] = ch
}

// PendingBySocket looks up a not-yet-established channel by its
// outbound socket id, the key TrackPending registers it under.
func (m *Map) PendingBySocket(id socket.ID) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.pending[id]
	return ch, ok
}

// ByPeer looks up the current Established channel for peer, if any.
func (m *Map) ByPeer(peer id.NodeId) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.byPeer[peer]
	return ch, ok
}

// ByEitherSocket looks up a channel (pending or established) owning the
// given socket id, used by pool callbacks that only know the fd.
func (m *Map) ByEitherSocket(sid socket.ID) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ch, ok := m.pending[sid]; ok {
		return ch, true
	}
	for _, ch := range m.byPeer {
		if ch.OutboundID() == sid || ch.InboundID() == sid {
			return ch, true
		}
	}
	return nil, false
}

// Install promotes a pending channel to Established, enforcing the
// at-most-one-Established-per-peer invariant. When an Established
// channel for the same peer already exists, Install returns
// ErrDuplicateLink and does not replace the incumbent: the first
// channel installed for a peer wins, and no NodeId comparison is made.
func (m *Map) Install(ch *Channel, peer id.NodeId, isGateway, behindNAT bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byPeer[peer]; ok && existing.State() == Established {
		return ErrDuplicateLink
	}
	delete(m.pending, ch.OutboundID())
	delete(m.pending, ch.InboundID())
	ch.installEstablished(peer, isGateway, behindNAT)
	m.byPeer[peer] = ch
	return nil
}

// Remove drops ch from the map, used when a channel is destroyed.
func (m *Map) Remove(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, ch.OutboundID())
	delete(m.pending, ch.InboundID())
	peer := ch.PeerID()
	if !peer.IsNil() {
		if current, ok := m.byPeer[peer]; ok && current == ch {
			delete(m.byPeer, peer)
		}
	}
}

// Established returns a snapshot of every peer with a current
// Established channel.
func (m *Map) Established() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, 0, len(m.byPeer))
	for _, ch := range m.byPeer {
		out = append(out, ch)
	}
	return out
}
