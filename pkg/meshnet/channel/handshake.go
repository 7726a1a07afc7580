package channel

import "github.com/jabolina/go-meshnet/pkg/meshnet/config"

// HandshakeStrategy names a handshake mode (single-link or dual-link).
// It only reports the mode: Node performs the single-link handshake
// whichever strategy is selected.
type HandshakeStrategy interface {
	Mode() config.HandshakeMode
}

type singleLinkStrategy struct{}

// SingleLink returns the strategy whose Mode is config.SingleLink, the
// handshake Node performs: one TCP connection per peer pair,
// request/response carried over that one socket.
func SingleLink() HandshakeStrategy { return singleLinkStrategy{} }

func (singleLinkStrategy) Mode() config.HandshakeMode { return config.SingleLink }

type dualLinkStrategy struct{}

// DualLink returns a strategy whose Mode is config.DualLink. No
// dual-link handshake (a writer connection opened by each peer and
// confirmed in both directions) is performed by this package or by Node.
func DualLink() HandshakeStrategy { return dualLinkStrategy{} }

func (dualLinkStrategy) Mode() config.HandshakeMode { return config.DualLink }
