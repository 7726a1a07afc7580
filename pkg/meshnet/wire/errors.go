package wire

import "errors"

// ErrProtocol is wrapped by every malformed-frame/packet error, matching
// spec.md §7's ProtocolError kind: bad frame flags, bad checksum, bad
// length, or an unexpected tag. It is fatal for the channel that
// produced it.
var ErrProtocol = errors.New("protocol error")
