package pool

import "errors"

var (
	errNoSuchSocket = errors.New("pool: no such socket")
	errSendFailed   = errors.New("pool: send failed")
)
