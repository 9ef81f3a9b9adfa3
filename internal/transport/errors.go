package transport

import "errors"

// Error taxonomy (§7). TransportError and SubscribeError both trigger a
// reconnect; AuthError halts the session permanently.
var (
	ErrTransport  = errors.New("transport: connection error")
	ErrAuth       = errors.New("transport: authentication rejected")
	ErrSubscribe  = errors.New("transport: subscribe rejected")
	ErrTimeout    = errors.New("transport: timeout")
	ErrNotRunning = errors.New("transport: not running")
)
