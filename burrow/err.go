package burrow

import "errors"

var (
	// ErrConnClosed is the failure handed to every pending deferred when the
	// connection leaves the Open state, and the result of issuing against a
	// closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrChannelClosed scopes a failure to one logical channel: a local or
	// broker-initiated channel close, with every pending deferred on that
	// channel failed against it.
	ErrChannelClosed = errors.New("channel closed")

	// ErrRejected marks a broker refusal of one specific operation. Only the
	// deferred for that operation observes it; the channel stays usable.
	ErrRejected = errors.New("operation rejected")

	// ErrTransport marks a socket-level fault. Always connection-fatal.
	ErrTransport = errors.New("transport failure")

	// ErrParseProto marks a malformed or out-of-sequence inbound frame.
	// Always connection-fatal: it means the peer or the framing is broken.
	ErrParseProto = errors.New("parse proto")

	ErrEmptyExchange = errors.New("empty exchange name")
	ErrEmptyQueue    = errors.New("empty queue name")
)
