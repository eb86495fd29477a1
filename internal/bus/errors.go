package bus

import "errors"

// Sentinel error kinds produced by the broker core, checked with
// errors.Is. Each corresponds to one of the error-handling policies in
// the connection/dispatch design: what happens next depends on which
// sentinel a failure wraps, not on any concrete error type.
var (
	// ErrOutOfMemory means an allocation failed while assembling or
	// queuing a message. Dispatch unwinds the current transaction and
	// falls back to a preallocated reply.
	ErrOutOfMemory = errors.New("bus: out of memory")

	// ErrDecodeFailure means a connection sent a malformed header or
	// body. The connection is disconnected.
	ErrDecodeFailure = errors.New("bus: decode failure")

	// ErrPolicyDenied means the security policy callback refused a
	// send. The message is dropped silently; the caller is expected to
	// audit-log the denial.
	ErrPolicyDenied = errors.New("bus: policy denied")

	// ErrNoSuchDestination means a message named a well-known
	// destination with no current owner.
	ErrNoSuchDestination = errors.New("bus: no such destination")

	// ErrProtocolViolation means a connection violated the handshake or
	// message-ordering contract (e.g. a non-Hello call before Hello).
	// The connection is disconnected.
	ErrProtocolViolation = errors.New("bus: protocol violation")
)
