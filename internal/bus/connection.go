// Package bus implements the broker's per-peer connection and
// transaction state, the name registry, match-rule matchmaking, and
// message dispatch: components C4 and C5.
package bus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"

	"github.com/danderson/dbusd/internal/loop"
	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/wire"
)

// maxOutgoingDepth bounds how many messages a connection may have queued
// for delivery before AddSend starts reporting out-of-memory. It stands
// in for "the allocator is out of memory": a slow or wedged peer
// shouldn't let its queue grow without bound.
const maxOutgoingDepth = 4096

// Transport is the byte-stream half of a Connection: whatever
// internal/transport hands the bus after accepting a peer.
type Transport interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	Fd() int
}

// outgoing is one entry of a connection's outgoing link buffer. It is
// encoded lazily so that queuing a message never itself needs to run the
// wire codec; raw is set instead of msg for the one case (the
// preallocated OOM reply) that must not allocate at all when queued.
type outgoing struct {
	msg *message.Message
	raw []byte
}

func (o *outgoing) bytes() ([]byte, error) {
	if o.raw != nil {
		return o.raw, nil
	}
	return message.Encode(o.msg)
}

// Connection is the broker's per-peer state: transport handle, incoming
// and outgoing buffers, identity, and owned names. It implements
// loop.Dispatcher so the event loop can drive it directly.
type Connection struct {
	transport Transport
	onMessage func(*Connection, *message.Message) error
	log       *slog.Logger

	inbuf []byte

	outq        queue.Queue[*outgoing]
	outHead     []byte // partially-written serialization of the front of outq
	oomReply    []byte // preallocated NoMemory error reply, ready to enqueue
	oomReplySrc uint32 // serial the preallocated reply currently answers

	uniqueName        string
	active            bool
	ownedNames        mapset.Set[string]
	allowsReplacement map[string]bool
	matches           MatchSet

	nextSerial uint32
	refs       int

	disconnected bool
}

// NewConnection wraps t as a not-yet-active connection. onMessage is
// invoked once per fully parsed inbound frame; it is normally
// (*Bus).dispatch of this connection's owning Bus. log receives
// decode-failure diagnostics; a nil log falls back to slog.Default().
func NewConnection(t Transport, onMessage func(*Connection, *message.Message) error, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		transport:  t,
		onMessage:  onMessage,
		log:        log,
		ownedNames: mapset.New[string](),
		refs:       1,
	}
}

// Fd returns the file descriptor to register with the event loop.
func (c *Connection) Fd() int { return c.transport.Fd() }

// UniqueName returns the connection's assigned unique name, or "" if it
// has not yet completed Hello.
func (c *Connection) UniqueName() string { return c.uniqueName }

// IsActive reports whether the connection has completed the Hello
// handshake and may address arbitrary driver methods and destinations.
func (c *Connection) IsActive() bool { return c.active }

// Activate assigns name as the connection's unique name and marks it
// active. It is an error to call this more than once.
func (c *Connection) Activate(name string) {
	c.uniqueName = name
	c.active = true
}

// OwnsName reports whether the connection currently owns the well-known
// name.
func (c *Connection) OwnsName(name string) bool {
	_, ok := c.ownedNames[name]
	return ok
}

// OwnedNames returns the set of well-known names currently owned by the
// connection. The caller must not mutate the returned set.
func (c *Connection) OwnedNames() mapset.Set[string] { return c.ownedNames }

func (c *Connection) addOwnedName(name string)    { c.ownedNames.Add(name) }
func (c *Connection) removeOwnedName(name string) { delete(c.ownedNames, name) }

// Matches returns the connection's registered signal match rules.
func (c *Connection) Matches() *MatchSet { return &c.matches }

// NextSerial returns the next serial number to stamp on a message the
// broker originates on this connection's behalf (driver replies and
// signals).
func (c *Connection) NextSerial() uint32 {
	c.nextSerial++
	return c.nextSerial
}

// SetOOMReply pre-encodes the NoMemory error that will be sent in reply
// to replyTo if a later dispatch on this connection fails with
// ErrOutOfMemory. Doing this ahead of time means the reply never needs
// its own allocation at the moment it's actually needed.
func (c *Connection) SetOOMReply(replyTo uint32) error {
	m := &message.Message{
		Header: message.Header{
			Order:       wire.NativeEndian,
			Type:        message.TypeError,
			ErrorName:   message.NoMemory,
			ReplySerial: replyTo,
			HasReply:    true,
			Destination: c.uniqueName,
			Sender:      driverName,
			Serial:      c.NextSerial(),
		},
	}
	bs, err := message.Encode(m)
	if err != nil {
		return fmt.Errorf("preallocating OOM reply: %w", err)
	}
	c.oomReply = bs
	c.oomReplySrc = replyTo
	return nil
}

// QueueOOMReply enqueues the preallocated NoMemory reply for replyTo, if
// one is available. It reports whether a reply was queued.
func (c *Connection) QueueOOMReply(replyTo uint32) bool {
	if c.oomReply == nil || c.oomReplySrc != replyTo {
		return false
	}
	bs := c.oomReply
	c.oomReply = nil
	c.outq.Add(&outgoing{raw: bs})
	return true
}

// reserve checks whether the outgoing queue has room for one more
// message. It performs no allocation itself; it exists so
// Transaction.AddSend can fail atomically before any queue is mutated.
func (c *Connection) reserve() error {
	if c.outq.Len() >= maxOutgoingDepth {
		return ErrOutOfMemory
	}
	return nil
}

// enqueue appends msg to the connection's outgoing link buffer. Called
// only from Transaction.CommitAndFree, after every recipient in the
// transaction has already passed reserve.
func (c *Connection) enqueue(msg *message.Message) {
	c.outq.Add(&outgoing{msg: msg})
}

// Disconnect marks the connection as gone: queued outgoing bytes are
// dropped, and its preallocated OOM reply is released.
func (c *Connection) Disconnect() {
	if c.disconnected {
		return
	}
	c.disconnected = true
	c.outq.Clear()
	c.oomReply = nil
	c.transport.Close()
}

// Disconnected reports whether Disconnect has been called.
func (c *Connection) Disconnected() bool { return c.disconnected }

// Dispatch implements loop.Dispatcher. It flushes whatever outgoing bytes
// the transport will currently accept, then parses at most one complete
// frame out of the connection's buffered input and hands it to onMessage.
func (c *Connection) Dispatch() loop.Status {
	if c.disconnected {
		return loop.Complete
	}
	if err := c.flush(); err != nil {
		c.Disconnect()
		return loop.Complete
	}
	if err := c.fill(); err != nil {
		c.Disconnect()
		return loop.Complete
	}

	n, ok, err := message.PeekFrameLength(c.inbuf)
	if err != nil {
		c.log.Warn("malformed frame length", "err", ErrDecodeFailure, "cause", err)
		c.Disconnect()
		return loop.Complete
	}
	if !ok {
		return loop.Complete
	}
	msg, err := message.Decode(c.inbuf[:n])
	if err != nil {
		c.log.Warn("malformed message", "err", ErrDecodeFailure, "cause", err)
		c.Disconnect()
		return loop.Complete
	}
	c.inbuf = c.inbuf[n:]

	if err := c.onMessage(c, msg); err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			return loop.NeedMemory
		}
		c.Disconnect()
		return loop.Complete
	}

	if len(c.inbuf) > 0 {
		if _, ok, _ := message.PeekFrameLength(c.inbuf); ok {
			return loop.DataRemains
		}
	}
	return loop.Complete
}

// fill does one non-blocking read of whatever the transport currently
// has available, appending it to the connection's incoming buffer.
func (c *Connection) fill() error {
	var buf [4096]byte
	n, err := c.transport.Read(buf[:])
	if n > 0 {
		c.inbuf = append(c.inbuf, buf[:n]...)
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

// flush writes as much of the front of the outgoing queue as the
// transport will accept without blocking.
func (c *Connection) flush() error {
	for {
		if len(c.outHead) == 0 {
			next, ok := c.outq.Pop()
			if !ok {
				return nil
			}
			bs, err := next.bytes()
			if err != nil {
				return err
			}
			c.outHead = bs
		}
		n, err := c.transport.Write(c.outHead)
		c.outHead = c.outHead[n:]
		if err != nil {
			return err
		}
		if len(c.outHead) > 0 {
			return nil
		}
	}
}
