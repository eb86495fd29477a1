package bus

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/danderson/dbusd/internal/loop"
	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/wire"
)

// driverName is the broker's own reserved bus name.
const driverName = "org.freedesktop.DBus"

// localInterface carries the connection-local signals a peer sends to
// itself; only Disconnected is currently defined.
const localInterface = "org.freedesktop.DBus.Local"
const disconnectedMember = "Disconnected"

// ActivationResult reports the outcome of a Context.Activate call.
type ActivationResult int

const (
	ActivationStarted ActivationResult = iota
	ActivationAlreadyRunning
)

// Context is the set of collaborators the bus needs but does not
// implement itself: the security policy and service activation, both
// out of scope per spec.md §1's "external collaborators" list.
type Context struct {
	// Policy reports whether msg may be sent from sender to dest. dest is
	// nil when msg is addressed to the bus driver itself.
	Policy func(sender, dest *Connection, msg *message.Message) bool
	// Activate is invoked for StartServiceByName. It is the caller's
	// responsibility to actually spawn or otherwise ready the service;
	// the bus only needs to know whether it was already running.
	Activate func(ctx context.Context, name string) (ActivationResult, error)
	// Log receives structured events the way bus/dispatch.c's audit log
	// does for policy denials and other broker-level events.
	Log *slog.Logger
}

// Bus owns the name registry and the set of connected peers, and is the
// receiver for dispatch and the driver method table.
type Bus struct {
	ctx   Context
	reg   *Registry
	loop  *loop.Loop
	conns map[*Connection]struct{}

	broadcastSerial uint32
}

// nextBroadcastSerial returns the next serial for a signal the driver
// broadcasts on its own behalf rather than on one connection's.
func (b *Bus) nextBroadcastSerial() uint32 {
	b.broadcastSerial++
	return b.broadcastSerial
}

// New creates a Bus driven by l, using ctx for policy and activation
// decisions.
func New(l *loop.Loop, ctx Context) *Bus {
	if ctx.Log == nil {
		ctx.Log = slog.Default()
	}
	return &Bus{
		ctx:   ctx,
		reg:   NewRegistry(),
		loop:  l,
		conns: map[*Connection]struct{}{},
	}
}

// Accept registers a newly accepted transport as a connection: it is
// added to the loop's watch and dispatch machinery, but is not yet
// active (its first call must be Hello to the driver; anything else
// disconnects it).
func (b *Bus) Accept(t Transport) *Connection {
	c := NewConnection(t, b.dispatch, b.ctx.Log)
	b.conns[c] = struct{}{}
	b.loop.AddWatch(&loop.Watch{
		Fd:     c.Fd(),
		Events: unix.POLLIN,
		Callback: func(int16) bool {
			switch c.Dispatch() {
			case loop.NeedMemory:
				return true
			case loop.DataRemains:
				b.loop.QueueDispatch(c)
			}
			return false
		},
	})
	return c
}

// remove drops conn from the bus's connection set and releases any names
// it held, broadcasting NameOwnerChanged for each.
func (b *Bus) remove(conn *Connection) {
	delete(b.conns, conn)
	changed := b.reg.ReleaseAll(conn)
	if len(changed) == 0 {
		return
	}
	txn := Begin()
	for _, name := range changed {
		newOwner := ""
		if c, ok := b.reg.Owner(name); ok {
			newOwner = c.UniqueName()
		}
		if err := b.queueNameOwnerChanged(txn, name, conn.UniqueName(), newOwner); err != nil {
			txn.CancelAndFree()
			return
		}
	}
	txn.CommitAndFree()
}

// dispatch implements the 10-step dispatch algorithm. It is bound as
// every Connection's onMessage callback.
func (b *Bus) dispatch(conn *Connection, msg *message.Message) error {
	// Step 1: ensure the connection's preallocated OOM reply exists for
	// this inbound serial before doing anything that might itself need
	// memory.
	if err := conn.SetOOMReply(msg.Header.Serial); err != nil {
		return ErrOutOfMemory
	}

	// Step 2: self-directed Disconnected signal.
	if msg.Header.Destination == "" && msg.Header.Type == message.TypeSignal &&
		msg.Header.Interface == localInterface && msg.Header.Member == disconnectedMember {
		b.remove(conn)
		conn.Disconnect()
		return nil
	}

	// Step 3: no destination, not a signal: not yet handled by the bus
	// itself. The broker has no further local handler, so this is a
	// protocol violation from the bus's point of view.
	if msg.Header.Destination == "" && msg.Header.Type != message.TypeSignal {
		if msg.Header.WantReply() {
			return b.sendError(conn, msg, message.ServiceUnknown, "no destination given")
		}
		return nil
	}

	dest := msg.Header.Destination

	// A peer must complete Hello (addressed to the driver, and nothing
	// else) before it may address anything at all, including further
	// driver methods: every reply needs a sender identity to route
	// against, and Hello is the only call that establishes one.
	if !conn.IsActive() && !(dest == driverName && msg.Header.Member == "Hello") {
		b.ctx.Log.Warn("protocol violation before Hello", "err", ErrProtocolViolation, "dest", dest, "member", msg.Header.Member)
		b.remove(conn)
		conn.Disconnect()
		return nil
	}

	// Step 4.
	txn := Begin()

	// Step 5: stamp sender once active.
	if conn.IsActive() {
		msg.Header.Sender = conn.UniqueName()
	}

	var dispatchErr error
	switch {
	case dest == driverName:
		if b.ctx.Policy != nil && !b.ctx.Policy(conn, nil, msg) {
			b.ctx.Log.Warn("policy denied", "sender", conn.UniqueName(), "member", msg.Header.Member)
			dispatchErr = ErrPolicyDenied
		} else {
			dispatchErr = b.runDriver(txn, conn, msg)
		}
	case dest != "":
		target, ok := b.reg.Owner(dest)
		if !ok {
			dispatchErr = ErrNoSuchDestination
		} else if b.ctx.Policy != nil && !b.ctx.Policy(conn, target, msg) {
			b.ctx.Log.Warn("policy denied", "sender", conn.UniqueName(), "dest", dest)
			dispatchErr = ErrPolicyDenied
		} else {
			dispatchErr = txn.AddSend(target, msg)
		}
	}

	// Step 8: matchmaker fan-out, for every message type (a match rule
	// may filter on type='method_call'/'method_return'/'error' just as
	// well as 'signal'), skipping the already addressed recipient so it
	// never receives two copies.
	if dispatchErr == nil {
		addressed, _ := b.reg.Owner(dest)
		for c := range b.conns {
			if c == conn || c == addressed {
				continue
			}
			if !c.Matches().MatchesAny(msg) {
				continue
			}
			if b.ctx.Policy != nil && !b.ctx.Policy(conn, c, msg) {
				continue
			}
			if err := txn.AddSend(c, msg); err != nil {
				dispatchErr = err
				break
			}
		}
	}

	// Step 9.
	if dispatchErr != nil {
		txn.CancelAndFree()
		if conn.Disconnected() {
			return nil
		}
		switch {
		case errors.Is(dispatchErr, ErrOutOfMemory):
			if !conn.QueueOOMReply(msg.Header.Serial) {
				return ErrOutOfMemory
			}
			return nil
		case errors.Is(dispatchErr, ErrPolicyDenied):
			return nil
		case errors.Is(dispatchErr, ErrNoSuchDestination):
			return b.sendError(conn, msg, message.ServiceDoesNotExist, "The name "+dest+" was not provided by any .service files")
		default:
			return b.sendError(conn, msg, message.InvalidArgs, dispatchErr.Error())
		}
	}

	// Step 10.
	txn.CommitAndFree()
	return nil
}

// sendError builds and enqueues a driver-sourced error reply to msg
// naming errName, falling back to the preallocated OOM reply if even
// this fails to allocate.
func (b *Bus) sendError(conn *Connection, msg *message.Message, errName, text string) error {
	if !msg.Header.WantReply() && msg.Header.Type != message.TypeMethodCall {
		return nil
	}
	reply := &message.Message{
		Header: message.Header{
			Order:       wire.NativeEndian,
			Type:        message.TypeError,
			ErrorName:   errName,
			ReplySerial: msg.Header.Serial,
			HasReply:    true,
			Destination: conn.UniqueName(),
			Sender:      driverName,
			Serial:      conn.NextSerial(),
			Signature:   wire.MustParseSignature("s"),
		},
	}
	w := wire.NewWriter(reply.Header.Order, nil)
	if err := w.WriteBasic(wire.TypeString, text); err != nil {
		return ErrOutOfMemory
	}
	reply.Body = w.Bytes()

	txn := Begin()
	if err := txn.AddSend(conn, reply); err != nil {
		txn.CancelAndFree()
		if !conn.QueueOOMReply(msg.Header.Serial) {
			return ErrOutOfMemory
		}
		return nil
	}
	txn.CommitAndFree()
	return nil
}
