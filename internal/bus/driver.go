package bus

import (
	"context"
	"fmt"
	"slices"

	"github.com/creachadair/mds/slice"

	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/wire"
)

// driverPath is the object path the driver's own signals are emitted
// from.
const driverPath = "/org/freedesktop/DBus"

// runDriver executes one method call addressed to org.freedesktop.DBus,
// queuing its method-return onto txn.
func (b *Bus) runDriver(txn *Transaction, conn *Connection, msg *message.Message) error {
	if msg.Header.Type != message.TypeMethodCall {
		return nil
	}
	switch msg.Header.Member {
	case "Hello":
		return b.driverHello(txn, conn, msg)
	case "RequestName":
		return b.driverRequestName(txn, conn, msg)
	case "ReleaseName":
		return b.driverReleaseName(txn, conn, msg)
	case "ListNames":
		return b.driverListNames(txn, conn, msg)
	case "NameHasOwner":
		return b.driverNameHasOwner(txn, conn, msg)
	case "GetNameOwner":
		return b.driverGetNameOwner(txn, conn, msg)
	case "AddMatch":
		return b.driverAddMatch(txn, conn, msg)
	case "RemoveMatch":
		return b.driverRemoveMatch(txn, conn, msg)
	case "StartServiceByName":
		return b.driverStartService(txn, conn, msg)
	default:
		return fmt.Errorf("unknown method %s", msg.Header.Member)
	}
}

func readArgs(msg *message.Message) *wire.Reader {
	return wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
}

// driverReply builds a method-return to msg from the driver, with body
// written by fill against the given signature (sig may be "" for an
// empty body).
func driverReply(conn *Connection, msg *message.Message, sig string, fill func(*wire.Writer) error) (*message.Message, error) {
	reply := &message.Message{
		Header: message.Header{
			Order:       wire.NativeEndian,
			Type:        message.TypeMethodReturn,
			ReplySerial: msg.Header.Serial,
			HasReply:    true,
			Destination: conn.UniqueName(),
			Sender:      driverName,
			Serial:      conn.NextSerial(),
		},
	}
	if sig != "" {
		reply.Header.Signature = wire.MustParseSignature(sig)
		w := wire.NewWriter(reply.Header.Order, nil)
		if err := fill(w); err != nil {
			return nil, err
		}
		reply.Body = w.Bytes()
	}
	return reply, nil
}

// driverSignal builds a signal from the driver's own interface. dest is
// the destination header field ("" for a broadcast signal); serial is
// stamped from whichever connection is the natural owner of this signal
// occurrence (the recipient for a directed signal like NameAcquired, or
// the bus's own counter for broadcasts like NameOwnerChanged).
func (b *Bus) driverSignal(dest string, serial uint32, member, sig string, fill func(*wire.Writer) error) (*message.Message, error) {
	m := &message.Message{
		Header: message.Header{
			Order:       wire.NativeEndian,
			Type:        message.TypeSignal,
			Interface:   driverName,
			Member:      member,
			Path:        driverPath,
			Destination: dest,
			Sender:      driverName,
			Serial:      serial,
		},
	}
	if sig != "" {
		m.Header.Signature = wire.MustParseSignature(sig)
		w := wire.NewWriter(m.Header.Order, nil)
		if err := fill(w); err != nil {
			return nil, err
		}
		m.Body = w.Bytes()
	}
	return m, nil
}

func writeStringArg(w *wire.Writer, s string) error {
	return w.WriteBasic(wire.TypeString, s)
}

func (b *Bus) driverHello(txn *Transaction, conn *Connection, msg *message.Message) error {
	if conn.IsActive() {
		return fmt.Errorf("connection already sent Hello")
	}
	name := b.reg.NextUniqueName()
	conn.Activate(name)

	reply, err := driverReply(conn, msg, "s", func(w *wire.Writer) error { return writeStringArg(w, name) })
	if err != nil {
		return err
	}
	if err := txn.AddSend(conn, reply); err != nil {
		return err
	}

	acquired, err := b.driverSignal(name, conn.NextSerial(), "NameAcquired", "s", func(w *wire.Writer) error { return writeStringArg(w, name) })
	if err != nil {
		return err
	}
	if err := txn.AddSend(conn, acquired); err != nil {
		return err
	}

	created, err := b.driverSignal(name, conn.NextSerial(), "ServiceCreated", "s", func(w *wire.Writer) error { return writeStringArg(w, name) })
	if err != nil {
		return err
	}
	return txn.AddSend(conn, created)
}

func (b *Bus) driverRequestName(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	nameAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	flagsAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	name, _ := nameAny.(string)
	flags, _ := flagsAny.(uint32)
	// Bit values from the DBus specification's RequestName flags:
	// ALLOW_REPLACEMENT=0x1, REPLACE_EXISTING=0x2, DO_NOT_QUEUE=0x4.
	opts := ClaimOptions{
		AllowReplacement: flags&0x1 != 0,
		TryReplace:       flags&0x2 != 0,
		NoQueue:          flags&0x4 != 0,
	}
	prevOwner, hadOwner := b.reg.Owner(name)
	code := b.reg.RequestName(conn, name, opts)
	b.reg.SetAllowsReplacement(conn, name, opts.AllowReplacement)

	reply, err := driverReply(conn, msg, "u", func(w *wire.Writer) error { return w.WriteBasic(wire.TypeUint32, code) })
	if err != nil {
		return err
	}
	if err := txn.AddSend(conn, reply); err != nil {
		return err
	}
	if code == NameAlreadyOwner && (!hadOwner || prevOwner != conn) {
		oldOwner := ""
		if hadOwner {
			oldOwner = prevOwner.UniqueName()
		}
		return b.queueNameOwnerChanged(txn, name, oldOwner, conn.UniqueName())
	}
	return nil
}

func (b *Bus) driverReleaseName(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	nameAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	name, _ := nameAny.(string)
	code := b.reg.ReleaseName(conn, name)

	reply, err := driverReply(conn, msg, "u", func(w *wire.Writer) error { return w.WriteBasic(wire.TypeUint32, code) })
	if err != nil {
		return err
	}
	if err := txn.AddSend(conn, reply); err != nil {
		return err
	}
	if code == NameReleased {
		newOwner := ""
		if c, ok := b.reg.Owner(name); ok {
			newOwner = c.UniqueName()
		}
		return b.queueNameOwnerChanged(txn, name, conn.UniqueName(), newOwner)
	}
	return nil
}

func (b *Bus) driverListNames(txn *Transaction, conn *Connection, msg *message.Message) error {
	all := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		all = append(all, c)
	}
	active := slices.Collect(slice.Select(all, (*Connection).IsActive))
	names := append(b.reg.ListNames(active), driverName)

	reply, err := driverReply(conn, msg, "as", func(w *wire.Writer) error {
		if err := w.Recurse(wire.KindArray, []wire.Type{{Code: wire.TypeString}}); err != nil {
			return err
		}
		for _, n := range names {
			if err := writeStringArg(w, n); err != nil {
				return err
			}
		}
		return w.Unrecurse()
	})
	if err != nil {
		return err
	}
	return txn.AddSend(conn, reply)
}

func (b *Bus) driverNameHasOwner(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	nameAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	name, _ := nameAny.(string)
	_, has := b.reg.Owner(name)
	if !has && b.connByUnique(name) != nil {
		has = true
	}
	reply, err := driverReply(conn, msg, "b", func(w *wire.Writer) error { return w.WriteBasic(wire.TypeBool, has) })
	if err != nil {
		return err
	}
	return txn.AddSend(conn, reply)
}

func (b *Bus) driverGetNameOwner(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	nameAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	name, _ := nameAny.(string)
	owner, ok := b.reg.Owner(name)
	if !ok {
		owner = b.connByUnique(name)
		ok = owner != nil
	}
	if !ok {
		return fmt.Errorf("%s: %s", message.NameHasNoOwner, name)
	}
	reply, err := driverReply(conn, msg, "s", func(w *wire.Writer) error { return writeStringArg(w, owner.UniqueName()) })
	if err != nil {
		return err
	}
	return txn.AddSend(conn, reply)
}

func (b *Bus) driverAddMatch(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	ruleAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	raw, _ := ruleAny.(string)
	rule, err := ParseMatchRule(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", message.InvalidArgs, err)
	}
	conn.Matches().Add(raw, rule)
	reply, err := driverReply(conn, msg, "", nil)
	if err != nil {
		return err
	}
	return txn.AddSend(conn, reply)
}

func (b *Bus) driverRemoveMatch(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	ruleAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	raw, _ := ruleAny.(string)
	if !conn.Matches().Remove(raw) {
		return fmt.Errorf("%s: match rule not found", message.InvalidArgs)
	}
	reply, err := driverReply(conn, msg, "", nil)
	if err != nil {
		return err
	}
	return txn.AddSend(conn, reply)
}

func (b *Bus) driverStartService(txn *Transaction, conn *Connection, msg *message.Message) error {
	r := readArgs(msg)
	nameAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	name, _ := nameAny.(string)

	var code uint32
	if _, ok := b.reg.Owner(name); ok {
		code = uint32(ActivationAlreadyRunning) + 1
	} else {
		if b.ctx.Activate == nil {
			return fmt.Errorf("%s: no activation collaborator configured", message.ServiceUnknown)
		}
		result, err := b.ctx.Activate(context.Background(), name)
		if err != nil {
			return fmt.Errorf("%s: %w", message.ServiceUnknown, err)
		}
		code = uint32(result) + 1
	}
	reply, err := driverReply(conn, msg, "u", func(w *wire.Writer) error { return w.WriteBasic(wire.TypeUint32, code) })
	if err != nil {
		return err
	}
	return txn.AddSend(conn, reply)
}

// queueNameOwnerChanged appends NameOwnerChanged (to every subscribed
// connection) and the corresponding NameAcquired/NameLost signals onto
// txn, so a name-ownership change and its notifications commit or roll
// back together with the driver call that caused it.
func (b *Bus) queueNameOwnerChanged(txn *Transaction, name, oldOwner, newOwner string) error {
	changed, err := b.driverSignal("", b.nextBroadcastSerial(), "NameOwnerChanged", "sss", func(w *wire.Writer) error {
		for _, s := range []string{name, oldOwner, newOwner} {
			if err := writeStringArg(w, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for c := range b.conns {
		if !c.Matches().MatchesAny(changed) {
			continue
		}
		if err := txn.AddSend(c, changed); err != nil {
			return err
		}
	}
	if newOwner != "" {
		if c := b.connByUnique(newOwner); c != nil {
			acquired, err := b.driverSignal(newOwner, c.NextSerial(), "NameAcquired", "s", func(w *wire.Writer) error { return writeStringArg(w, name) })
			if err != nil {
				return err
			}
			if err := txn.AddSend(c, acquired); err != nil {
				return err
			}
		}
	}
	if oldOwner != "" {
		if c := b.connByUnique(oldOwner); c != nil {
			lost, err := b.driverSignal(oldOwner, c.NextSerial(), "NameLost", "s", func(w *wire.Writer) error { return writeStringArg(w, name) })
			if err != nil {
				return err
			}
			if err := txn.AddSend(c, lost); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bus) connByUnique(name string) *Connection {
	for c := range b.conns {
		if c.UniqueName() == name {
			return c
		}
	}
	return nil
}
