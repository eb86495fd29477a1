package bus_test

import (
	"testing"

	"github.com/danderson/dbusd/internal/bus"
	"github.com/danderson/dbusd/internal/bustest"
	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/wire"
)

// send writes m onto client, encoded with the serial already set in its
// header.
func send(t *testing.T, client *bustest.MemTransport, m *message.Message) {
	t.Helper()
	bs, err := message.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := client.Write(bs); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// drain decodes every complete frame currently buffered on client.
func drain(t *testing.T, client *bustest.MemTransport) []*message.Message {
	t.Helper()
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := client.Read(tmp)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		buf = append(buf, tmp[:n]...)
	}
	var out []*message.Message
	for len(buf) > 0 {
		n, ok, err := message.PeekFrameLength(buf)
		if err != nil {
			t.Fatalf("PeekFrameLength: %v", err)
		}
		if !ok {
			break
		}
		m, err := message.Decode(buf[:n])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, m)
		buf = buf[n:]
	}
	return out
}

func helloCall(serial uint32) *message.Message {
	return &message.Message{
		Header: message.Header{
			Order:       wire.NativeEndian,
			Type:        message.TypeMethodCall,
			Serial:      serial,
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Member:      "Hello",
			Destination: "org.freedesktop.DBus",
		},
	}
}

func hello(t *testing.T, client *bustest.MemTransport, h *bustest.Harness) string {
	t.Helper()
	send(t, client, helloCall(1))
	h.Pump()
	replies := drain(t, client)
	if len(replies) < 1 || replies[0].Header.Type != message.TypeMethodReturn {
		t.Fatalf("Hello: got %d replies, first type %v, want a method_return first", len(replies), repliesType(replies))
	}
	r := wire.NewReader(replies[0].Header.Order, replies[0].Header.Signature, replies[0].Body)
	name, err := r.ReadBasic()
	if err != nil {
		t.Fatalf("decoding Hello reply body: %v", err)
	}
	return name.(string)
}

func repliesType(msgs []*message.Message) []message.Type {
	var out []message.Type
	for _, m := range msgs {
		out = append(out, m.Header.Type)
	}
	return out
}

func TestHelloAssignsUniqueNameAndAnnounces(t *testing.T) {
	h := bustest.New(bus.Context{})
	client, conn := h.Connect()

	name := hello(t, client, h)
	if name == "" {
		t.Fatal("Hello returned empty unique name")
	}
	if conn.UniqueName() != name {
		t.Errorf("conn.UniqueName() = %q, want %q", conn.UniqueName(), name)
	}
	if !conn.IsActive() {
		t.Error("connection not active after Hello")
	}
}

func TestNonHelloBeforeHelloDisconnects(t *testing.T) {
	h := bustest.New(bus.Context{})
	client, conn := h.Connect()

	send(t, client, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      1,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "ListNames",
		Destination: "org.freedesktop.DBus",
	}})
	h.Pump()

	if !conn.Disconnected() {
		t.Fatal("connection sending ListNames before Hello was not disconnected")
	}
	if got := drain(t, client); len(got) != 0 {
		t.Fatalf("got %v, want no reply for a pre-Hello call", repliesType(got))
	}
}

func TestSecondHelloIsRejected(t *testing.T) {
	h := bustest.New(bus.Context{})
	client, _ := h.Connect()
	hello(t, client, h)

	send(t, client, helloCall(2))
	h.Pump()
	replies := drain(t, client)
	if len(replies) != 1 || replies[0].Header.Type != message.TypeError {
		t.Fatalf("second Hello: got %v, want a single error reply", repliesType(replies))
	}
}

func requestName(t *testing.T, client *bustest.MemTransport, h *bustest.Harness, serial uint32, name string, flags uint32) uint32 {
	t.Helper()
	w := wire.NewWriter(wire.NativeEndian, nil)
	if err := w.WriteBasic(wire.TypeString, name); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBasic(wire.TypeUint32, flags); err != nil {
		t.Fatal(err)
	}
	send(t, client, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      serial,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "RequestName",
		Destination: "org.freedesktop.DBus",
		Signature:   wire.MustParseSignature("su"),
	}, Body: w.Bytes()})
	h.Pump()
	replies := drain(t, client)
	if len(replies) < 1 || replies[0].Header.Type != message.TypeMethodReturn {
		t.Fatalf("RequestName: got %v, want a method_return first", repliesType(replies))
	}
	// Taking ownership additionally delivers a NameAcquired signal to the
	// caller; nothing else may follow the reply.
	for _, m := range replies[1:] {
		if m.Header.Type != message.TypeSignal || m.Header.Member != "NameAcquired" {
			t.Fatalf("RequestName: got %v, want only NameAcquired after the method_return", repliesType(replies))
		}
	}
	r := wire.NewReader(replies[0].Header.Order, replies[0].Header.Signature, replies[0].Body)
	code, err := r.ReadBasic()
	if err != nil {
		t.Fatalf("decoding RequestName reply: %v", err)
	}
	return code.(uint32)
}

func TestRequestNameOwnershipAndQueueing(t *testing.T) {
	h := bustest.New(bus.Context{})

	clientA, connA := h.Connect()
	hello(t, clientA, h)
	clientB, connB := h.Connect()
	hello(t, clientB, h)

	const name = "com.example.Thing"
	if code := requestName(t, clientA, h, 2, name, 0); code != bus.NameAlreadyOwner {
		t.Fatalf("A's RequestName = %d, want NameAlreadyOwner", code)
	}
	if !connA.OwnsName(name) {
		t.Error("A does not own the name it just claimed")
	}

	if code := requestName(t, clientB, h, 2, name, 0); code != bus.NameInQueue {
		t.Fatalf("B's RequestName = %d, want NameInQueue", code)
	}
	if connB.OwnsName(name) {
		t.Error("B should not own the name while queued")
	}
}

func TestSignalFanOutToMatchingConnectionOnly(t *testing.T) {
	h := bustest.New(bus.Context{})

	sender, _ := h.Connect()
	hello(t, sender, h)
	subscriber, _ := h.Connect()
	hello(t, subscriber, h)
	bystander, _ := h.Connect()
	hello(t, bystander, h)

	w := wire.NewWriter(wire.NativeEndian, nil)
	if err := w.WriteBasic(wire.TypeString, "type='signal',interface='com.example.Iface'"); err != nil {
		t.Fatal(err)
	}
	send(t, subscriber, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      2,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "AddMatch",
		Destination: "org.freedesktop.DBus",
		Signature:   wire.MustParseSignature("s"),
	}, Body: w.Bytes()})
	h.Pump()
	drain(t, subscriber) // discard the AddMatch method-return

	send(t, sender, &message.Message{Header: message.Header{
		Order:     wire.NativeEndian,
		Type:      message.TypeSignal,
		Serial:    3,
		Path:      "/com/example/Obj",
		Interface: "com.example.Iface",
		Member:    "Ping",
	}})
	h.Pump()

	if got := drain(t, subscriber); len(got) != 1 || got[0].Header.Member != "Ping" {
		t.Fatalf("subscriber received %v, want one Ping signal", repliesType(got))
	}
	if got := drain(t, bystander); len(got) != 0 {
		t.Fatalf("bystander received %v, want nothing", repliesType(got))
	}
}

func TestMethodCallMatchRuleEavesdrops(t *testing.T) {
	h := bustest.New(bus.Context{})

	target, _ := h.Connect()
	hello(t, target, h)
	requestName(t, target, h, 2, "com.example.Target", 0)

	sender, _ := h.Connect()
	hello(t, sender, h)
	subscriber, _ := h.Connect()
	hello(t, subscriber, h)
	bystander, _ := h.Connect()
	hello(t, bystander, h)

	w := wire.NewWriter(wire.NativeEndian, nil)
	if err := w.WriteBasic(wire.TypeString, "type='method_call',interface='com.example.Iface'"); err != nil {
		t.Fatal(err)
	}
	send(t, subscriber, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      2,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "AddMatch",
		Destination: "org.freedesktop.DBus",
		Signature:   wire.MustParseSignature("s"),
	}, Body: w.Bytes()})
	h.Pump()
	drain(t, subscriber) // discard the AddMatch method-return

	send(t, sender, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      3,
		Path:        "/com/example/Obj",
		Interface:   "com.example.Iface",
		Member:      "DoThing",
		Destination: "com.example.Target",
		Flags:       message.FlagNoReplyExpected,
	}})
	h.Pump()

	if got := drain(t, target); len(got) != 1 || got[0].Header.Member != "DoThing" {
		t.Fatalf("target received %v, want one DoThing call", repliesType(got))
	}
	if got := drain(t, subscriber); len(got) != 1 || got[0].Header.Member != "DoThing" {
		t.Fatalf("subscriber received %v, want one eavesdropped DoThing call", repliesType(got))
	}
	if got := drain(t, bystander); len(got) != 0 {
		t.Fatalf("bystander received %v, want nothing", repliesType(got))
	}
}

func TestDirectedMessageToUnknownDestinationErrors(t *testing.T) {
	h := bustest.New(bus.Context{})
	client, _ := h.Connect()
	hello(t, client, h)

	send(t, client, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      2,
		Path:        "/com/example/Obj",
		Interface:   "com.example.Iface",
		Member:      "DoThing",
		Destination: "com.example.NoSuchService",
	}})
	h.Pump()

	replies := drain(t, client)
	if len(replies) != 1 || replies[0].Header.Type != message.TypeError {
		t.Fatalf("got %v, want a single error reply", repliesType(replies))
	}
	if replies[0].Header.ErrorName != message.ServiceDoesNotExist {
		t.Errorf("error name = %q, want %q", replies[0].Header.ErrorName, message.ServiceDoesNotExist)
	}
}

func TestPolicyDenialDropsMessageSilently(t *testing.T) {
	h := bustest.New(bus.Context{
		Policy: func(sender, dest *bus.Connection, msg *message.Message) bool {
			return msg.Header.Member != "Forbidden"
		},
	})
	client, _ := h.Connect()
	hello(t, client, h)
	other, _ := h.Connect()
	name := hello(t, other, h)
	if code := requestName(t, other, h, 2, name, 0); code != bus.NameAlreadyOwner {
		t.Fatalf("requesting own unique name = %d", code)
	}

	send(t, client, &message.Message{Header: message.Header{
		Order:       wire.NativeEndian,
		Type:        message.TypeMethodCall,
		Serial:      2,
		Path:        "/com/example/Obj",
		Interface:   "com.example.Iface",
		Member:      "Forbidden",
		Destination: name,
		Flags:       message.FlagNoReplyExpected,
	}})
	h.Pump()

	if got := drain(t, client); len(got) != 0 {
		t.Fatalf("sender received %v after denied send, want nothing", repliesType(got))
	}
	if got := drain(t, other); len(got) != 0 {
		t.Fatalf("dest received %v despite policy denial, want nothing", repliesType(got))
	}
}
