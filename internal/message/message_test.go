package message_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danderson/dbusd/internal/message"
	"github.com/danderson/dbusd/internal/wire"
)

func methodCall(t *testing.T) *message.Message {
	t.Helper()
	w := wire.NewWriter(wire.NativeEndian, nil)
	if err := w.WriteBasic(wire.TypeString, "hello"); err != nil {
		t.Fatal(err)
	}
	return &message.Message{
		Header: message.Header{
			Order:       wire.NativeEndian,
			Type:        message.TypeMethodCall,
			Serial:      1,
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Member:      "RequestName",
			Destination: "org.freedesktop.DBus",
			Signature:   wire.MustParseSignature("s"),
		},
		Body: w.Bytes(),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := methodCall(t)
	bs, err := message.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if (len(bs)-len(m.Body))%8 != 0 {
		t.Errorf("encoded frame length %d not a multiple of 8 before body", len(bs))
	}

	got, err := message.Decode(bs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(got.Header, m.Header, cmp.Comparer(func(a, b wire.Signature) bool {
		return a.String() == b.String()
	}), cmp.Comparer(func(a, b wire.Order) bool {
		return a.Flag() == b.Flag()
	})); diff != "" {
		t.Errorf("decoded header mismatch (-got +want):\n%s", diff)
	}
	if string(got.Body) != string(m.Body) {
		t.Errorf("decoded body = %v, want %v", got.Body, m.Body)
	}
}

func TestPeekFrameLengthWaitsForFullFrame(t *testing.T) {
	m := methodCall(t)
	bs, err := message.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for n := 0; n < len(bs)-1; n++ {
		_, ok, err := message.PeekFrameLength(bs[:n])
		if err != nil {
			t.Fatalf("PeekFrameLength(%d bytes): unexpected error %v", n, err)
		}
		if ok {
			t.Fatalf("PeekFrameLength(%d bytes) = ok, want not-yet-enough-data", n)
		}
	}

	n, ok, err := message.PeekFrameLength(bs)
	if err != nil {
		t.Fatalf("PeekFrameLength(full): %v", err)
	}
	if !ok || n != len(bs) {
		t.Fatalf("PeekFrameLength(full) = (%d, %v), want (%d, true)", n, ok, len(bs))
	}
}

func TestPeekFrameLengthDetectsTrailingMessage(t *testing.T) {
	m := methodCall(t)
	bs, err := message.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	two := append(append([]byte(nil), bs...), bs...)

	n, ok, err := message.PeekFrameLength(two)
	if err != nil {
		t.Fatalf("PeekFrameLength: %v", err)
	}
	if !ok || n != len(bs) {
		t.Fatalf("PeekFrameLength(two frames) = (%d, %v), want (%d, true)", n, ok, len(bs))
	}
}

func TestHeaderValidRejectsMalformedMessages(t *testing.T) {
	cases := []struct {
		name string
		h    message.Header
		want bool
	}{
		{"method call needs member", message.Header{Type: message.TypeMethodCall}, false},
		{"method return needs reply serial", message.Header{Type: message.TypeMethodReturn}, false},
		{"error needs reply serial and name", message.Header{Type: message.TypeError, HasReply: true}, false},
		{"signal needs interface and member", message.Header{Type: message.TypeSignal, Member: "Foo"}, false},
		{"valid signal", message.Header{Type: message.TypeSignal, Interface: "a.b", Member: "Foo"}, true},
	}
	for _, c := range cases {
		err := c.h.Valid()
		if (err == nil) != c.want {
			t.Errorf("%s: Valid() error = %v, want ok=%v", c.name, err, c.want)
		}
	}
}
