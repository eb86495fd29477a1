package message

import (
	"errors"
	"fmt"

	"github.com/danderson/dbusd/internal/wire"
)

// Message is one complete broker frame: header plus a pre-encoded body
// matching Header.Signature.
type Message struct {
	Header Header
	Body   []byte
}

// fieldStructType is the element type of the header-field array, a
// struct(byte, variant).
var fieldStructType = wire.Type{
	Code: wire.TypeStruct,
	Children: []wire.Type{
		{Code: wire.TypeByte},
		{Code: wire.TypeVariant},
	},
}

// Encode renders m to its wire form. It is the caller's responsibility to
// have produced m.Body with the byte order and signature recorded in
// m.Header.
func Encode(m *Message) ([]byte, error) {
	h := &m.Header
	h.BodyLength = uint32(len(m.Body))

	w := wire.NewWriter(h.Order, nil)
	if err := w.WriteBasic(wire.TypeByte, h.Order.Flag()); err != nil {
		return nil, err
	}
	if err := w.WriteBasic(wire.TypeByte, byte(h.Type)); err != nil {
		return nil, err
	}
	if err := w.WriteBasic(wire.TypeByte, byte(h.Flags)); err != nil {
		return nil, err
	}
	if err := w.WriteBasic(wire.TypeByte, byte(protocolVersion)); err != nil {
		return nil, err
	}
	if err := w.WriteBasic(wire.TypeUint32, h.BodyLength); err != nil {
		return nil, err
	}
	if err := w.WriteBasic(wire.TypeUint32, h.Serial); err != nil {
		return nil, err
	}

	if err := w.Recurse(wire.KindArray, []wire.Type{fieldStructType}); err != nil {
		return nil, err
	}
	fields := []struct {
		code FieldCode
		sig  string
		set  bool
		fn   func(*wire.Writer) error
	}{
		{FieldPath, "o", h.Path != "", strWriter(h.Path)},
		{FieldInterface, "s", h.Interface != "", strWriter(h.Interface)},
		{FieldMember, "s", h.Member != "", strWriter(h.Member)},
		{FieldErrorName, "s", h.ErrorName != "", strWriter(h.ErrorName)},
		{FieldReplySerial, "u", h.HasReply, func(w *wire.Writer) error {
			return w.WriteBasic(wire.TypeUint32, h.ReplySerial)
		}},
		{FieldDestination, "s", h.Destination != "", strWriter(h.Destination)},
		{FieldSender, "s", h.Sender != "", strWriter(h.Sender)},
		{FieldSignature, "g", !h.Signature.Empty() || h.Type == TypeMethodCall || h.Type == TypeSignal || h.Type == TypeMethodReturn, func(w *wire.Writer) error {
			return w.WriteBasic(wire.TypeSignature, h.Signature.String())
		}},
		{FieldUnixFDs, "u", h.NumFDs != 0, func(w *wire.Writer) error {
			return w.WriteBasic(wire.TypeUint32, h.NumFDs)
		}},
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if err := writeField(w, f.code, f.sig, f.fn); err != nil {
			return nil, err
		}
	}
	if err := w.Unrecurse(); err != nil {
		return nil, err
	}

	out := w.Bytes()
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	out = append(out, m.Body...)
	return out, nil
}

func strWriter(s string) func(*wire.Writer) error {
	return func(w *wire.Writer) error {
		return w.WriteBasic(wire.TypeString, s)
	}
}

func writeField(w *wire.Writer, code FieldCode, sig string, fn func(*wire.Writer) error) error {
	if err := w.Recurse(wire.KindStruct, fieldStructType.Children); err != nil {
		return err
	}
	if err := w.WriteBasic(wire.TypeByte, byte(code)); err != nil {
		return err
	}
	if err := w.Recurse(wire.KindVariant, nil); err != nil {
		return err
	}
	if err := w.WriteVariantSignature(wire.MustParseSignature(sig)); err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	if err := w.Unrecurse(); err != nil {
		return err
	}
	return w.Unrecurse()
}

// frameSig describes the fixed header fields plus the header-field array,
// read as one sequence so the reader's position tracks true offsets from
// the start of the frame throughout (needed for the field array's
// struct(yv) elements, which align to 8 relative to frame start, not to
// wherever the array happens to begin in a sub-slice).
var frameSig = wire.MustParseSignature("yyyyuua(yv)")

// openFrameReader reads and discards the six fixed fields, leaving r
// positioned at the header-field array, and returns the byte order the
// remainder of the frame must be read in.
func openFrameReader(buf []byte) (r *wire.Reader, order wire.Order, err error) {
	if len(buf) < 1 {
		return nil, nil, wire.ErrTruncated
	}
	order, ok := wire.OrderForFlag(buf[0])
	if !ok {
		return nil, nil, fmt.Errorf("message: invalid byte-order flag %q", buf[0])
	}
	r = wire.NewReader(order, frameSig, buf)
	for i := 0; i < 6; i++ {
		if _, err := r.ReadBasic(); err != nil {
			return nil, nil, err
		}
	}
	return r, order, nil
}

// PeekFrameLength inspects buf, the unparsed prefix of a connection's
// incoming byte buffer, and reports the total length of the next complete
// frame (header plus body). It returns ok=false if buf does not yet contain
// enough bytes to know the frame length, which is not an error: the caller
// should wait for more data.
func PeekFrameLength(buf []byte) (n int, ok bool, err error) {
	if len(buf) < fixedHeaderLen {
		return 0, false, nil
	}
	r, _, err := openFrameReader(buf)
	if err != nil {
		if errors.Is(err, wire.ErrTruncated) {
			return 0, false, nil
		}
		return 0, false, err
	}
	bodyLen := mustOrder(buf).Uint32(buf[4:8])
	if err := r.Recurse(); err != nil {
		if errors.Is(err, wire.ErrTruncated) {
			return 0, false, nil
		}
		return 0, false, err
	}
	for !r.AtEnd() {
		if err := r.Next(); err != nil {
			if errors.Is(err, wire.ErrTruncated) {
				return 0, false, nil
			}
			return 0, false, err
		}
	}
	if err := r.Exit(); err != nil {
		if errors.Is(err, wire.ErrTruncated) {
			return 0, false, nil
		}
		return 0, false, err
	}

	bodyStart := r.Pos()
	if rem := bodyStart % 8; rem != 0 {
		bodyStart += 8 - rem
	}
	total := bodyStart + int(bodyLen)
	if len(buf) < total {
		return 0, false, nil
	}
	return total, true, nil
}

func mustOrder(buf []byte) wire.Order {
	order, _ := wire.OrderForFlag(buf[0])
	return order
}

// Decode parses one complete frame from buf, which must contain at least
// the frame returned by a prior PeekFrameLength call.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < fixedHeaderLen {
		return nil, wire.ErrTruncated
	}
	r, order, err := openFrameReader(buf)
	if err != nil {
		return nil, err
	}
	h := Header{
		Order:      order,
		Type:       Type(buf[1]),
		Flags:      Flags(buf[2]),
		BodyLength: order.Uint32(buf[4:8]),
		Serial:     order.Uint32(buf[8:12]),
	}
	// buf[3] is the protocol version; the broker does not gate on it.

	if err := r.Recurse(); err != nil {
		return nil, err
	}
	for !r.AtEnd() {
		if err := readField(r, &h); err != nil {
			return nil, err
		}
	}
	if err := r.Exit(); err != nil {
		return nil, err
	}

	bodyStart := r.Pos()
	if rem := bodyStart % 8; rem != 0 {
		bodyStart += 8 - rem
	}
	bodyEnd := bodyStart + int(h.BodyLength)
	if len(buf) < bodyEnd {
		return nil, wire.ErrTruncated
	}

	if err := h.Valid(); err != nil {
		return nil, err
	}
	return &Message{Header: h, Body: buf[bodyStart:bodyEnd]}, nil
}

func readField(r *wire.Reader, h *Header) error {
	if err := r.Recurse(); err != nil { // into struct(y,v)
		return err
	}
	codeAny, err := r.ReadBasic()
	if err != nil {
		return err
	}
	code := FieldCode(codeAny.(byte))

	if err := r.Recurse(); err != nil { // into variant
		return err
	}
	switch code {
	case FieldPath:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.Path = v.(string)
	case FieldInterface:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.Interface = v.(string)
	case FieldMember:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.Member = v.(string)
	case FieldErrorName:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.ErrorName = v.(string)
	case FieldReplySerial:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.ReplySerial = v.(uint32)
		h.HasReply = true
	case FieldDestination:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.Destination = v.(string)
	case FieldSender:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.Sender = v.(string)
	case FieldSignature:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		sig, err := wire.ParseSignature(v.(string))
		if err != nil {
			return err
		}
		h.Signature = sig
	case FieldUnixFDs:
		v, err := r.ReadBasic()
		if err != nil {
			return err
		}
		h.NumFDs = v.(uint32)
	default:
		// Unknown field codes are skipped, per the DBus convention that
		// header fields are extensible.
		for !r.AtEnd() {
			if err := r.Next(); err != nil {
				return err
			}
		}
	}
	if err := r.Exit(); err != nil { // out of variant
		return err
	}
	return r.Exit() // out of struct
}
