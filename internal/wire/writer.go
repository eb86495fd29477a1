package wire

import (
	"fmt"
	"math"
	"slices"
)

// writerFrame is one level of container nesting for a Writer.
type writerFrame struct {
	kind  Kind
	types []Type
	idx   int

	// lenPos is the offset of the array's length word, valid when
	// kind == KindArray.
	lenPos int
	// elemStart is the offset where the array's element region begins,
	// valid when kind == KindArray.
	elemStart int

	// typePositionIsExpectation is true while inside an array or variant,
	// where the signature of each value is fixed by the container and the
	// writer must not append typecodes as values are written.
	typePositionIsExpectation bool
}

// Writer mirrors Reader: it builds a value region from a sequence of
// WriteBasic/Recurse/Unrecurse calls, appending typecodes to a signature
// buffer as it goes unless positioned inside an array or variant (where the
// expected type is already fixed).
type Writer struct {
	order Order
	value []byte
	// sig accumulates the signature of values written at the top level
	// (and inside structs), used when the caller isn't tracking its own
	// signature separately (e.g. building a message body from scratch).
	sig []byte

	stack []writerFrame
	cur   writerFrame
}

// NewWriter creates a Writer that appends to value (which may be nil).
func NewWriter(order Order, value []byte) *Writer {
	return &Writer{
		order: order,
		value: value,
		cur:   writerFrame{kind: KindTop},
	}
}

// Order returns the byte order in effect for this writer.
func (w *Writer) Order() Order { return w.order }

// Bytes returns the accumulated value region.
func (w *Writer) Bytes() []byte { return w.value }

// Signature returns the accumulated top-level signature, valid when the
// writer was used without a pre-declared expected type (i.e. not nested
// inside an array or variant recursion at the top level).
func (w *Writer) Signature() (Signature, error) {
	return ParseSignature(string(w.sig))
}

func (w *Writer) appendType(t TypeCode) {
	if w.cur.typePositionIsExpectation {
		return
	}
	w.sig = append(w.sig, byte(t))
}

func (w *Writer) align(n int) {
	w.value = appendPad(w.value, 0, n)
}

// snapshot captures enough Writer state to roll back a partial write on
// failure.
type writerSnapshot struct {
	valueLen int
	sigLen   int
	stack    []writerFrame
	cur      writerFrame
}

func (w *Writer) snapshot() writerSnapshot {
	return writerSnapshot{
		valueLen: len(w.value),
		sigLen:   len(w.sig),
		stack:    append([]writerFrame(nil), w.stack...),
		cur:      w.cur,
	}
}

func (w *Writer) restore(s writerSnapshot) {
	w.value = w.value[:s.valueLen]
	w.sig = w.sig[:s.sigLen]
	w.stack = append([]writerFrame(nil), s.stack...)
	w.cur = s.cur
}

// WriteBasic appends a basic-typed value. code identifies the DBus type;
// val must be the corresponding Go type (byte/bool/int16/uint16/int32/
// uint32/int64/uint64/float64/string for string, object path and
// signature).
func (w *Writer) WriteBasic(code TypeCode, val any) error {
	snap := w.snapshot()
	if err := w.writeBasic(code, val); err != nil {
		w.restore(snap)
		return err
	}
	w.appendType(code)
	if w.cur.kind != KindArray {
		w.cur.idx++
	}
	return nil
}

func (w *Writer) writeBasic(code TypeCode, val any) error {
	switch code {
	case TypeByte:
		v, ok := val.(byte)
		if !ok {
			return fmt.Errorf("wire: expected byte, got %T", val)
		}
		w.value = append(w.value, v)
	case TypeBool:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("wire: expected bool, got %T", val)
		}
		w.align(1)
		var u uint32
		if v {
			u = 1
		}
		w.value = w.order.AppendUint32(w.value, u)
	case TypeInt16:
		v, ok := val.(int16)
		if !ok {
			return fmt.Errorf("wire: expected int16, got %T", val)
		}
		w.align(2)
		w.value = w.order.AppendUint16(w.value, uint16(v))
	case TypeUint16:
		v, ok := val.(uint16)
		if !ok {
			return fmt.Errorf("wire: expected uint16, got %T", val)
		}
		w.align(2)
		w.value = w.order.AppendUint16(w.value, v)
	case TypeInt32:
		v, ok := val.(int32)
		if !ok {
			return fmt.Errorf("wire: expected int32, got %T", val)
		}
		w.align(4)
		w.value = w.order.AppendUint32(w.value, uint32(v))
	case TypeUint32, TypeUnixFD:
		v, ok := val.(uint32)
		if !ok {
			return fmt.Errorf("wire: expected uint32, got %T", val)
		}
		w.align(4)
		w.value = w.order.AppendUint32(w.value, v)
	case TypeInt64:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("wire: expected int64, got %T", val)
		}
		w.align(8)
		w.value = w.order.AppendUint64(w.value, uint64(v))
	case TypeUint64:
		v, ok := val.(uint64)
		if !ok {
			return fmt.Errorf("wire: expected uint64, got %T", val)
		}
		w.align(8)
		w.value = w.order.AppendUint64(w.value, v)
	case TypeDouble:
		v, ok := val.(float64)
		if !ok {
			return fmt.Errorf("wire: expected float64, got %T", val)
		}
		w.align(8)
		w.value = w.order.AppendUint64(w.value, math.Float64bits(v))
	case TypeString, TypeObjPath:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("wire: expected string, got %T", val)
		}
		w.align(4)
		w.value = w.order.AppendUint32(w.value, uint32(len(v)))
		w.value = append(w.value, v...)
		w.value = append(w.value, 0)
	case TypeSignature:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("wire: expected string, got %T", val)
		}
		if len(v) > 255 {
			return fmt.Errorf("wire: signature %q too long", v)
		}
		w.value = append(w.value, byte(len(v)))
		w.value = append(w.value, v...)
		w.value = append(w.value, 0)
	default:
		return fmt.Errorf("wire: %q is not a basic type", code)
	}
	return nil
}

// Recurse begins writing a container of the given kind. For arrays and
// structs, types describes the element type (array, one Type) or
// field types (struct/dict entry, all Types); it is ignored for variants,
// whose inner signature is supplied to WriteVariantSignature after Recurse.
func (w *Writer) Recurse(kind Kind, types []Type) error {
	snap := w.snapshot()
	parent := w.cur
	w.stack = append(w.stack, parent)

	switch kind {
	case KindStruct, KindDictEntry:
		w.align(8)
		// Reserve struct value-space up front to bound mid-operation
		// allocation failures: growing the byte slice now means later
		// WriteBasic calls within the struct are less likely to need to
		// grow past capacity.
		w.value = slices.Grow(w.value, 8)
		if !w.cur.typePositionIsExpectation {
			if kind == KindDictEntry {
				w.sig = append(w.sig, '{')
			} else {
				w.sig = append(w.sig, '(')
			}
		}
		w.cur = writerFrame{
			kind:                      kind,
			types:                     types,
			typePositionIsExpectation: w.cur.typePositionIsExpectation,
		}
	case KindArray:
		if len(types) != 1 {
			w.restore(snap)
			return fmt.Errorf("wire: array recursion needs exactly one element type")
		}
		w.align(4)
		lenPos := len(w.value)
		w.value = w.order.AppendUint32(w.value, 0)
		// Arrays are always padded to their element alignment, even when
		// empty; this trades a few encoded bytes for a decoder that never
		// special-cases the zero-element case.
		w.align(types[0].Code.Alignment())
		if !w.cur.typePositionIsExpectation {
			w.appendType('a')
			w.appendTypeSig(types[0])
		}
		w.cur = writerFrame{
			kind:                      KindArray,
			types:                     types,
			lenPos:                    lenPos,
			elemStart:                 len(w.value),
			typePositionIsExpectation: true,
		}
	case KindVariant:
		if !w.cur.typePositionIsExpectation {
			w.sig = append(w.sig, byte(TypeVariant))
		}
		w.cur = writerFrame{kind: KindVariant, typePositionIsExpectation: true}
	default:
		w.restore(snap)
		return fmt.Errorf("wire: invalid container kind for Recurse")
	}
	return nil
}

// appendTypeSig appends t's full signature to the writer's type buffer,
// used when writing a container's typecode header (e.g. "a" followed by
// the element's complete type).
func (w *Writer) appendTypeSig(t Type) {
	w.sig = append(w.sig, t.Sig()...)
}

// WriteVariantSignature writes a variant's inline signature. It must be
// called immediately after Recurse(KindVariant, ...), before writing the
// variant's single inner value.
func (w *Writer) WriteVariantSignature(sig Signature) error {
	if w.cur.kind != KindVariant || len(w.cur.types) != 0 {
		return fmt.Errorf("wire: WriteVariantSignature called out of sequence")
	}
	s := sig.String()
	if len(s) > 255 {
		return fmt.Errorf("wire: variant signature %q too long", s)
	}
	w.value = append(w.value, byte(len(s)))
	w.value = append(w.value, s...)
	w.value = append(w.value, 0)
	// Pad the variant body to 8 bytes, uniformly with every other
	// container, rather than to the natural alignment of the inner type.
	w.align(8)
	w.cur.types = sig.Types()
	return nil
}

// Unrecurse ends the container begun by the most recent Recurse call. For
// arrays, it back-patches the length word with the number of bytes
// written since the element region began.
func (w *Writer) Unrecurse() error {
	if len(w.stack) == 0 {
		return fmt.Errorf("wire: Unrecurse called at top level")
	}
	switch w.cur.kind {
	case KindArray:
		n := len(w.value) - w.cur.elemStart
		w.order.PutUint32(w.value[w.cur.lenPos:], uint32(n))
	case KindStruct, KindDictEntry:
		if !w.cur.typePositionIsExpectation {
			if w.cur.kind == KindDictEntry {
				w.sig = append(w.sig, '}')
			} else {
				w.sig = append(w.sig, ')')
			}
		}
	}
	parent := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	w.cur = parent
	if w.cur.kind != KindArray {
		w.cur.idx++
	}
	return nil
}
