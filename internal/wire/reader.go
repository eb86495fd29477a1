package wire

import (
	"fmt"
	"math"
)

type Kind int

const (
	KindTop Kind = iota
	KindStruct
	KindDictEntry
	KindArray
	KindVariant
)

// readerFrame is one level of container nesting for a Reader: the sibling
// type list at that level, the index of the next sibling to visit, and
// (for arrays) the byte range of the element region.
type readerFrame struct {
	kind  Kind
	types []Type
	idx   int

	// arrayEnd is the exclusive end offset of the element region, valid
	// when kind == KindArray.
	arrayEnd int
	// elemStart is the offset of the first array element, valid when
	// kind == KindArray. Used only for ArrayIsEmpty and mark bookkeeping.
	elemStart int
	// lenOffset is elemStart minus the offset just after the array's
	// length word. It is always in [0,7] and is not otherwise used by this
	// implementation, since the reader tracks pos directly.
	lenOffset int

	// typeInValue is true only for a variant frame, whose type region
	// (the inline signature) lives inside the value region rather than in
	// a separate type string.
	typeInValue bool
}

// Reader walks a value region using an accompanying type signature,
// producing basic values and recursing into containers as directed by the
// caller. It implements a recursive-descent "type reader" state machine
// mirroring the wire codec's alignment and framing rules.
type Reader struct {
	order Order
	value []byte
	pos   int

	stack []readerFrame
	cur   readerFrame
}

// NewReader creates a Reader over value, whose top-level shape is sig.
func NewReader(order Order, sig Signature, value []byte) *Reader {
	return &Reader{
		order: order,
		value: value,
		cur:   readerFrame{kind: KindTop, types: sig.Types()},
	}
}

// Order returns the byte order in effect for this reader.
func (r *Reader) Order() Order { return r.order }

// Pos returns the reader's current byte offset into its value region.
func (r *Reader) Pos() int { return r.pos }

// AtEnd reports whether the current container level has no more values to
// read (for arrays: the element region is exhausted; for structs/top-level:
// the sibling list is exhausted).
func (r *Reader) AtEnd() bool {
	if r.cur.kind == KindArray {
		return r.pos >= r.cur.arrayEnd
	}
	return r.cur.idx >= len(r.cur.types)
}

// CurrentType returns the type of the value the reader is positioned at, or
// false if the current container level has been fully consumed.
func (r *Reader) CurrentType() (Type, bool) {
	if r.AtEnd() {
		return Type{}, false
	}
	if r.cur.kind == KindArray {
		return r.cur.types[0], true
	}
	return r.cur.types[r.cur.idx], true
}

// GetSignatureOfCurrent returns the wire signature of the value at the
// reader's current position.
func (r *Reader) GetSignatureOfCurrent() (Signature, error) {
	t, ok := r.CurrentType()
	if !ok {
		return Signature{}, fmt.Errorf("wire: no current value to get signature of")
	}
	return ParseSignature(t.Sig())
}

// ArrayIsEmpty reports whether the reader, currently recursed into an
// array, has zero elements. It is only valid to call immediately after
// Recurse into an array.
func (r *Reader) ArrayIsEmpty() (bool, error) {
	if r.cur.kind != KindArray {
		return false, fmt.Errorf("wire: ArrayIsEmpty called outside an array")
	}
	return r.cur.elemStart >= r.cur.arrayEnd, nil
}

func (r *Reader) align(n int) error {
	newPos, err := consumePad(r.value, r.pos, 0, n)
	if err != nil {
		return err
	}
	r.pos = newPos
	return nil
}

// ReadBasic reads the current basic-typed value and advances past it. It
// returns an error if the current value is a container.
func (r *Reader) ReadBasic() (any, error) {
	t, ok := r.CurrentType()
	if !ok {
		return nil, fmt.Errorf("wire: ReadBasic called with no current value")
	}
	if !t.Code.IsBasic() {
		return nil, fmt.Errorf("wire: ReadBasic called on container type %q", t.Code)
	}

	v, err := r.readBasicValue(t.Code)
	if err != nil {
		return nil, err
	}
	r.advanceSibling()
	return v, nil
}

func (r *Reader) readBasicValue(code TypeCode) (any, error) {
	switch code {
	case TypeByte:
		if err := need(r.value, r.pos, 1); err != nil {
			return nil, err
		}
		b := r.value[r.pos]
		r.pos++
		return b, nil
	case TypeBool:
		if err := r.align(1); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 4); err != nil {
			return nil, err
		}
		u := r.order.Uint32(r.value[r.pos:])
		r.pos += 4
		return u != 0, nil
	case TypeInt16:
		if err := r.align(2); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 2); err != nil {
			return nil, err
		}
		u := r.order.Uint16(r.value[r.pos:])
		r.pos += 2
		return int16(u), nil
	case TypeUint16:
		if err := r.align(2); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 2); err != nil {
			return nil, err
		}
		u := r.order.Uint16(r.value[r.pos:])
		r.pos += 2
		return u, nil
	case TypeInt32:
		if err := r.align(4); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 4); err != nil {
			return nil, err
		}
		u := r.order.Uint32(r.value[r.pos:])
		r.pos += 4
		return int32(u), nil
	case TypeUint32, TypeUnixFD:
		if err := r.align(4); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 4); err != nil {
			return nil, err
		}
		u := r.order.Uint32(r.value[r.pos:])
		r.pos += 4
		return u, nil
	case TypeInt64:
		if err := r.align(8); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 8); err != nil {
			return nil, err
		}
		u := r.order.Uint64(r.value[r.pos:])
		r.pos += 8
		return int64(u), nil
	case TypeUint64:
		if err := r.align(8); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 8); err != nil {
			return nil, err
		}
		u := r.order.Uint64(r.value[r.pos:])
		r.pos += 8
		return u, nil
	case TypeDouble:
		if err := r.align(8); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 8); err != nil {
			return nil, err
		}
		u := r.order.Uint64(r.value[r.pos:])
		r.pos += 8
		return math.Float64frombits(u), nil
	case TypeString, TypeObjPath:
		if err := r.align(4); err != nil {
			return nil, err
		}
		if err := need(r.value, r.pos, 4); err != nil {
			return nil, err
		}
		ln := int(r.order.Uint32(r.value[r.pos:]))
		r.pos += 4
		if err := need(r.value, r.pos, ln+1); err != nil {
			return nil, err
		}
		s := string(r.value[r.pos : r.pos+ln])
		r.pos += ln + 1 // + NUL
		return s, nil
	case TypeSignature:
		if err := need(r.value, r.pos, 1); err != nil {
			return nil, err
		}
		ln := int(r.value[r.pos])
		r.pos++
		if err := need(r.value, r.pos, ln+1); err != nil {
			return nil, err
		}
		s := string(r.value[r.pos : r.pos+ln])
		r.pos += ln + 1 // + NUL
		return s, nil
	default:
		return nil, fmt.Errorf("wire: %q is not a basic type", code)
	}
}

// advanceSibling moves the cursor to the next sibling at the current
// container level, after a basic value or a fully-exited container has been
// consumed at the current position.
func (r *Reader) advanceSibling() {
	if r.cur.kind != KindArray {
		r.cur.idx++
	}
}

// Recurse descends into the container the reader is currently positioned
// at (array, struct, dict entry, or variant). The reader's cursor is left
// inside the container; call Exit to return to the enclosing level once the
// container's contents have been fully consumed.
func (r *Reader) Recurse() error {
	t, ok := r.CurrentType()
	if !ok {
		return fmt.Errorf("wire: Recurse called with no current value")
	}

	parent := r.cur
	r.stack = append(r.stack, parent)

	switch t.Code {
	case TypeStruct:
		if err := r.align(8); err != nil {
			return err
		}
		r.cur = readerFrame{kind: KindStruct, types: t.Children}
	case TypeDictEntry:
		if err := r.align(8); err != nil {
			return err
		}
		r.cur = readerFrame{kind: KindDictEntry, types: t.Children}
	case TypeArray:
		if err := r.align(4); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		if err := need(r.value, r.pos, 4); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		ln := int(r.order.Uint32(r.value[r.pos:]))
		r.pos += 4
		afterLen := r.pos
		elemAlign := t.Children[0].Code.Alignment()
		if err := r.align(elemAlign); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		if err := need(r.value, r.pos, ln); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		r.cur = readerFrame{
			kind:      KindArray,
			types:     []Type{t.Children[0]},
			arrayEnd:  r.pos + ln,
			elemStart: r.pos,
			lenOffset: r.pos - afterLen,
		}
	case TypeVariant:
		if err := need(r.value, r.pos, 1); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		ln := int(r.value[r.pos])
		r.pos++
		if err := need(r.value, r.pos, ln+1); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		sigStr := string(r.value[r.pos : r.pos+ln])
		r.pos += ln + 1
		sig, err := ParseSignature(sigStr)
		if err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return fmt.Errorf("wire: variant has invalid inline signature: %w", err)
		}
		if err := r.align(8); err != nil {
			r.stack = r.stack[:len(r.stack)-1]
			return err
		}
		r.cur = readerFrame{kind: KindVariant, types: sig.Types(), typeInValue: true}
	default:
		r.stack = r.stack[:len(r.stack)-1]
		return fmt.Errorf("wire: Recurse called on non-container type %q", t.Code)
	}
	return nil
}

// Exit returns from the container entered by the most recent Recurse call
// to the enclosing level, verifying that the container was fully consumed,
// and advances the enclosing level's cursor past the container.
func (r *Reader) Exit() error {
	if len(r.stack) == 0 {
		return fmt.Errorf("wire: Exit called at top level")
	}
	switch r.cur.kind {
	case KindArray:
		if r.pos != r.cur.arrayEnd {
			return fmt.Errorf("wire: array element region not fully consumed (at %d, end %d)", r.pos, r.cur.arrayEnd)
		}
	case KindStruct, KindDictEntry, KindVariant:
		if r.cur.idx != len(r.cur.types) {
			return fmt.Errorf("wire: container not fully consumed (%d/%d fields read)", r.cur.idx, len(r.cur.types))
		}
	}
	r.cur = r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	r.advanceSibling()
	return nil
}

// Next skips the value at the reader's current position without decoding
// it into a caller-visible value, descending into containers as needed. It
// is used to jump over header fields or array elements the caller does not
// care about.
func (r *Reader) Next() error {
	t, ok := r.CurrentType()
	if !ok {
		return fmt.Errorf("wire: Next called with no current value")
	}
	if t.Code.IsBasic() {
		_, err := r.ReadBasic()
		return err
	}
	if err := r.Recurse(); err != nil {
		return err
	}
	for !r.AtEnd() {
		if err := r.Next(); err != nil {
			return err
		}
	}
	return r.Exit()
}

// Mark captures enough Reader state to recreate an identical reader later
// via InitFromMark.
type Mark struct {
	order Order
	value []byte
	pos   int
	stack []readerFrame
	cur   readerFrame
}

// SaveMark captures the reader's current position.
func (r *Reader) SaveMark() Mark {
	return Mark{
		order: r.order,
		value: r.value,
		pos:   r.pos,
		stack: append([]readerFrame(nil), r.stack...),
		cur:   r.cur,
	}
}

// InitFromMark resets the reader to the state captured by m.
func (r *Reader) InitFromMark(m Mark) {
	r.order = m.order
	r.value = m.value
	r.pos = m.pos
	r.stack = append([]readerFrame(nil), m.stack...)
	r.cur = m.cur
}

// SameValueRegion reports whether m's type region and value region are the
// same underlying string, which is true only for a mark taken while
// recursed into a variant.
func (m Mark) SameValueRegion() bool { return m.cur.typeInValue }
