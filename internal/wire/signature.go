package wire

import (
	"fmt"
	"strings"
)

// TypeCode identifies one DBus basic or container type.
type TypeCode byte

const (
	TypeByte      TypeCode = 'y'
	TypeBool      TypeCode = 'b'
	TypeInt16     TypeCode = 'n'
	TypeUint16    TypeCode = 'q'
	TypeInt32     TypeCode = 'i'
	TypeUint32    TypeCode = 'u'
	TypeInt64     TypeCode = 'x'
	TypeUint64    TypeCode = 't'
	TypeDouble    TypeCode = 'd'
	TypeString    TypeCode = 's'
	TypeObjPath   TypeCode = 'o'
	TypeSignature TypeCode = 'g'
	TypeUnixFD    TypeCode = 'h'
	TypeArray     TypeCode = 'a'
	TypeStruct    TypeCode = '('
	TypeStructEnd TypeCode = ')'
	TypeDictEntry TypeCode = '{'
	TypeDictEnd   TypeCode = '}'
	TypeVariant   TypeCode = 'v'
)

// IsBasic reports whether t is a fixed or string-like basic type (i.e. not a
// container).
func (t TypeCode) IsBasic() bool {
	switch t {
	case TypeByte, TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjPath,
		TypeSignature, TypeUnixFD:
		return true
	}
	return false
}

// Fixed reports whether t has a fixed encoded width, and if so, its width in
// bytes.
func (t TypeCode) Fixed() (width int, ok bool) {
	switch t {
	case TypeByte:
		return 1, true
	case TypeBool, TypeInt32, TypeUint32:
		return 4, true
	case TypeInt16, TypeUint16:
		return 2, true
	case TypeInt64, TypeUint64, TypeDouble:
		return 8, true
	case TypeUnixFD:
		return 4, true
	}
	return 0, false
}

// Alignment returns the wire alignment, in bytes, of a value of this type.
// Bool is encoded as a 4-byte word (its wire representation is a uint32 of
// 0 or 1) but is aligned like byte/variant/signature, not like int32: the
// alignment requirement is a property of the type code, independent of the
// width of the value that follows it.
func (t TypeCode) Alignment() int {
	switch t {
	case TypeByte, TypeBool, TypeVariant, TypeSignature:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeString, TypeObjPath, TypeArray, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	default:
		return 1
	}
}

func (t TypeCode) String() string { return string(rune(t)) }

// Type is one parsed node of a Signature: a basic type, or a container with
// child Types (array: one child, the element type; struct: one child per
// field; dict entry: exactly two children, key and value).
type Type struct {
	Code     TypeCode
	Children []Type
}

// Sig renders the type back to its signature substring.
func (t Type) Sig() string {
	var sb strings.Builder
	t.writeSig(&sb)
	return sb.String()
}

func (t Type) writeSig(sb *strings.Builder) {
	switch t.Code {
	case TypeArray:
		sb.WriteByte('a')
		t.Children[0].writeSig(sb)
	case TypeStruct:
		sb.WriteByte('(')
		for _, c := range t.Children {
			c.writeSig(sb)
		}
		sb.WriteByte(')')
	case TypeDictEntry:
		sb.WriteByte('{')
		t.Children[0].writeSig(sb)
		t.Children[1].writeSig(sb)
		sb.WriteByte('}')
	default:
		sb.WriteByte(byte(t.Code))
	}
}

// Signature is a validated sequence of Types, describing a value tuple (a
// message body, or a struct's fields).
type Signature struct {
	str   string
	types []Type
}

// String returns the wire signature string.
func (s Signature) String() string { return s.str }

// Types returns the top-level types of the signature.
func (s Signature) Types() []Type { return s.types }

// Empty reports whether the signature describes zero values.
func (s Signature) Empty() bool { return len(s.types) == 0 }

// ParseSignature parses and validates a DBus signature string.
func ParseSignature(sig string) (Signature, error) {
	rest := sig
	var types []Type
	for rest != "" {
		t, r, err := parseOne(rest, false)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid signature %q: %w", sig, err)
		}
		types = append(types, t)
		rest = r
	}
	return Signature{str: sig, types: types}, nil
}

// MustParseSignature is like ParseSignature but panics on error. Intended
// for signatures fixed at compile time (e.g. driver method replies).
func MustParseSignature(sig string) Signature {
	s, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return s
}

func parseOne(sig string, inDictEntry bool) (t Type, rest string, err error) {
	if sig == "" {
		return Type{}, "", fmt.Errorf("unexpected end of signature")
	}
	c := TypeCode(sig[0])
	switch c {
	case TypeByte, TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjPath,
		TypeSignature, TypeUnixFD, TypeVariant:
		return Type{Code: c}, sig[1:], nil
	case TypeArray:
		if len(sig) < 2 {
			return Type{}, "", fmt.Errorf("'a' not followed by a complete type")
		}
		if sig[1] == byte(TypeDictEnd) {
			return Type{}, "", fmt.Errorf("'a' not followed by a complete type")
		}
		elem, r, err := parseDictAware(sig[1:])
		if err != nil {
			return Type{}, "", err
		}
		return Type{Code: TypeArray, Children: []Type{elem}}, r, nil
	case TypeStruct:
		rest := sig[1:]
		var fields []Type
		for {
			if rest == "" {
				return Type{}, "", fmt.Errorf("missing closing ) in struct signature")
			}
			if rest[0] == byte(TypeStructEnd) {
				rest = rest[1:]
				break
			}
			var f Type
			f, rest, err = parseOne(rest, false)
			if err != nil {
				return Type{}, "", err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, "", fmt.Errorf("empty struct signature")
		}
		return Type{Code: TypeStruct, Children: fields}, rest, nil
	case TypeDictEntry:
		if !inDictEntry {
			return Type{}, "", fmt.Errorf("dict entry type '{' found outside array")
		}
		rest := sig[1:]
		key, rest, err := parseOne(rest, false)
		if err != nil {
			return Type{}, "", err
		}
		if !key.Code.IsBasic() {
			return Type{}, "", fmt.Errorf("dict entry key type %q is not a basic type", key.Code)
		}
		val, rest2, err := parseOne(rest, false)
		if err != nil {
			return Type{}, "", err
		}
		if rest2 == "" || rest2[0] != byte(TypeDictEnd) {
			return Type{}, "", fmt.Errorf("missing closing } in dict entry signature")
		}
		return Type{Code: TypeDictEntry, Children: []Type{key, val}}, rest2[1:], nil
	default:
		return Type{}, "", fmt.Errorf("unknown type code %q", sig[0])
	}
}

// parseDictAware parses one type, additionally permitting a dict-entry type
// at the top level: dict entries are only valid as the direct element type
// of an array ("a{sv}"), never nested elsewhere.
func parseDictAware(sig string) (Type, string, error) {
	if sig != "" && sig[0] == byte(TypeDictEntry) {
		return parseOne(sig, true)
	}
	return parseOne(sig, false)
}
