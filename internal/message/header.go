// Package message implements the broker's wire framing: the fixed message
// header, the variable header-field array, and incremental frame-length
// detection over a connection's incoming byte buffer.
package message

import (
	"fmt"

	"github.com/danderson/dbusd/internal/wire"
)

// Type identifies the kind of a message.
type Type byte

const (
	TypeInvalid      Type = 0
	TypeMethodCall   Type = 1
	TypeMethodReturn Type = 2
	TypeError        Type = 3
	TypeSignal       Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("invalid(%d)", byte(t))
	}
}

// Flags are the single-byte flag field of a message header.
type Flags byte

const (
	FlagNoReplyExpected           Flags = 1 << 0
	FlagNoAutoStart               Flags = 1 << 1
	FlagAllowInteractiveAuth      Flags = 1 << 2
)

func (f Flags) NoReplyExpected() bool { return f&FlagNoReplyExpected != 0 }

// FieldCode identifies one entry of the header-field array.
type FieldCode byte

const (
	FieldPath        FieldCode = 1
	FieldInterface   FieldCode = 2
	FieldMember      FieldCode = 3
	FieldErrorName   FieldCode = 4
	FieldReplySerial FieldCode = 5
	FieldDestination FieldCode = 6
	FieldSender      FieldCode = 7
	FieldSignature   FieldCode = 8
	FieldUnixFDs     FieldCode = 9
)

const protocolVersion = 1

// fixedHeaderLen is the size, in bytes, of the fixed portion of a message
// header: byte-order, type, flags, version, body length, serial.
const fixedHeaderLen = 12

// Header is the parsed form of a message's fixed fields and header-field
// array. The body is carried separately, as raw bytes plus the Signature
// field naming its type.
type Header struct {
	Order Order
	Type  Type
	Flags Flags

	Serial     uint32
	BodyLength uint32

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	HasReply    bool
	Destination string
	Sender      string
	Signature   wire.Signature
	NumFDs      uint32
}

// Order is the wire byte order of a message, as recorded in its
// byte-order-flag byte ('l' or 'B').
type Order = wire.Order

// Valid checks the header against the invariants a well-formed message
// must satisfy before it is handed to the dispatcher.
func (h *Header) Valid() error {
	switch h.Type {
	case TypeMethodCall:
		if h.Member == "" {
			return fmt.Errorf("message: method call missing MEMBER field")
		}
	case TypeMethodReturn:
		if !h.HasReply {
			return fmt.Errorf("message: method return missing REPLY_SERIAL field")
		}
	case TypeError:
		if !h.HasReply {
			return fmt.Errorf("message: error missing REPLY_SERIAL field")
		}
		if h.ErrorName == "" {
			return fmt.Errorf("message: error missing ERROR_NAME field")
		}
	case TypeSignal:
		if h.Interface == "" || h.Member == "" {
			return fmt.Errorf("message: signal missing INTERFACE or MEMBER field")
		}
	default:
		return fmt.Errorf("message: unknown message type %d", h.Type)
	}
	return nil
}

// WantReply reports whether the sender expects a method-return or error in
// response to this message.
func (h *Header) WantReply() bool {
	return h.Type == TypeMethodCall && !h.Flags.NoReplyExpected()
}

// CanInteract reports whether the sender is prepared to wait for an
// interactive authorization prompt if the destination needs one.
func (h *Header) CanInteract() bool {
	return h.Type == TypeMethodCall && h.Flags&FlagAllowInteractiveAuth != 0
}
