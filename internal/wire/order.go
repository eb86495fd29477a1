// Package wire implements the DBus wire format: the signature grammar, the
// alignment-aware basic-type codec, and a recursive reader/writer pair that
// walks arbitrary signatures without needing static Go types for the values
// involved.
package wire

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// Order is a DBus wire byte order.
type Order interface {
	byteOrder
	// Flag returns the DBus byte-order marker byte ('l' or 'B') for this
	// order.
	Flag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) Flag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unknown Order, how did you manage to make one of those?")
	}
}

// OrderForFlag returns the Order corresponding to a DBus byte-order flag
// byte, or false if the flag is not recognized.
func OrderForFlag(flag byte) (Order, bool) {
	switch flag {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	default:
		return nil, false
	}
}

var (
	BigEndian    Order = wrapStd{binary.BigEndian}
	LittleEndian Order = wrapStd{binary.LittleEndian}
	NativeEndian Order = wrapStd{binary.NativeEndian}
)
