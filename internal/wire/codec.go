package wire

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned when a decode operation runs past the end of the
// available bytes.
var ErrTruncated = errors.New("wire: truncated message")

// ErrAlignment reports a violation of the wire alignment for a type. The
// Reader and Writer in this package pad to alignment rather than reject
// misaligned data, so no function in this package returns it.
var ErrAlignment = errors.New("wire: alignment violation")

// padLen computes the number of padding bytes needed to align n to align
// bytes.
func padLen(n, align int) int {
	extra := n % align
	if extra == 0 {
		return 0
	}
	return align - extra
}

// appendPad appends align-ing zero bytes to out so that len(out) is a
// multiple of align relative to base (the start of the message).
func appendPad(out []byte, base, align int) []byte {
	n := padLen(len(out)-base, align)
	if n == 0 {
		return out
	}
	var zero [8]byte
	return append(out, zero[:n]...)
}

// consumePad advances pos past align-ing padding bytes. It does not verify
// that they are all zero: decoders skip padding, they don't validate its
// content, only that enough bytes remain.
func consumePad(data []byte, pos, base, align int) (int, error) {
	n := padLen(pos-base, align)
	if n == 0 {
		return pos, nil
	}
	if pos+n > len(data) {
		return pos, fmt.Errorf("%w: padding to %d-byte alignment", ErrTruncated, align)
	}
	return pos + n, nil
}

func need(data []byte, pos, n int) error {
	if pos+n > len(data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, pos, len(data))
	}
	return nil
}
