// Package wire implements the framed, HMAC-authenticated command-frame
// protocol of spec.md §4.1. It knows nothing about session state or
// command semantics (that's netsync/); it only encodes/decodes frames.
package wire

import "fmt"

// AppendLEB128 appends v to b using unsigned LEB128 (7 bits per byte,
// high bit set on every byte but the last). Grounded on
// node/p2p/compactsize.go's CompactSize varint, generalized from
// CompactSize's byte-prefix scheme to LEB128's continuation-bit scheme
// per spec.md §4.1(3).
func AppendLEB128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		b = append(b, c)
		return b
	}
}

// ReadLEB128 decodes a LEB128 varint from the front of b, returning the
// value and the number of bytes consumed. ErrNeedMoreBytes is returned if
// b does not yet contain a complete varint.
func ReadLEB128(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		if shift >= 64 {
			return 0, 0, fmt.Errorf("%w: LEB128 overflow", ErrBadEncoding)
		}
		c := b[i]
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrNeedMoreBytes
}
