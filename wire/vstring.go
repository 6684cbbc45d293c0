package wire

// AppendVString appends a LEB128 length followed by the bytes of s
// (spec.md §4.1 "Payload encoding primitives").
func AppendVString(b []byte, s []byte) []byte {
	b = AppendLEB128(b, uint64(len(s)))
	return append(b, s...)
}

// ReadVString reads a length-prefixed byte string from the front of b.
func ReadVString(b []byte) ([]byte, int, error) {
	n, used, err := ReadLEB128(b)
	if err != nil {
		return nil, 0, err
	}
	if n > DefaultMaxPayload {
		return nil, 0, ErrOversized
	}
	end := used + int(n)
	if end > len(b) {
		return nil, 0, ErrNeedMoreBytes
	}
	out := make([]byte, n)
	copy(out, b[used:end])
	return out, end, nil
}

// AppendID20 appends a fixed 20-byte identifier.
func AppendID20(b []byte, id [20]byte) []byte {
	return append(b, id[:]...)
}

// ReadID20 reads a fixed 20-byte identifier from the front of b.
func ReadID20(b []byte) ([20]byte, int, error) {
	var out [20]byte
	if len(b) < 20 {
		return out, 0, ErrNeedMoreBytes
	}
	copy(out[:], b[:20])
	return out, 20, nil
}
