package crypto

import (
	"encoding/binary"
	"errors"
)

// Delta encoding (spec.md §4.5): an opaque binary blob of copy/insert
// instructions, xdelta-style. No third-party binary-diff library appears
// anywhere in the retrieval pack (see DESIGN.md); this is a self-contained
// greedy longest-match encoder over a rolling block index of the base text.

const (
	opCopy   byte = 0x01
	opInsert byte = 0x02

	blockSize  = 16
	minCopyLen = blockSize
)

// EncodeDelta returns a delta that ApplyDelta(from, delta) == to.
func EncodeDelta(from, to []byte) []byte {
	index := indexBlocks(from)

	out := make([]byte, 0, len(to)/2+16)
	out = appendUvarint(out, uint64(len(to)))

	var insertBuf []byte
	flushInsert := func() {
		if len(insertBuf) == 0 {
			return
		}
		out = append(out, opInsert)
		out = appendUvarint(out, uint64(len(insertBuf)))
		out = append(out, insertBuf...)
		insertBuf = nil
	}

	i := 0
	for i < len(to) {
		if i+blockSize <= len(to) {
			key := string(to[i : i+blockSize])
			if positions, ok := index[key]; ok {
				start, length := bestExtend(from, to, positions, i)
				if length >= minCopyLen {
					flushInsert()
					out = append(out, opCopy)
					out = appendUvarint(out, uint64(start))
					out = appendUvarint(out, uint64(length))
					i += length
					continue
				}
			}
		}
		insertBuf = append(insertBuf, to[i])
		i++
	}
	flushInsert()
	return out
}

// ApplyDelta reconstructs the target bytes given a base and a delta
// produced by EncodeDelta.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	targetLen, n, err := readUvarint(delta)
	if err != nil {
		return nil, err
	}
	delta = delta[n:]

	out := make([]byte, 0, targetLen)
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]
		switch op {
		case opCopy:
			start, n, err := readUvarint(delta)
			if err != nil {
				return nil, err
			}
			delta = delta[n:]
			length, n, err := readUvarint(delta)
			if err != nil {
				return nil, err
			}
			delta = delta[n:]
			if start+length > uint64(len(base)) {
				return nil, errors.New("crypto: delta copy out of base bounds")
			}
			out = append(out, base[start:start+length]...)
		case opInsert:
			length, n, err := readUvarint(delta)
			if err != nil {
				return nil, err
			}
			delta = delta[n:]
			if length > uint64(len(delta)) {
				return nil, errors.New("crypto: delta insert truncated")
			}
			out = append(out, delta[:length]...)
			delta = delta[length:]
		default:
			return nil, errors.New("crypto: delta: unknown opcode")
		}
	}
	if uint64(len(out)) != targetLen {
		return nil, errors.New("crypto: delta: reconstructed length mismatch")
	}
	return out, nil
}

// indexBlocks maps every blockSize-byte substring of from to the (sorted)
// list of offsets at which it occurs.
func indexBlocks(from []byte) map[string][]int {
	index := make(map[string][]int)
	if len(from) < blockSize {
		return index
	}
	for i := 0; i+blockSize <= len(from); i++ {
		key := string(from[i : i+blockSize])
		index[key] = append(index[key], i)
	}
	return index
}

// bestExtend picks the candidate offset in from that extends the match at
// to[toPos:] the furthest, and returns (base offset, match length).
func bestExtend(from, to []byte, candidates []int, toPos int) (int, int) {
	bestStart, bestLen := 0, 0
	for _, start := range candidates {
		length := 0
		for start+length < len(from) && toPos+length < len(to) && from[start+length] == to[toPos+length] {
			length++
		}
		if length > bestLen {
			bestLen = length
			bestStart = start
		}
	}
	return bestStart, bestLen
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, errors.New("crypto: delta: malformed varint")
	}
	return v, n, nil
}
