// Package transfer implements the transfer engine of spec.md §4.4: once a
// refiner has computed its send-set, this package decides how to encode
// content onto the wire (full text vs. delta, compressed vs. not) and how
// to validate and store what arrives.
package transfer

import (
	"fmt"

	"netsync.dev/core/wire"
)

// DataPayload is a Data frame's payload (spec.md §6.2):
// u8(category), 20 bytes id, u8(compressed), vstring(blob).
type DataPayload struct {
	Category   uint8
	ID         [20]byte
	Compressed bool
	Blob       []byte
}

func (p DataPayload) Encode() []byte {
	b := make([]byte, 0, 1+20+1+len(p.Blob)+10)
	b = append(b, p.Category)
	b = wire.AppendID20(b, p.ID)
	b = append(b, boolByte(p.Compressed))
	b = wire.AppendVString(b, p.Blob)
	return b
}

func DecodeDataPayload(b []byte) (DataPayload, error) {
	if len(b) < 1 {
		return DataPayload{}, wire.ErrNeedMoreBytes
	}
	cat := b[0]
	off := 1
	id, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return DataPayload{}, err
	}
	off += used
	if len(b) < off+1 {
		return DataPayload{}, wire.ErrNeedMoreBytes
	}
	compressed := b[off] != 0
	off++
	blob, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return DataPayload{}, err
	}
	off += used
	if off != len(b) {
		return DataPayload{}, fmt.Errorf("%w: trailing bytes in Data payload", wire.ErrBadEncoding)
	}
	return DataPayload{Category: cat, ID: id, Compressed: compressed, Blob: blob}, nil
}

// DeltaPayload is a Delta frame's payload (spec.md §6.2):
// u8(category), 20 bytes base_id, 20 bytes new_id, u8(compressed), vstring(delta).
type DeltaPayload struct {
	Category   uint8
	BaseID     [20]byte
	NewID      [20]byte
	Compressed bool
	Delta      []byte
}

func (p DeltaPayload) Encode() []byte {
	b := make([]byte, 0, 1+40+1+len(p.Delta)+10)
	b = append(b, p.Category)
	b = wire.AppendID20(b, p.BaseID)
	b = wire.AppendID20(b, p.NewID)
	b = append(b, boolByte(p.Compressed))
	b = wire.AppendVString(b, p.Delta)
	return b
}

func DecodeDeltaPayload(b []byte) (DeltaPayload, error) {
	if len(b) < 1 {
		return DeltaPayload{}, wire.ErrNeedMoreBytes
	}
	cat := b[0]
	off := 1
	baseID, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return DeltaPayload{}, err
	}
	off += used
	newID, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return DeltaPayload{}, err
	}
	off += used
	if len(b) < off+1 {
		return DeltaPayload{}, wire.ErrNeedMoreBytes
	}
	compressed := b[off] != 0
	off++
	delta, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return DeltaPayload{}, err
	}
	off += used
	if off != len(b) {
		return DeltaPayload{}, fmt.Errorf("%w: trailing bytes in Delta payload", wire.ErrBadEncoding)
	}
	return DeltaPayload{Category: cat, BaseID: baseID, NewID: newID, Compressed: compressed, Delta: delta}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
