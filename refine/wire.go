package refine

import (
	"fmt"

	"netsync.dev/core/wire"
)

// EncodeNodeBlob serializes a Refine-frame payload: u8(kind), u8(level),
// vstring(prefix), u8(category), 16 x (u8(slot_state) + slot_content)
// (spec.md §6.2 "Node blob for Refine").
func EncodeNodeBlob(b []byte, kind MsgKind, category uint8, n *Node) []byte {
	b = append(b, byte(kind))
	b = append(b, n.Level)
	b = wire.AppendVString(b, n.Prefix)
	b = append(b, category)
	for i := 0; i < 16; i++ {
		s := n.Slots[i]
		b = append(b, byte(s.State))
		switch s.State {
		case SlotLeaf, SlotSubtree:
			b = wire.AppendID20(b, s.ID)
		}
	}
	return b
}

// DecodeNodeBlob parses a Refine-frame payload produced by EncodeNodeBlob.
// The returned Node never has Child pointers populated: those only exist
// for locally built trie nodes, never for ones learned from the wire.
func DecodeNodeBlob(b []byte) (kind MsgKind, category uint8, n *Node, consumed int, err error) {
	if len(b) < 2 {
		return 0, 0, nil, 0, wire.ErrNeedMoreBytes
	}
	kind = MsgKind(b[0])
	level := b[1]
	off := 2

	prefix, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return 0, 0, nil, 0, err
	}
	off += used

	if len(b) < off+1 {
		return 0, 0, nil, 0, wire.ErrNeedMoreBytes
	}
	category = b[off]
	off++

	n = &Node{Level: level, Prefix: prefix}
	for i := 0; i < 16; i++ {
		if len(b) < off+1 {
			return 0, 0, nil, 0, wire.ErrNeedMoreBytes
		}
		state := SlotState(b[off])
		off++
		switch state {
		case SlotEmpty:
			// no content
		case SlotLeaf, SlotSubtree:
			id, used, err := wire.ReadID20(b[off:])
			if err != nil {
				return 0, 0, nil, 0, err
			}
			off += used
			n.Slots[i] = Slot{State: state, ID: id}
		default:
			return 0, 0, nil, 0, fmt.Errorf("%w: bad slot state %d", wire.ErrBadEncoding, state)
		}
	}
	return kind, category, n, off, nil
}
