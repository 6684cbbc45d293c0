// Package refine implements the per-category Merkle refiner of spec.md
// §4.3: a 16-way, 4-bit-fanout trie over local item-id prefixes, exchanged
// with a peer via Query/Response messages until both sides know the
// symmetric set difference.
package refine

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Hasher computes the 20-byte content digest used to summarize a subtree,
// satisfied by crypto.Provider.Hash.
type Hasher func(b []byte) [20]byte

// SlotState is the state of one of a Node's 16 slots (spec.md §4.3).
type SlotState uint8

const (
	SlotEmpty   SlotState = 0
	SlotLeaf    SlotState = 1
	SlotSubtree SlotState = 2
)

// maxLevel is the trie depth bound: 20-byte ids have 40 nibbles.
const maxLevel = 40

// Slot is one of a Node's 16 entries.
type Slot struct {
	State SlotState
	ID    [20]byte // the leaf id (SlotLeaf) or the subtree's summary hash (SlotSubtree)
	Child *Node    // non-nil for a SlotSubtree slot we built locally and can still descend into
}

// Node is one trie node at a given level, reached by a nibble-path prefix
// from the root (spec.md §3 "Merkle tree nodes").
type Node struct {
	Level  uint8
	Prefix []byte // one entry per level, each in [0,16), root has an empty prefix
	Slots  [16]Slot
}

// nibble returns the 4-bit value of id at nibble-index level.
func nibble(id [20]byte, level uint8) byte {
	byteIdx := level / 2
	if level%2 == 0 {
		return (id[byteIdx] >> 4) & 0x0f
	}
	return id[byteIdx] & 0x0f
}

// buildMemo deduplicates subtree construction within a single Build call:
// two slots whose buckets hold the identical id set are built once and
// shared. The slots of one node partition its ids, so distinct input ids
// never produce such a pair. Keyed by a non-cryptographic
// fingerprint of the bucket's sorted ids; the protocol-visible subtree hash
// stays the cryptographic HashNode value regardless of a memo hit.
type buildMemo struct {
	nodes  map[uint64]*Node
	hashes map[uint64][20]byte
}

func memoKey(ids [][20]byte) uint64 {
	sorted := append([][20]byte(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i][:]) < string(sorted[j][:])
	})
	buf := make([]byte, 0, len(sorted)*20)
	for _, id := range sorted {
		buf = append(buf, id[:]...)
	}
	return xxhash.Sum64(buf)
}

// Build constructs the full local trie over ids, rooted at level 0. Grounded
// on spec.md §4.3's bottom-up construction: a slot is empty, a leaf, or a
// recursively hashed subtree depending on how many ids share its prefix.
func Build(hash Hasher, ids [][20]byte) *Node {
	m := &buildMemo{nodes: make(map[uint64]*Node), hashes: make(map[uint64][20]byte)}
	return buildNode(hash, ids, 0, nil, m)
}

func buildNode(hash Hasher, ids [][20]byte, level uint8, prefix []byte, m *buildMemo) *Node {
	n := &Node{Level: level, Prefix: append([]byte(nil), prefix...)}
	if len(ids) == 0 {
		return n
	}
	var buckets [16][][20]byte
	for _, id := range ids {
		idx := nibble(id, level)
		buckets[idx] = append(buckets[idx], id)
	}
	for i := 0; i < 16; i++ {
		switch len(buckets[i]) {
		case 0:
			// slot stays SlotEmpty
		case 1:
			n.Slots[i] = Slot{State: SlotLeaf, ID: buckets[i][0]}
		default:
			key := memoKey(buckets[i])
			if child, ok := m.nodes[key]; ok {
				n.Slots[i] = Slot{State: SlotSubtree, ID: m.hashes[key], Child: child}
				continue
			}
			childPrefix := append(append([]byte(nil), prefix...), byte(i))
			child := buildNode(hash, buckets[i], level+1, childPrefix, m)
			childHash := HashNode(hash, child)
			m.nodes[key] = child
			m.hashes[key] = childHash
			n.Slots[i] = Slot{State: SlotSubtree, ID: childHash, Child: child}
		}
	}
	return n
}

// HashNode computes the deterministic summary hash of n: the slot-state
// vector (in slot-index order) followed by each non-empty slot's content,
// hashed as one blob (spec.md §4.3: "hash the sorted slot-state vector and,
// for each non-empty slot, its leaf id or the recursive hash").
func HashNode(hash Hasher, n *Node) [20]byte {
	buf := make([]byte, 0, 16+16*20)
	for i := 0; i < 16; i++ {
		buf = append(buf, byte(n.Slots[i].State))
	}
	for i := 0; i < 16; i++ {
		if n.Slots[i].State != SlotEmpty {
			buf = append(buf, n.Slots[i].ID[:]...)
		}
	}
	return hash(buf)
}

// emptyNodeAt returns the node that represents "we have nothing under this
// prefix", used when a query descends into a local subtree of which we have
// no trace at all.
func emptyNodeAt(level uint8, prefix []byte) *Node {
	return &Node{Level: level, Prefix: append([]byte(nil), prefix...)}
}

// syntheticLeafQuery builds the minimal single-leaf node used by the
// subtree/leaf asymmetric rule (spec.md §4.3): a node at the given level
// (one below the parent whose slot it stands for), under prefix+slot, whose only non-empty slot is the one leaf id, all others
// empty. This is a Query sent purely to keep the peer's exploration moving;
// it carries no Child (it is never descended into locally).
func syntheticLeafQuery(level uint8, prefix []byte, leafSlotOfParent byte, id [20]byte) *Node {
	childPrefix := append(append([]byte(nil), prefix...), leafSlotOfParent)
	n := &Node{Level: level, Prefix: childPrefix}
	idx := nibble(id, level)
	n.Slots[idx] = Slot{State: SlotLeaf, ID: id}
	return n
}

// collectIDs appends every leaf id reachable under n (including n's own
// leaves and all descendants) to out.
func collectIDs(n *Node, out *[][20]byte) {
	if n == nil {
		return
	}
	for i := 0; i < 16; i++ {
		switch n.Slots[i].State {
		case SlotLeaf:
			*out = append(*out, n.Slots[i].ID)
		case SlotSubtree:
			collectIDs(n.Slots[i].Child, out)
		}
	}
}

// lookupLocal walks root by the nibble path in prefix and returns the local
// node at that position, or nil if the local trie has no subtree there
// (i.e. the position is empty or a bare leaf, not a descendable subtree).
func lookupLocal(root *Node, prefix []byte) *Node {
	cur := root
	for _, idx := range prefix {
		if cur == nil || cur.Slots[idx].State != SlotSubtree {
			return nil
		}
		cur = cur.Slots[idx].Child
	}
	return cur
}
