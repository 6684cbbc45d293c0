package store

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Exists reports whether id is present in category, either as a full text
// or as a delta-reconstructible node.
func (s *Store) Exists(cat Category, id [20]byte) (bool, error) {
	var ok bool
	err := s.withView(func(tx *bolt.Tx) error {
		ok = tx.Bucket(cat.bucketName()).Get(id[:]) != nil ||
			tx.Bucket(bucketGraphEdge).Get(id[:]) != nil
		return nil
	})
	return ok, err
}

// PutFull stores a full text blob, verifying hash(blob) == id
// (spec.md §3 invariant 1) before insertion.
func (s *Store) PutFull(cat Category, id [20]byte, blob []byte) error {
	got := s.hash(blob)
	if got != id {
		return fmt.Errorf("store: PutFull: hash mismatch for category %d", cat)
	}
	return s.withTx(func(tx *bolt.Tx) error {
		if err := tx.Bucket(cat.bucketName()).Put(id[:], blob); err != nil {
			return err
		}
		return tx.Bucket(bucketBase).Put(id[:], []byte{1})
	})
}

// PutDelta stores newID as reconstructible from baseID via delta. baseID
// must already exist in the category (spec.md §4.5: "requires exists(base_id)").
func (s *Store) PutDelta(cat Category, newID, baseID [20]byte, delta []byte) error {
	baseExists, err := s.Exists(cat, baseID)
	if err != nil {
		return err
	}
	if !baseExists {
		return fmt.Errorf("store: PutDelta: base %x not present in category %d", baseID, cat)
	}
	return s.withTx(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketGraphEdge).Put(newID[:], encodeEdge(edgeRecord{base: baseID})); err != nil {
			return err
		}
		return tx.Bucket(bucketDelta).Put(newID[:], delta)
	})
}

// maxReconstructionDepth bounds the walk below; spec.md requires cycle
// detection, and a depth bound gives a concrete, testable manifestation of
// that requirement without an unbounded walk on corrupt storage.
const maxReconstructionDepth = 1 << 20

// Get reconstructs the blob for id by walking the reconstruction graph
// (spec.md §4.5 "Reconstruction algorithm"): each id stores at most one
// outgoing "reconstructable from" edge, so the walk from id to a full-text
// base is a single chain; a visited set still catches the corrupt-storage
// case of a cycle among those edges. Deltas are then replayed forward, base
// first, back down to id.
func (s *Store) Get(cat Category, id [20]byte) ([]byte, error) {
	var result []byte
	err := s.withView(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(cat.bucketName())
		if full := bucket.Get(id[:]); full != nil {
			result = append([]byte(nil), full...)
			return nil
		}

		// chain holds the ids visited from id up to (but excluding) the
		// base that terminates the walk, in discovery order.
		chain := [][20]byte{id}
		visited := map[[20]byte]bool{id: true}
		cur := id
		var baseContent []byte

		for depth := 0; ; depth++ {
			if depth > maxReconstructionDepth {
				return fmt.Errorf("store: Get: reconstruction graph exceeds depth bound for %x (possible cycle)", id)
			}
			raw := tx.Bucket(bucketGraphEdge).Get(cur[:])
			if raw == nil {
				return fmt.Errorf("store: Get: %x has no stored text and no reconstruction edge", cur)
			}
			edge, derr := decodeEdge(raw)
			if derr != nil {
				return derr
			}
			if full := bucket.Get(edge.base[:]); full != nil {
				baseContent = append([]byte(nil), full...)
				break
			}
			if visited[edge.base] {
				return fmt.Errorf("store: Get: cycle detected in reconstruction graph at %x", edge.base)
			}
			visited[edge.base] = true
			chain = append(chain, edge.base)
			cur = edge.base
		}

		// Replay deltas from the base back down to id: chain is
		// [id, base1, base2, ..., baseK-1] (baseK itself, the full text,
		// is not in chain). Applying in reverse chain order reconstructs
		// baseK-1's content, then baseK-2's, ..., finally id's.
		content := baseContent
		for i := len(chain) - 1; i >= 0; i-- {
			step := chain[i]
			delta := tx.Bucket(bucketDelta).Get(step[:])
			if delta == nil {
				return fmt.Errorf("store: Get: missing delta for %x", step)
			}
			next, aerr := s.apply(content, delta)
			if aerr != nil {
				return fmt.Errorf("store: Get: apply delta for %x: %w", step, aerr)
			}
			content = next
		}
		result = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PickDeltaPair is the store's own choice of a compact representation of id
// for sending: a nearby already-stored item it can be diffed against, or
// none if the store prefers to send id as a full text (spec.md §4.5).
// The current policy picks id's own reconstruction base, if any, since that
// relationship already exists in the graph and needs no new delta to be
// computed; callers that want a fresh diff against an arbitrary candidate
// should call Crypto.Delta directly.
func (s *Store) PickDeltaPair(cat Category, newID [20]byte) (baseID [20]byte, delta []byte, ok bool, err error) {
	err = s.withView(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGraphEdge).Get(newID[:])
		if raw == nil {
			return nil
		}
		edge, derr := decodeEdge(raw)
		if derr != nil {
			return derr
		}
		d := tx.Bucket(bucketDelta).Get(newID[:])
		if d == nil {
			return fmt.Errorf("store: PickDeltaPair: edge without delta for %x", newID)
		}
		baseID = edge.base
		delta = append([]byte(nil), d...)
		ok = true
		return nil
	})
	return baseID, delta, ok, err
}

// AllIDs returns every id stored in category, unfiltered. Equivalent to
// SetOfIDsMatching with an empty pattern, named separately so call sites
// that want "the whole category" don't read as a forgotten filter.
func (s *Store) AllIDs(cat Category) ([][20]byte, error) {
	return s.SetOfIDsMatching(cat, nil)
}

// SetOfIDsMatching returns every id in a category whose blob's first bytes
// equal the given prefix. The match is a plain byte-prefix test on the
// stored full text in any category; only epoch blobs (see
// transfer.EpochRecord) begin with a name.
func (s *Store) SetOfIDsMatching(cat Category, namePrefix []byte) ([][20]byte, error) {
	var out [][20]byte
	err := s.withView(func(tx *bolt.Tx) error {
		c := tx.Bucket(cat.bucketName()).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.HasPrefix(v, namePrefix) {
				var id [20]byte
				copy(id[:], k)
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}
