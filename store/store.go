// Package store implements the persistent delta store (spec.md §4.5):
// content-addressed blobs for the five reconciled categories, plus the
// reconstruction graph that lets any delta-stored item be rebuilt from a
// full-text base. Grounded on node/store/db.go's bbolt-backed DB, generalized
// from a block/UTXO/undo schema to a category-bucketed id->blob schema.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Category identifies one of the five disjoint item kinds of spec.md §3.
type Category uint8

const (
	CategoryRevision Category = 1
	CategoryFile     Category = 2
	CategoryCert     Category = 3
	CategoryKey      Category = 4
	CategoryEpoch    Category = 5
)

func (c Category) bucketName() []byte {
	switch c {
	case CategoryRevision:
		return []byte("blob_revision")
	case CategoryFile:
		return []byte("blob_file")
	case CategoryCert:
		return []byte("blob_cert")
	case CategoryKey:
		return []byte("blob_key")
	case CategoryEpoch:
		return []byte("blob_epoch")
	default:
		return nil
	}
}

var allCategories = []Category{CategoryRevision, CategoryFile, CategoryCert, CategoryKey, CategoryEpoch}

var (
	bucketGraphEdge = []byte("recon_edge_by_id")   // id -> edge record (base_id) or absent if a base
	bucketBase      = []byte("recon_base_set")      // id -> 0x01 if this id is stored as a full text
	bucketDelta     = []byte("recon_delta_by_id")   // id -> delta bytes, keyed the same as the edge it belongs to
)

// Hasher computes the content-addressing digest used to validate blobs on
// insert (spec.md §3 invariant 1). Satisfied by crypto.Provider.Hash.
type Hasher func(b []byte) [20]byte

// DeltaApplier reconstructs content from a base and a delta, satisfied by
// crypto.Provider.Apply.
type DeltaApplier func(base, delta []byte) ([]byte, error)

// DeltaMaker picks a compact encoding of one blob relative to another,
// satisfied by crypto.Provider.Delta.
type DeltaMaker func(from, to []byte) ([]byte, error)

// Store is the persistent, bbolt-backed object store described by spec.md
// §4.5 and exercised through the §6.3 collaborator interface. One Store
// instance is shared by every session the reactor owns; all mutation happens
// inside a transaction guard (Begin/Commit/Rollback).
type Store struct {
	db     *bolt.DB
	hash   Hasher
	apply  DeltaApplier
	delta  DeltaMaker
	tx     *bolt.Tx // non-nil while a transaction guard is open
}

// Options configures a Store at Open time.
type Options struct {
	Hash  Hasher
	Apply DeltaApplier
	Delta DeltaMaker
}

// Open opens (creating if absent) the bbolt database at path and ensures
// every category bucket and the reconstruction-graph buckets exist.
func Open(path string, opt Options) (*Store, error) {
	if opt.Hash == nil || opt.Apply == nil || opt.Delta == nil {
		return nil, fmt.Errorf("store: Hash, Apply and Delta are required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	s := &Store{db: db, hash: opt.Hash, apply: opt.Apply, delta: opt.Delta}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range allCategories {
			if _, err := tx.CreateBucketIfNotExists(c.bucketName()); err != nil {
				return fmt.Errorf("create bucket %s: %w", c.bucketName(), err)
			}
		}
		for _, b := range [][]byte{bucketGraphEdge, bucketBase, bucketDelta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// edgeRecord records that `id` is reconstructible from `base` using the
// delta stored under the same key in bucketDelta.
type edgeRecord struct {
	base [20]byte
}

func encodeEdge(e edgeRecord) []byte {
	return append([]byte(nil), e.base[:]...)
}

func decodeEdge(b []byte) (edgeRecord, error) {
	if len(b) != 20 {
		return edgeRecord{}, fmt.Errorf("store: corrupt edge record")
	}
	var e edgeRecord
	copy(e.base[:], b)
	return e, nil
}
