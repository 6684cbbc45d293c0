package store

import (
	"crypto/sha1" //nolint:gosec
	"path/filepath"
	"testing"

	"netsync.dev/core/crypto"
)

func hashFn(b []byte) [20]byte { return sha1.Sum(b) } //nolint:gosec

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	prov := crypto.StdProvider{}
	s, err := Open(filepath.Join(dir, "kv.db"), Options{
		Hash:  hashFn,
		Apply: prov.Apply,
		Delta: prov.Delta,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutFullAndGet(t *testing.T) {
	s := openTestStore(t)
	blob := []byte("revision body one")
	id := hashFn(blob)
	if err := s.PutFull(CategoryRevision, id, blob); err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	ok, err := s.Exists(CategoryRevision, id)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	got, err := s.Get(CategoryRevision, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("Get = %q, want %q", got, blob)
	}
}

func TestPutFullRejectsHashMismatch(t *testing.T) {
	s := openTestStore(t)
	var wrongID [20]byte
	if err := s.PutFull(CategoryFile, wrongID, []byte("some bytes")); err == nil {
		t.Fatalf("expected hash mismatch error")
	}
}

func TestPutDeltaChainReconstructs(t *testing.T) {
	s := openTestStore(t)
	prov := crypto.StdProvider{}

	base := []byte("the quick brown fox jumps over the lazy dog, again and again")
	baseID := hashFn(base)
	if err := s.PutFull(CategoryFile, baseID, base); err != nil {
		t.Fatalf("PutFull base: %v", err)
	}

	v2 := append(append([]byte(nil), base...), []byte(" v2")...)
	v2ID := hashFn(v2)
	d1, err := prov.Delta(base, v2)
	if err != nil {
		t.Fatalf("Delta v2: %v", err)
	}
	if err := s.PutDelta(CategoryFile, v2ID, baseID, d1); err != nil {
		t.Fatalf("PutDelta v2: %v", err)
	}

	v3 := append(append([]byte(nil), v2...), []byte(" v3")...)
	v3ID := hashFn(v3)
	d2, err := prov.Delta(v2, v3)
	if err != nil {
		t.Fatalf("Delta v3: %v", err)
	}
	if err := s.PutDelta(CategoryFile, v3ID, v2ID, d2); err != nil {
		t.Fatalf("PutDelta v3: %v", err)
	}

	got, err := s.Get(CategoryFile, v3ID)
	if err != nil {
		t.Fatalf("Get v3: %v", err)
	}
	if string(got) != string(v3) {
		t.Fatalf("Get v3 = %q, want %q", got, v3)
	}
}

func TestPutDeltaRequiresExistingBase(t *testing.T) {
	s := openTestStore(t)
	var baseID, newID [20]byte
	newID[0] = 1
	if err := s.PutDelta(CategoryFile, newID, baseID, []byte("delta")); err == nil {
		t.Fatalf("expected error for missing base")
	}
}

func TestTransactionGuardRollback(t *testing.T) {
	s := openTestStore(t)
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	blob := []byte("uncommitted")
	id := hashFn(blob)
	if err := s.PutFull(CategoryKey, id, blob); err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	ok, err := s.Exists(CategoryKey, id)
	if err != nil || !ok {
		t.Fatalf("expected visible within open transaction, got %v, %v", ok, err)
	}
	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	ok, err = s.Exists(CategoryKey, id)
	if err != nil || ok {
		t.Fatalf("expected rolled-back item absent, got %v, %v", ok, err)
	}
}

func TestTransactionGuardCommit(t *testing.T) {
	s := openTestStore(t)
	if err := s.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	blob := []byte("committed")
	id := hashFn(blob)
	if err := s.PutFull(CategoryEpoch, id, blob); err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	ok, err := s.Exists(CategoryEpoch, id)
	if err != nil || !ok {
		t.Fatalf("expected committed item present, got %v, %v", ok, err)
	}
}

func TestPickDeltaPair(t *testing.T) {
	s := openTestStore(t)
	prov := crypto.StdProvider{}

	base := []byte("base content for pick delta pair test case")
	baseID := hashFn(base)
	if err := s.PutFull(CategoryFile, baseID, base); err != nil {
		t.Fatalf("PutFull: %v", err)
	}
	v2 := append(append([]byte(nil), base...), []byte(" modified")...)
	v2ID := hashFn(v2)
	d, err := prov.Delta(base, v2)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	if err := s.PutDelta(CategoryFile, v2ID, baseID, d); err != nil {
		t.Fatalf("PutDelta: %v", err)
	}

	gotBase, gotDelta, ok, err := s.PickDeltaPair(CategoryFile, v2ID)
	if err != nil || !ok {
		t.Fatalf("PickDeltaPair = %v, %v, %v, %v", gotBase, gotDelta, ok, err)
	}
	if gotBase != baseID {
		t.Fatalf("PickDeltaPair base = %x, want %x", gotBase, baseID)
	}
}

func TestSetOfIDsMatching(t *testing.T) {
	s := openTestStore(t)
	blobA := []byte("net.venge.monotone")
	blobB := []byte("net.venge.other")
	idA := hashFn(blobA)
	idB := hashFn(blobB)
	if err := s.PutFull(CategoryEpoch, idA, blobA); err != nil {
		t.Fatalf("PutFull A: %v", err)
	}
	if err := s.PutFull(CategoryEpoch, idB, blobB); err != nil {
		t.Fatalf("PutFull B: %v", err)
	}
	got, err := s.SetOfIDsMatching(CategoryEpoch, []byte("net.venge."))
	if err != nil {
		t.Fatalf("SetOfIDsMatching: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("SetOfIDsMatching returned %d ids, want 2", len(got))
	}
}

func TestAllIDsReturnsEveryStoredID(t *testing.T) {
	s := openTestStore(t)
	a := []byte("first blob")
	b := []byte("second blob")
	idA, idB := hashFn(a), hashFn(b)
	if err := s.PutFull(CategoryFile, idA, a); err != nil {
		t.Fatalf("PutFull A: %v", err)
	}
	if err := s.PutFull(CategoryFile, idB, b); err != nil {
		t.Fatalf("PutFull B: %v", err)
	}
	got, err := s.AllIDs(CategoryFile)
	if err != nil {
		t.Fatalf("AllIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("AllIDs returned %d ids, want 2", len(got))
	}
}

func TestOpenRejectsMissingCollaborators(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "kv.db"), Options{}); err == nil {
		t.Fatalf("expected error for missing Hash/Apply/Delta")
	}
}
