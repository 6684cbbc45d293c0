package netsync

import (
	"testing"

	"netsync.dev/core/policy"
	"netsync.dev/core/store"
	"netsync.dev/core/transfer"
	"netsync.dev/core/wire"
)

func putCert(t *testing.T, s *store.Store, c transfer.CertRecord) [20]byte {
	t.Helper()
	blob := c.Encode()
	id := hashFn(blob)
	if err := s.PutFull(store.CategoryCert, id, blob); err != nil {
		t.Fatalf("seed cert: %v", err)
	}
	return id
}

// signCert signs c with the client's own key, whose public half the
// server's keystore also holds, so the server's cert verification accepts it.
func signCert(t *testing.T, p sessionPair, c transfer.CertRecord) transfer.CertRecord {
	t.Helper()
	priv, ok := p.client.cfg.Keystore.OwnPrivateKeyFor(p.client.clientAuth.OwnKeyID)
	if !ok {
		t.Fatalf("client has no private key for its own key id")
	}
	in := wire.AppendID20(nil, c.RevisionID)
	in = wire.AppendVString(in, []byte(c.Name))
	in = wire.AppendVString(in, c.Value)
	sig, err := prov.RSASHA1Sign(priv, hashFn(in))
	if err != nil {
		t.Fatalf("RSASHA1Sign: %v", err)
	}
	c.SignerID, c.Signature = p.client.clientAuth.OwnKeyID, sig
	return c
}

// TestSessionBranchScopingExcludesNonMatchingBranch seeds the client with
// two certified revisions on different branches, negotiates a client
// include pattern naming only one of them, and checks the server ends up
// with only the permitted branch's revision and cert after sync.
func TestSessionBranchScopingExcludesNonMatchingBranch(t *testing.T) {
	p := newSessionPair(t, false, policy.AllowAll{}, policy.AllowAll{})
	p.client.clientAuth.Include = "wanted-branch"
	p.client.Include = "wanted-branch"

	wantedRev := []byte("revision on the requested branch")
	otherRev := []byte("revision on a branch nobody asked for")
	wantedRevID := hashFn(wantedRev)
	otherRevID := hashFn(otherRev)

	if err := p.client.cfg.Store.PutFull(store.CategoryRevision, wantedRevID, wantedRev); err != nil {
		t.Fatalf("seed wanted revision: %v", err)
	}
	if err := p.client.cfg.Store.PutFull(store.CategoryRevision, otherRevID, otherRev); err != nil {
		t.Fatalf("seed other revision: %v", err)
	}
	wantedCertID := putCert(t, p.client.cfg.Store, signCert(t, p, transfer.CertRecord{
		RevisionID: wantedRevID, Name: "branch", Value: []byte("wanted-branch"),
	}))
	otherCertID := putCert(t, p.client.cfg.Store, signCert(t, p, transfer.CertRecord{
		RevisionID: otherRevID, Name: "branch", Value: []byte("other-branch"),
	}))

	drive(t, p, 200)

	if p.client.Failed() != nil {
		t.Fatalf("client failed: %v", p.client.Failed())
	}
	if p.server.Failed() != nil {
		t.Fatalf("server failed: %v", p.server.Failed())
	}

	if _, err := p.server.cfg.Store.Get(store.CategoryRevision, wantedRevID); err != nil {
		t.Fatalf("server missing requested-branch revision after sync: %v", err)
	}
	if _, err := p.server.cfg.Store.Get(store.CategoryCert, wantedCertID); err != nil {
		t.Fatalf("server missing requested-branch cert after sync: %v", err)
	}
	if ok, _ := p.server.cfg.Store.Exists(store.CategoryRevision, otherRevID); ok {
		t.Fatalf("server received a revision outside the negotiated include pattern")
	}
	if ok, _ := p.server.cfg.Store.Exists(store.CategoryCert, otherCertID); ok {
		t.Fatalf("server received a cert outside the negotiated include pattern")
	}
}

// TestNoteEpochReceivedExcludesBranchOnMismatch seeds both sides with a
// differing epoch value for the same branch and checks that receiving the
// peer's epoch item marks the branch excluded rather than failing the
// session.
func TestNoteEpochReceivedExcludesBranchOnMismatch(t *testing.T) {
	p := newSessionPair(t, false, policy.AllowAll{}, policy.AllowAll{})

	localRec := transfer.EpochRecord{Branch: "disputed-branch", Value: [20]byte{1}}
	peerRec := transfer.EpochRecord{Branch: "disputed-branch", Value: [20]byte{2}}
	localBlob, peerBlob := localRec.Encode(), peerRec.Encode()
	localID, peerID := hashFn(localBlob), hashFn(peerBlob)

	if err := p.server.cfg.Store.PutFull(store.CategoryEpoch, localID, localBlob); err != nil {
		t.Fatalf("seed server epoch: %v", err)
	}
	if err := p.client.cfg.Store.PutFull(store.CategoryEpoch, peerID, peerBlob); err != nil {
		t.Fatalf("seed client epoch: %v", err)
	}

	drive(t, p, 200)

	if p.client.Failed() != nil {
		t.Fatalf("client failed: %v", p.client.Failed())
	}
	if p.server.Failed() != nil {
		t.Fatalf("server failed: %v", p.server.Failed())
	}
	if !p.server.excludedBranches["disputed-branch"] {
		t.Fatalf("server did not exclude disputed-branch after conflicting epoch values")
	}
}

// TestUnknownCertSignerReportsDedicatedCode checks that a cert signed by a
// key absent from the receiving side's keystore is reported under §7's
// dedicated unknown-key code rather than the generic no-transfer code.
func TestUnknownCertSignerReportsDedicatedCode(t *testing.T) {
	p := newSessionPair(t, false, policy.AllowAll{}, policy.AllowAll{})

	revBlob := []byte("revision certified by a key the server has never seen")
	revID := hashFn(revBlob)
	if err := p.client.cfg.Store.PutFull(store.CategoryRevision, revID, revBlob); err != nil {
		t.Fatalf("seed revision: %v", err)
	}
	// No key under strangerID exists in the server's keystore, so
	// verifyCert must reject this cert as an unknown signer before it
	// ever reaches signature verification; the signature bytes below
	// are never checked.
	strangerID := hashFn([]byte("stand-in for an unknown signer's key id"))
	cert := transfer.CertRecord{
		RevisionID: revID, Name: "branch", Value: []byte("any-branch"),
		SignerID: strangerID, Signature: []byte("not a real signature"),
	}
	putCert(t, p.client.cfg.Store, cert)

	drive(t, p, 200)

	pe := p.server.Failed()
	if pe == nil {
		t.Fatalf("expected server to reject a cert from an unknown signer")
	}
	if pe.Code != CodeUnknownKey {
		t.Fatalf("server failure code = %d, want %d (unknown key)", pe.Code, CodeUnknownKey)
	}
}
