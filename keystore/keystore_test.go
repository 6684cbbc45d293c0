package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
)

func genKey(t *testing.T, bits int) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return k
}

func TestAddSaveLoadRoundTrip(t *testing.T) {
	priv := genKey(t, 2048)
	ks := New()
	keyID, err := ks.Add("alice", &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := ks.Save(path, kek); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, kek)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gotPriv, ok := loaded.OwnPrivateKeyFor(keyID)
	if !ok {
		t.Fatalf("OwnPrivateKeyFor: not found")
	}
	if gotPriv.D.Cmp(priv.D) != 0 {
		t.Fatalf("private key mismatch after round trip")
	}
	gotPub, ok := loaded.PubkeyOf(keyID)
	if !ok || gotPub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Fatalf("PubkeyOf mismatch")
	}
	gotID, ok := loaded.KeyIDByName("alice")
	if !ok || gotID != keyID {
		t.Fatalf("KeyIDByName = %x, %v, want %x", gotID, ok, keyID)
	}
}

func TestLoadWrongKEKFails(t *testing.T) {
	priv := genKey(t, 2048)
	ks := New()
	if _, err := ks.Add("bob", &priv.PublicKey, priv); err != nil {
		t.Fatalf("Add: %v", err)
	}
	kek := make([]byte, 32)
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := ks.Save(path, kek); err != nil {
		t.Fatalf("Save: %v", err)
	}
	wrongKek := make([]byte, 32)
	wrongKek[0] = 0xff
	if _, err := Load(path, wrongKek); err == nil {
		t.Fatalf("expected Load to fail with wrong KEK")
	}
}

func TestOwnPrivateKeyForUnknownID(t *testing.T) {
	ks := New()
	var id [20]byte
	if _, ok := ks.OwnPrivateKeyFor(id); ok {
		t.Fatalf("expected not found for empty keystore")
	}
}
