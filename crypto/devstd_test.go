package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"testing"
)

func TestStdProviderHashKnownVector(t *testing.T) {
	p := StdProvider{}
	id := p.Hash([]byte("abc"))
	// SHA-1("abc")
	const want = "a9993e364706816aba3e25717850c26c9cd0d89d"
	got := hex.EncodeToString(id[:])
	if got != want {
		t.Fatalf("digest mismatch: got=%s want=%s", got, want)
	}
}

func TestStdProviderHMACDeterministic(t *testing.T) {
	p := StdProvider{}
	key := []byte("session-key-material-2026072900")
	a := p.HMAC(key, []byte("frame-bytes"))
	b := p.HMAC(key, []byte("frame-bytes"))
	if a != b {
		t.Fatalf("HMAC not deterministic")
	}
	c := p.HMAC(key, []byte("other-frame-bytes"))
	if a == c {
		t.Fatalf("HMAC collided across distinct inputs")
	}
}

func TestStdProviderRSAOAEPRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := StdProvider{}
	msg := []byte("0123456789012345678901234567890123456789") // 40 zero-padded bytes-ish
	ct, err := p.RSAOAEPEncrypt(&priv.PublicKey, msg[:20])
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := p.RSAOAEPDecrypt(priv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != string(msg[:20]) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestStdProviderRSASHA1SignVerify(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := StdProvider{}
	var digest [20]byte
	copy(digest[:], []byte("nonce-bytes-20-long!"))
	sig, err := p.RSASHA1Sign(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !p.RSASHA1Verify(&priv.PublicKey, digest, sig) {
		t.Fatalf("verify failed for valid signature")
	}
	digest[0] ^= 0xff
	if p.RSASHA1Verify(&priv.PublicKey, digest, sig) {
		t.Fatalf("verify succeeded for tampered digest")
	}
}

func TestStdProviderGzipRoundTrip(t *testing.T) {
	p := StdProvider{}
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated, " +
		"the quick brown fox jumps over the lazy dog")
	c, err := p.GzipCompress(payload)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	d, err := p.GzipDecompress(c)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(d) != string(payload) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestStdProviderDeltaRoundTrip(t *testing.T) {
	p := StdProvider{}
	from := []byte("revision one contents, with some shared prefix and suffix data")
	to := []byte("revision one contents, with some DIFFERENT prefix and suffix data")
	delta, err := p.Delta(from, to)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	got, err := p.Apply(from, delta)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if string(got) != string(to) {
		t.Fatalf("delta round-trip mismatch:\n got=%q\nwant=%q", got, to)
	}
}
