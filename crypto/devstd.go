package crypto

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // algorithm named by spec.md §3/§6.3, not a free choice
	"io"

	"github.com/klauspost/compress/gzip"
)

// StdProvider is the standard-library-backed Provider. It implements every
// algorithm spec.md names by algorithm (§1 Non-goals: "No replacement for
// cryptographic primitives is specified; they are named by algorithm"),
// plus the gzip and delta codecs from §6.3.
type StdProvider struct{}

var _ Provider = StdProvider{}

func (StdProvider) Hash(b []byte) ID {
	return ID(sha1.Sum(b)) //nolint:gosec
}

func (StdProvider) HMAC(key, msg []byte) [20]byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	var out [20]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func (StdProvider) RSAOAEPEncrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, msg, nil) //nolint:gosec
}

func (StdProvider) RSAOAEPDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil) //nolint:gosec
}

func (StdProvider) RSASHA1Sign(priv *rsa.PrivateKey, digest [20]byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
}

func (StdProvider) RSASHA1Verify(pub *rsa.PublicKey, digest [20]byte, sig []byte) bool {
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig) == nil
}

func (StdProvider) GzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (StdProvider) GzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (StdProvider) Delta(from, to []byte) ([]byte, error) {
	return EncodeDelta(from, to), nil
}

func (StdProvider) Apply(base, delta []byte) ([]byte, error) {
	return ApplyDelta(base, delta)
}
