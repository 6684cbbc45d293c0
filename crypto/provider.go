// Package crypto wraps the cryptographic primitives the sync core is
// specified against (spec.md §6.3: "Crypto"). The core never calls into
// crypto/sha1, crypto/rsa etc. directly; it calls through Provider so an
// alternative backend (HSM, FIPS module) can be substituted.
package crypto

import (
	"crypto/rsa"
)

// ID is a 20-byte content-addressable identifier (spec.md §3).
type ID [20]byte

// Provider is the narrow crypto interface used by the sync core.
type Provider interface {
	// Hash returns the 20-byte content id of b.
	Hash(b []byte) ID

	// HMAC returns a 20-byte authentication tag over msg under key.
	HMAC(key, msg []byte) [20]byte

	// RSAOAEPEncrypt encrypts msg (the HMAC key material exchanged at
	// auth time) under the peer's RSA public key.
	RSAOAEPEncrypt(pub *rsa.PublicKey, msg []byte) ([]byte, error)
	// RSAOAEPDecrypt decrypts ciphertext produced by RSAOAEPEncrypt.
	RSAOAEPDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error)

	// RSASHA1Sign signs a 20-byte digest (the server's nonce) with the
	// client's RSA private key.
	RSASHA1Sign(priv *rsa.PrivateKey, digest [20]byte) ([]byte, error)
	// RSASHA1Verify verifies a signature produced by RSASHA1Sign.
	RSASHA1Verify(pub *rsa.PublicKey, digest [20]byte, sig []byte) bool

	// GzipCompress/GzipDecompress implement the wire-level payload
	// compression named in spec.md §6.3.
	GzipCompress(b []byte) ([]byte, error)
	GzipDecompress(b []byte) ([]byte, error)

	// Delta produces a binary delta transforming from into to; Apply
	// reverses it. Both are the store's pluggable delta codec (§4.5).
	Delta(from, to []byte) ([]byte, error)
	Apply(base, delta []byte) ([]byte, error)
}
