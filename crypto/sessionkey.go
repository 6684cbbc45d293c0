package crypto

import (
	"crypto/sha1" //nolint:gosec // algorithm named by spec.md §3
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSessionKeys turns the raw HMAC key material exchanged during
// authentication (spec.md §4.2: the RSA-OAEP-encrypted 20-byte HMAC key)
// into the distinct read/write HMAC keys spec.md §3 requires ("HMAC keys
// for read and write directions, distinct after key agreement"). The
// teacher's Bitcoin-style protocol never rekeys post-handshake, so there is
// no direct teacher analogue; HKDF-Expand is the standard idiom for
// deriving multiple independent subkeys from one shared secret.
func DeriveSessionKeys(material []byte) (readKey, writeKey [20]byte, err error) {
	h := hkdf.New(sha1.New, material, nil, []byte("netsync-read"))
	if _, err = io.ReadFull(h, readKey[:]); err != nil {
		return readKey, writeKey, err
	}
	h = hkdf.New(sha1.New, material, nil, []byte("netsync-write"))
	if _, err = io.ReadFull(h, writeKey[:]); err != nil {
		return readKey, writeKey, err
	}
	return readKey, writeKey, nil
}
