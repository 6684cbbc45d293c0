// Package keystore implements the Keystore collaborator of spec.md §6.3:
// own_private_key_for(key_id) and pubkey_of(key_id), backed by a JSON
// on-disk format protected with AES-256 Key Wrap (RFC 3394). Grounded on
// node/keymgr.go's KeyStoreV1 record and readKeystore/cmdKeymgr*
// subcommands, regeneralized from its ML-DSA/SLH-DSA suite-id record shape
// to the RSA key pairs spec.md §4.2 authentication actually uses.
package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"netsync.dev/core/crypto"
)

// SchemaVersion identifies the on-disk record format.
const SchemaVersion = "NSKSv1"

const wrapAlgAES256KW = "AES-256-KW"

// Record is one on-disk keystore entry: an RSA key pair, named, with its
// private key wrapped under the operator-supplied KEK.
type Record struct {
	Version        string `json:"version"`
	Name           string `json:"name"`
	KeyIDHex       string `json:"key_id_hex"`
	PubkeyDERHex   string `json:"pubkey_der_hex"`
	WrapAlg        string `json:"wrap_alg"`
	WrappedSKHex   string `json:"wrapped_sk_hex"`
}

type entry struct {
	name string
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey // nil if this keystore only holds the public half
}

// Keystore holds every key record decrypted into memory at Load time, kept
// open for the process lifetime and referenced by handle (spec.md §5:
// "Key material is opened once, cached in memory... no session owns the
// key-store").
type Keystore struct {
	mu      sync.RWMutex
	byID    map[[20]byte]entry
	nameToID map[string][20]byte
}

// New returns an empty Keystore, useful for tests and for building up a
// store programmatically before Save.
func New() *Keystore {
	return &Keystore{byID: make(map[[20]byte]entry), nameToID: make(map[string][20]byte)}
}

// Load reads a JSON array of Records from path and unwraps every private
// key under kek (32 bytes, AES-256). A record whose WrappedSKHex is empty
// is treated as public-key-only (used for remote peers' known keys).
func Load(path string, kek []byte) (*Keystore, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided keystore path
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}

	ks := New()
	for _, r := range records {
		if r.Version != SchemaVersion {
			return nil, fmt.Errorf("keystore: record %q: unsupported version %q", r.Name, r.Version)
		}
		pubDER, err := hex.DecodeString(r.PubkeyDERHex)
		if err != nil {
			return nil, fmt.Errorf("keystore: record %q: pubkey_der_hex: %w", r.Name, err)
		}
		pubAny, err := x509.ParsePKIXPublicKey(pubDER)
		if err != nil {
			return nil, fmt.Errorf("keystore: record %q: parse pubkey: %w", r.Name, err)
		}
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("keystore: record %q: not an RSA public key", r.Name)
		}

		var keyID [20]byte
		if r.KeyIDHex != "" {
			b, err := hex.DecodeString(r.KeyIDHex)
			if err != nil || len(b) != 20 {
				return nil, fmt.Errorf("keystore: record %q: bad key_id_hex", r.Name)
			}
			copy(keyID[:], b)
		} else {
			keyID = crypto.StdProvider{}.Hash(pubDER)
		}

		e := entry{name: r.Name, pub: pub}
		if r.WrappedSKHex != "" {
			if r.WrapAlg != wrapAlgAES256KW {
				return nil, fmt.Errorf("keystore: record %q: unsupported wrap_alg %q", r.Name, r.WrapAlg)
			}
			wrapped, err := hex.DecodeString(r.WrappedSKHex)
			if err != nil {
				return nil, fmt.Errorf("keystore: record %q: wrapped_sk_hex: %w", r.Name, err)
			}
			framed, err := crypto.AESKeyUnwrapRFC3394(kek, wrapped)
			if err != nil {
				return nil, fmt.Errorf("keystore: record %q: unwrap private key: %w", r.Name, err)
			}
			skDER, err := unpadFramed(framed)
			if err != nil {
				return nil, fmt.Errorf("keystore: record %q: %w", r.Name, err)
			}
			priv, err := x509.ParsePKCS1PrivateKey(skDER)
			if err != nil {
				return nil, fmt.Errorf("keystore: record %q: parse private key: %w", r.Name, err)
			}
			e.priv = priv
		}

		ks.byID[keyID] = e
		ks.nameToID[r.Name] = keyID
	}
	return ks, nil
}

// Add registers a key pair under name, computing its key id as
// hash(pubkey DER). priv may be nil for a public-key-only record.
func (ks *Keystore) Add(name string, pub *rsa.PublicKey, priv *rsa.PrivateKey) ([20]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return [20]byte{}, fmt.Errorf("keystore: marshal pubkey for %q: %w", name, err)
	}
	keyID := crypto.StdProvider{}.Hash(der)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.byID[keyID] = entry{name: name, pub: pub, priv: priv}
	ks.nameToID[name] = keyID
	return keyID, nil
}

// OwnPrivateKeyFor returns the private key for keyID, if this keystore
// holds one (spec.md §6.3 "own_private_key_for(key_id)").
func (ks *Keystore) OwnPrivateKeyFor(keyID [20]byte) (*rsa.PrivateKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.byID[keyID]
	if !ok || e.priv == nil {
		return nil, false
	}
	return e.priv, true
}

// PubkeyOf returns the public key named by keyID (spec.md §6.3
// "pubkey_of(key_id)").
func (ks *Keystore) PubkeyOf(keyID [20]byte) (*rsa.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.byID[keyID]
	if !ok {
		return nil, false
	}
	return e.pub, true
}

// Summary is a listing-only view of one keystore entry (netsync-keymgr's
// `list` subcommand; never used by the sync core itself).
type Summary struct {
	Name       string
	KeyID      [20]byte
	HasPrivate bool
}

// Records returns a Summary for every key this keystore holds, in no
// particular order.
func (ks *Keystore) Records() []Summary {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]Summary, 0, len(ks.byID))
	for keyID, e := range ks.byID {
		out = append(out, Summary{Name: e.name, KeyID: keyID, HasPrivate: e.priv != nil})
	}
	return out
}

// KeyIDByName resolves a key's id from its human-readable name, as used to
// pick the server's own key name for Hello (spec.md §4.2).
func (ks *Keystore) KeyIDByName(name string) ([20]byte, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	id, ok := ks.nameToID[name]
	return id, ok
}

// Save writes every record in ks to path as a JSON array, wrapping private
// keys under kek. Written atomically (temp file + fsync + rename + dir
// fsync), mirroring node/store/manifest.go's crash-safe commit pattern.
func (ks *Keystore) Save(path string, kek []byte) error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	records := make([]Record, 0, len(ks.byID))
	for keyID, e := range ks.byID {
		der, err := x509.MarshalPKIXPublicKey(e.pub)
		if err != nil {
			return fmt.Errorf("keystore: marshal pubkey for %q: %w", e.name, err)
		}
		r := Record{
			Version:      SchemaVersion,
			Name:         e.name,
			KeyIDHex:     hex.EncodeToString(keyID[:]),
			PubkeyDERHex: hex.EncodeToString(der),
		}
		if e.priv != nil {
			skDER := x509.MarshalPKCS1PrivateKey(e.priv)
			wrapped, err := crypto.AESKeyWrapRFC3394(kek, padToMultipleOf8(skDER))
			if err != nil {
				return fmt.Errorf("keystore: wrap private key for %q: %w", e.name, err)
			}
			r.WrapAlg = wrapAlgAES256KW
			r.WrappedSKHex = hex.EncodeToString(wrapped)
		}
		records = append(records, r)
	}

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	b = append(b, '\n')
	return writeFileAtomic(path, b)
}

// padToMultipleOf8 frames b with a 4-byte big-endian length prefix and
// zero-pads to a multiple of 8 bytes, as AES-KW (RFC 3394) requires.
// unpadFramed reverses it.
func padToMultipleOf8(b []byte) []byte {
	framed := make([]byte, 4+len(b))
	framed[0] = byte(len(b) >> 24)
	framed[1] = byte(len(b) >> 16)
	framed[2] = byte(len(b) >> 8)
	framed[3] = byte(len(b))
	copy(framed[4:], b)
	for len(framed)%8 != 0 {
		framed = append(framed, 0)
	}
	return framed
}

func unpadFramed(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("keystore: framed key material too short")
	}
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if n < 0 || 4+n > len(b) {
		return nil, fmt.Errorf("keystore: framed key material length out of range")
	}
	return b[4 : 4+n], nil
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- operator-controlled path
	if err != nil {
		return fmt.Errorf("keystore: open tmp: %w", err)
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("keystore: write tmp: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("keystore: fsync tmp: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("keystore: close tmp: %w", cerr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("keystore: rename: %w", err)
	}
	d, err := os.Open(dir) // #nosec G304 -- operator-controlled path
	if err != nil {
		return fmt.Errorf("keystore: fsync dir open: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("keystore: fsync dir: %w", err)
	}
	return d.Close()
}
