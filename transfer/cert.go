package transfer

import (
	"fmt"

	"netsync.dev/core/wire"
)

// CertRecord is the cert category's blob content (spec.md §3): "a signed
// assertion about a revision; identified by the hash of (revision-id, name,
// value, signer, signature)". The signature itself is computed over the
// hash of (revision-id, name, value) (see signedDigestInput), and the
// signature is part of the cert's own id.
type CertRecord struct {
	RevisionID [20]byte
	Name       string
	Value      []byte
	SignerID   [20]byte
	Signature  []byte
}

func (c CertRecord) Encode() []byte {
	b := make([]byte, 0, 20+len(c.Name)+len(c.Value)+20+len(c.Signature)+20)
	b = wire.AppendID20(b, c.RevisionID)
	b = wire.AppendVString(b, []byte(c.Name))
	b = wire.AppendVString(b, c.Value)
	b = wire.AppendID20(b, c.SignerID)
	b = wire.AppendVString(b, c.Signature)
	return b
}

func DecodeCertRecord(b []byte) (CertRecord, error) {
	var c CertRecord
	off := 0
	rev, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return CertRecord{}, err
	}
	off += used
	name, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return CertRecord{}, err
	}
	off += used
	value, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return CertRecord{}, err
	}
	off += used
	signer, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return CertRecord{}, err
	}
	off += used
	sig, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return CertRecord{}, err
	}
	off += used
	if off != len(b) {
		return CertRecord{}, fmt.Errorf("%w: trailing bytes in cert record", wire.ErrBadEncoding)
	}
	c.RevisionID, c.Name, c.Value, c.SignerID, c.Signature = rev, string(name), value, signer, sig
	return c, nil
}

// signedDigestInput is what the signature in a CertRecord covers: the
// content hash of (revision-id, name, value), leaving signer and the
// signature itself out of the signed material.
func (c CertRecord) signedDigestInput() []byte {
	b := make([]byte, 0, 20+len(c.Name)+len(c.Value))
	b = wire.AppendID20(b, c.RevisionID)
	b = wire.AppendVString(b, []byte(c.Name))
	b = wire.AppendVString(b, c.Value)
	return b
}
