package transfer

import (
	"bytes"
	"testing"
)

func TestDataPayloadRoundTrip(t *testing.T) {
	p := DataPayload{Category: 2, ID: [20]byte{1, 2, 3}, Compressed: true, Blob: []byte("hello world")}
	enc := p.Encode()
	got, err := DecodeDataPayload(enc)
	if err != nil {
		t.Fatalf("DecodeDataPayload: %v", err)
	}
	if got.Category != p.Category || got.ID != p.ID || got.Compressed != p.Compressed || !bytes.Equal(got.Blob, p.Blob) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDeltaPayloadRoundTrip(t *testing.T) {
	p := DeltaPayload{Category: 1, BaseID: [20]byte{9}, NewID: [20]byte{8}, Compressed: false, Delta: []byte{0x01, 0x02, 0x03}}
	enc := p.Encode()
	got, err := DecodeDeltaPayload(enc)
	if err != nil {
		t.Fatalf("DecodeDeltaPayload: %v", err)
	}
	if got.Category != p.Category || got.BaseID != p.BaseID || got.NewID != p.NewID || !bytes.Equal(got.Delta, p.Delta) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCertRecordRoundTrip(t *testing.T) {
	c := CertRecord{
		RevisionID: [20]byte{1},
		Name:       "branch",
		Value:      []byte("net.venge.monotone"),
		SignerID:   [20]byte{2},
		Signature:  []byte("sig-bytes"),
	}
	enc := c.Encode()
	got, err := DecodeCertRecord(enc)
	if err != nil {
		t.Fatalf("DecodeCertRecord: %v", err)
	}
	if got.RevisionID != c.RevisionID || got.Name != c.Name || got.SignerID != c.SignerID ||
		!bytes.Equal(got.Value, c.Value) || !bytes.Equal(got.Signature, c.Signature) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}
}
