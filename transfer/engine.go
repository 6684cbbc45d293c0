package transfer

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"netsync.dev/core/crypto"
	"netsync.dev/core/store"
)

// ErrUnknownSigner distinguishes a cert signed by a key absent from the
// store from every other receive-side failure (spec.md §7: a dedicated
// "422 unknown key" code exists precisely for this case, rather than
// folding it into the generic "no transfer occurred").
var ErrUnknownSigner = errors.New("transfer: unknown cert signer")

// defaultCompressThreshold is the default gzip threshold (spec.md §4.4:
// "compressed iff uncompressed size exceeds a configured threshold;
// default ~256 bytes").
const defaultCompressThreshold = 256

// defaultSendSoftCap is the default send-queue soft cap (spec.md §4.4,
// §5: "default: ~10·buffer-size = 2.5 MiB").
const defaultSendSoftCap = 10 * (256 * 1024)

// PubkeyLookup resolves a key id to its RSA public key, satisfied by
// keystore.Keystore.PubkeyOf.
type PubkeyLookup func(keyID [20]byte) (*rsa.PublicKey, bool)

// Engine implements the send and receive policies of spec.md §4.4 against
// a Store and a crypto.Provider.
type Engine struct {
	Store             *store.Store
	Crypto            crypto.Provider
	Pubkey            PubkeyLookup
	CompressThreshold int
	SendSoftCap       int

	queuedBytes int
}

// NewEngine returns an Engine with spec.md's default thresholds.
func NewEngine(s *store.Store, c crypto.Provider, pubkey PubkeyLookup) *Engine {
	return &Engine{
		Store:             s,
		Crypto:            c,
		Pubkey:            pubkey,
		CompressThreshold: defaultCompressThreshold,
		SendSoftCap:       defaultSendSoftCap,
	}
}

// maybeCompress gzips blob if it is at least the configured threshold,
// returning the (possibly compressed) bytes and whether compression was
// applied.
func (e *Engine) maybeCompress(blob []byte) ([]byte, bool, error) {
	if len(blob) < e.CompressThreshold {
		return blob, false, nil
	}
	compressed, err := e.Crypto.GzipCompress(blob)
	if err != nil {
		return nil, false, fmt.Errorf("transfer: gzip compress: %w", err)
	}
	return compressed, true, nil
}

func (e *Engine) maybeDecompress(blob []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return blob, nil
	}
	out, err := e.Crypto.GzipDecompress(blob)
	if err != nil {
		return nil, fmt.Errorf("transfer: gzip decompress: %w", err)
	}
	return out, nil
}

// PrepareData builds the Data-frame payload for sending id as a full text
// (spec.md §4.4 "Send policy").
func (e *Engine) PrepareData(cat store.Category, id [20]byte) (DataPayload, error) {
	blob, err := e.Store.Get(cat, id)
	if err != nil {
		return DataPayload{}, fmt.Errorf("transfer: PrepareData: %w", err)
	}
	encoded, compressed, err := e.maybeCompress(blob)
	if err != nil {
		return DataPayload{}, err
	}
	return DataPayload{Category: uint8(cat), ID: id, Compressed: compressed, Blob: encoded}, nil
}

// PrepareDelta builds the Delta-frame payload for sending newID relative to
// the base the store already holds a delta against (Store.PickDeltaPair).
// It returns ok=false when the store has no such delta; no fresh diff is
// computed.
func (e *Engine) PrepareDelta(cat store.Category, newID [20]byte) (DeltaPayload, bool, error) {
	baseID, delta, ok, err := e.Store.PickDeltaPair(cat, newID)
	if err != nil {
		return DeltaPayload{}, false, fmt.Errorf("transfer: PrepareDelta: %w", err)
	}
	if !ok {
		return DeltaPayload{}, false, nil
	}
	encoded, compressed, err := e.maybeCompress(delta)
	if err != nil {
		return DeltaPayload{}, false, err
	}
	return DeltaPayload{Category: uint8(cat), BaseID: baseID, NewID: newID, Compressed: compressed, Delta: encoded}, true, nil
}

// ReceiveData validates and stores an incoming Data frame (spec.md §4.4
// "Receive policy"): verify hash(blob) == id, then insert. A cert item is
// additionally signature-verified.
func (e *Engine) ReceiveData(p DataPayload) error {
	cat := store.Category(p.Category)
	blob, err := e.maybeDecompress(p.Blob, p.Compressed)
	if err != nil {
		return err
	}
	if e.Crypto.Hash(blob) != crypto.ID(p.ID) {
		return fmt.Errorf("transfer: ReceiveData: hash mismatch for %x", p.ID)
	}
	if cat == store.CategoryCert {
		if err := e.verifyCert(blob); err != nil {
			return fmt.Errorf("transfer: ReceiveData: %w", err)
		}
	}
	if err := e.Store.PutFull(cat, p.ID, blob); err != nil {
		return fmt.Errorf("transfer: ReceiveData: store: %w", err)
	}
	return nil
}

// ReceiveDelta validates and stores an incoming Delta frame: base_id must
// already be present, the delta is applied, and the reconstructed content
// must hash to new_id (spec.md §4.4).
func (e *Engine) ReceiveDelta(p DeltaPayload) error {
	cat := store.Category(p.Category)
	exists, err := e.Store.Exists(cat, p.BaseID)
	if err != nil {
		return fmt.Errorf("transfer: ReceiveDelta: %w", err)
	}
	if !exists {
		return fmt.Errorf("transfer: ReceiveDelta: base %x not present for category %d", p.BaseID, cat)
	}
	delta, err := e.maybeDecompress(p.Delta, p.Compressed)
	if err != nil {
		return err
	}
	base, err := e.Store.Get(cat, p.BaseID)
	if err != nil {
		return fmt.Errorf("transfer: ReceiveDelta: %w", err)
	}
	reconstructed, err := e.Crypto.Apply(base, delta)
	if err != nil {
		return fmt.Errorf("transfer: ReceiveDelta: apply: %w", err)
	}
	if e.Crypto.Hash(reconstructed) != crypto.ID(p.NewID) {
		return fmt.Errorf("transfer: ReceiveDelta: hash mismatch for %x", p.NewID)
	}
	if cat == store.CategoryCert {
		if err := e.verifyCert(reconstructed); err != nil {
			return fmt.Errorf("transfer: ReceiveDelta: %w", err)
		}
	}
	if err := e.Store.PutDelta(cat, p.NewID, p.BaseID, delta); err != nil {
		return fmt.Errorf("transfer: ReceiveDelta: store: %w", err)
	}
	return nil
}

// verifyCert parses blob as a CertRecord and checks its signature against
// the signer's known public key (spec.md §4.4: "A received cert is
// additionally signature-verified; failure is a protocol error").
func (e *Engine) verifyCert(blob []byte) error {
	c, err := DecodeCertRecord(blob)
	if err != nil {
		return fmt.Errorf("decode cert: %w", err)
	}
	pub, ok := e.Pubkey(c.SignerID)
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownSigner, c.SignerID)
	}
	digest := e.Crypto.Hash(c.signedDigestInput())
	if !e.Crypto.RSASHA1Verify(pub, [20]byte(digest), c.Signature) {
		return fmt.Errorf("signature verification failed for cert signed by %x", c.SignerID)
	}
	return nil
}

// QueueBytes reports the sender's currently queued-but-unflushed byte
// count, compared against SendSoftCap by the reactor to decide whether to
// keep dequeuing new items (spec.md §4.4 "Back-pressure").
func (e *Engine) QueueBytes() int { return e.queuedBytes }

// AddQueued records n more bytes placed on the send queue.
func (e *Engine) AddQueued(n int) { e.queuedBytes += n }

// DrainQueued records n bytes flushed from the send queue to the socket.
func (e *Engine) DrainQueued(n int) {
	e.queuedBytes -= n
	if e.queuedBytes < 0 {
		e.queuedBytes = 0
	}
}

// OverSoftCap reports whether the send queue exceeds its soft cap and new
// items should stop being dequeued for transmission.
func (e *Engine) OverSoftCap() bool { return e.queuedBytes > e.SendSoftCap }
