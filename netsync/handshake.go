package netsync

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"netsync.dev/core/crypto"
	"netsync.dev/core/refine"
	"netsync.dev/core/wire"
)

// Greet builds the server's opening Hello frame (spec.md §4.2
// "Authentication": "The server's Hello contains the server's key name,
// public key, and a fresh 20-byte nonce"). Valid once, voice server only.
func (s *Session) Greet() (wire.Frame, error) {
	if s.Voice != VoiceServer || s.State != StateGreeted {
		return wire.Frame{}, fmt.Errorf("netsync: Greet: invalid state %s/%v", s.State, s.Voice)
	}
	keyID, ok := s.cfg.Keystore.KeyIDByName(s.cfg.OwnKeyName)
	if !ok {
		return wire.Frame{}, fmt.Errorf("netsync: Greet: unknown own key name %q", s.cfg.OwnKeyName)
	}
	pub, ok := s.cfg.Keystore.PubkeyOf(keyID)
	if !ok {
		return wire.Frame{}, fmt.Errorf("netsync: Greet: no pubkey for %q", s.cfg.OwnKeyName)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("netsync: Greet: marshal pubkey: %w", err)
	}
	if _, err := rand.Read(s.serverNonce[:]); err != nil {
		return wire.Frame{}, fmt.Errorf("netsync: Greet: nonce: %w", err)
	}
	s.OwnKeyID, s.OwnHasKey = keyID, true
	s.Version = s.cfg.MaxVersion
	s.State = StateAuthenticating

	hp := HelloPayload{ServerKeyName: s.cfg.OwnKeyName, ServerPubkey: der, Nonce: s.serverNonce}
	return wire.Frame{Version: s.Version, Command: CmdHello, Payload: hp.Encode()}, nil
}

// handleHello is the client-side reaction to the server's Hello: negotiate
// the version, mint fresh HMAC key material, and reply with Anonymous or
// Auth depending on clientAuth.Anonymous (spec.md §4.2 "Version
// negotiation", "Authentication").
func (s *Session) handleHello(f wire.Frame) ([]wire.Frame, error) {
	hp, err := DecodeHelloPayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Hello"))
	}
	chosen := f.Version
	if chosen > s.cfg.MaxVersion {
		chosen = s.cfg.MaxVersion
	}
	if chosen < s.cfg.MinVersion {
		return s.fail(NewProtocolError(CodeMixingVersions, "incompatible protocol ranges"))
	}
	s.Version = chosen
	s.serverNonce = hp.Nonce

	pubAny, err := x509.ParsePKIXPublicKey(hp.ServerPubkey)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed server pubkey"))
	}
	serverPub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return s.fail(NewProtocolError(CodeBadCommand, "server pubkey not RSA"))
	}

	material := make([]byte, 20)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("netsync: handleHello: material: %w", err)
	}
	s.ownMaterial = material
	if err := s.installSessionKeys(material); err != nil {
		return nil, err
	}

	oaep, err := s.cfg.Crypto.RSAOAEPEncrypt(serverPub, material)
	if err != nil {
		return nil, fmt.Errorf("netsync: handleHello: RSAOAEPEncrypt: %w", err)
	}

	s.State = StateAuthenticating
	if s.clientAuth.Anonymous {
		ap := AnonymousPayload{
			Role: s.clientAuth.Role, Include: s.clientAuth.Include, Exclude: s.clientAuth.Exclude,
			RSAOAEPKeyBlob: oaep,
		}
		return []wire.Frame{{Version: s.Version, Command: CmdAnonymous, Payload: ap.Encode()}}, nil
	}

	s.OwnKeyID = s.clientAuth.OwnKeyID
	s.OwnHasKey = true
	priv, ok := s.cfg.Keystore.OwnPrivateKeyFor(s.clientAuth.OwnKeyID)
	if !ok {
		return s.fail(NewProtocolError(CodeUnknownKey, "no local private key for requested identity"))
	}
	sig, err := s.cfg.Crypto.RSASHA1Sign(priv, s.serverNonce)
	if err != nil {
		return nil, fmt.Errorf("netsync: handleHello: sign nonce: %w", err)
	}
	ap := AuthPayload{
		Role: s.clientAuth.Role, Include: s.clientAuth.Include, Exclude: s.clientAuth.Exclude,
		ClientKeyID: s.clientAuth.OwnKeyID, NonceEcho: s.serverNonce,
		RSAOAEPKeyBlob: oaep, Signature: sig,
	}
	return []wire.Frame{{Version: s.Version, Command: CmdAuth, Payload: ap.Encode()}}, nil
}

// installSessionKeys derives the read/write HMAC keys from the raw
// exchanged material and installs them into this session's codecs
// according to voice (spec.md §4.2 "both sides derive the session MAC key
// from the decrypted material and install it into their Frame codec").
// Convention: "write" labels the client-to-server direction, "read" the
// server-to-client direction; both sides derive identical values from the
// same material, so the labels only need to be applied consistently.
func (s *Session) installSessionKeys(material []byte) error {
	readKey, writeKey, err := crypto.DeriveSessionKeys(material)
	if err != nil {
		return fmt.Errorf("netsync: installSessionKeys: %w", err)
	}
	switch s.Voice {
	case VoiceServer:
		s.RecvCodec.InstallKey(writeKey[:])
		s.SendCodec.InstallKey(readKey[:])
	case VoiceClient:
		s.RecvCodec.InstallKey(readKey[:])
		s.SendCodec.InstallKey(writeKey[:])
	}
	return nil
}

func (s *Session) checkRole(keyID [20]byte, role Role) bool {
	switch role {
	case RoleSource:
		return s.cfg.Policy.PermitWrite(keyID, s.Include)
	case RoleSourceSink:
		return s.cfg.Policy.PermitWrite(keyID, s.Include) && s.readPermitted(keyID)
	default: // RoleSink
		return s.readPermitted(keyID)
	}
}

func (s *Session) readPermitted(keyID [20]byte) bool {
	if keyID == ([20]byte{}) {
		return s.cfg.Policy.PermitAnonymousRead(s.Include)
	}
	return s.cfg.Policy.PermitAuthRead(keyID, s.Include)
}

// handleAnonymous is the server-side reaction to an Anonymous request.
func (s *Session) handleAnonymous(f wire.Frame) ([]wire.Frame, error) {
	ap, err := DecodeAnonymousPayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Anonymous"))
	}
	s.Role, s.Include, s.Exclude = ap.Role, ap.Include, ap.Exclude
	if !s.checkRole([20]byte{}, ap.Role) {
		return s.fail(NewProtocolError(CodeRoleMismatch, "role mismatch"))
	}
	priv, ok := s.cfg.Keystore.OwnPrivateKeyFor(s.OwnKeyID)
	if !ok {
		return nil, fmt.Errorf("netsync: handleAnonymous: no local private key")
	}
	material, err := s.cfg.Crypto.RSAOAEPDecrypt(priv, ap.RSAOAEPKeyBlob)
	if err != nil {
		return s.fail(NewProtocolError(CodeFailedIdentification, "could not decrypt session key material"))
	}
	if err := s.installSessionKeys(material); err != nil {
		return nil, err
	}
	return s.confirmAndEnterWorking()
}

// handleAuth is the server-side reaction to an authenticated Auth request.
func (s *Session) handleAuth(f wire.Frame) ([]wire.Frame, error) {
	ap, err := DecodeAuthPayload(f.Payload)
	if err != nil {
		return s.fail(NewProtocolError(CodeBadCommand, "malformed Auth"))
	}
	if ap.NonceEcho != s.serverNonce {
		return s.fail(NewProtocolError(CodeFailedIdentification, "nonce echo mismatch"))
	}
	pub, ok := s.cfg.Keystore.PubkeyOf(ap.ClientKeyID)
	if !ok {
		return s.fail(NewProtocolError(CodeUnknownKey, "unknown client key"))
	}
	if !s.cfg.Crypto.RSASHA1Verify(pub, s.serverNonce, ap.Signature) {
		return s.fail(NewProtocolError(CodeFailedIdentification, "bad nonce signature"))
	}
	s.Role, s.Include, s.Exclude = ap.Role, ap.Include, ap.Exclude
	if !s.checkRole(ap.ClientKeyID, ap.Role) {
		return s.fail(NewProtocolError(CodeRoleMismatch, "role mismatch"))
	}
	priv, ok := s.cfg.Keystore.OwnPrivateKeyFor(s.OwnKeyID)
	if !ok {
		return nil, fmt.Errorf("netsync: handleAuth: no local private key")
	}
	material, err := s.cfg.Crypto.RSAOAEPDecrypt(priv, ap.RSAOAEPKeyBlob)
	if err != nil {
		return s.fail(NewProtocolError(CodeFailedIdentification, "could not decrypt session key material"))
	}
	if err := s.installSessionKeys(material); err != nil {
		return nil, err
	}
	s.PeerKeyID = ap.ClientKeyID
	s.Authed = true
	return s.confirmAndEnterWorking()
}

func (s *Session) confirmAndEnterWorking() ([]wire.Frame, error) {
	s.State = StateWorking
	out := []wire.Frame{{Version: s.Version, Command: CmdConfirm, Payload: nil}}
	more, err := s.startRefinement()
	if err != nil {
		return out, err
	}
	return append(out, more...), nil
}

// handleConfirm is the client-side reaction to Confirm: enter Working and
// kick off refinement by sending Query(root) for every refined category
// (spec.md §4.3: "The client begins by sending Query(root)").
func (s *Session) handleConfirm(f wire.Frame) ([]wire.Frame, error) {
	if len(f.Payload) != 0 {
		return s.fail(NewProtocolError(CodeBadCommand, "Confirm must be empty"))
	}
	s.State = StateWorking
	return s.startRefinement()
}

func (s *Session) startRefinement() ([]wire.Frame, error) {
	if s.Voice != VoiceClient {
		return nil, nil
	}
	var out []wire.Frame
	for _, cat := range refinedCategories {
		r, err := s.buildOrGetRefiner(cat)
		if err != nil {
			return out, err
		}
		msg := r.Start()
		out = append(out, wire.Frame{
			Version: s.Version, Command: CmdRefine,
			Payload: refine.EncodeNodeBlob(nil, msg.Kind, uint8(cat), msg.Node),
		})
	}
	return out, nil
}
