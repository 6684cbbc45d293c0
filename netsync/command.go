package netsync

import (
	"fmt"

	"netsync.dev/core/wire"
)

// Command codes (spec.md §4.2 enumeration table).
const (
	CmdError           uint8 = 0
	CmdBye             uint8 = 1
	CmdHello           uint8 = 2
	CmdAnonymous       uint8 = 3
	CmdAuth            uint8 = 4
	CmdConfirm         uint8 = 5
	CmdRefine          uint8 = 6
	CmdDone            uint8 = 7
	CmdData            uint8 = 8
	CmdDelta           uint8 = 9
	CmdAutomate        uint8 = 10
	CmdAutomateCmd     uint8 = 11
	CmdAutomatePacket  uint8 = 12
	CmdUsher           uint8 = 100
	CmdUsherReply      uint8 = 101
)

// IsGreeterCommand reports whether cmd is an out-of-band pre-greeting code
// that is never MAC-tagged (spec.md §4.1(5)). Satisfies wire.IsGreeterCommandFunc.
func IsGreeterCommand(cmd uint8) bool {
	return cmd == CmdUsher || cmd == CmdUsherReply
}

// IsValidCommand reports whether cmd is one of the codes spec.md §4.2
// enumerates. Satisfies the Codec.IsValidCommand hook.
func IsValidCommand(cmd uint8) bool {
	switch cmd {
	case CmdError, CmdBye, CmdHello, CmdAnonymous, CmdAuth, CmdConfirm,
		CmdRefine, CmdDone, CmdData, CmdDelta,
		CmdAutomate, CmdAutomateCmd, CmdAutomatePacket,
		CmdUsher, CmdUsherReply:
		return true
	default:
		return false
	}
}

// HelloPayload is the server's opening frame (spec.md §6.2): server_key_name,
// server_pubkey (PKIX DER), and a fresh 20-byte nonce.
type HelloPayload struct {
	ServerKeyName string
	ServerPubkey  []byte
	Nonce         [20]byte
}

func (h HelloPayload) Encode() []byte {
	b := wire.AppendVString(nil, []byte(h.ServerKeyName))
	b = wire.AppendVString(b, h.ServerPubkey)
	b = wire.AppendID20(b, h.Nonce)
	return b
}

func DecodeHelloPayload(b []byte) (HelloPayload, error) {
	name, used, err := wire.ReadVString(b)
	if err != nil {
		return HelloPayload{}, err
	}
	off := used
	pub, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return HelloPayload{}, err
	}
	off += used
	nonce, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return HelloPayload{}, err
	}
	off += used
	if off != len(b) {
		return HelloPayload{}, fmt.Errorf("%w: trailing bytes in Hello", wire.ErrBadEncoding)
	}
	return HelloPayload{ServerKeyName: string(name), ServerPubkey: pub, Nonce: nonce}, nil
}

// AnonymousPayload is the anonymous-path reply to Hello (spec.md §6.2):
// role, include/exclude globs, and an RSA-OAEP-encrypted HMAC key.
type AnonymousPayload struct {
	Role            Role
	Include         string
	Exclude         string
	RSAOAEPKeyBlob  []byte
}

func (a AnonymousPayload) Encode() []byte {
	b := append([]byte(nil), byte(a.Role))
	b = wire.AppendVString(b, []byte(a.Include))
	b = wire.AppendVString(b, []byte(a.Exclude))
	b = wire.AppendVString(b, a.RSAOAEPKeyBlob)
	return b
}

func DecodeAnonymousPayload(b []byte) (AnonymousPayload, error) {
	if len(b) < 1 {
		return AnonymousPayload{}, wire.ErrNeedMoreBytes
	}
	role := Role(b[0])
	off := 1
	incl, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AnonymousPayload{}, err
	}
	off += used
	excl, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AnonymousPayload{}, err
	}
	off += used
	key, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AnonymousPayload{}, err
	}
	off += used
	if off != len(b) {
		return AnonymousPayload{}, fmt.Errorf("%w: trailing bytes in Anonymous", wire.ErrBadEncoding)
	}
	return AnonymousPayload{Role: role, Include: string(incl), Exclude: string(excl), RSAOAEPKeyBlob: key}, nil
}

// AuthPayload is the authenticated-path reply to Hello (spec.md §6.2):
// everything Anonymous carries, plus the client's key id, the echoed
// server nonce, and an RSA-SHA1 signature over that nonce.
type AuthPayload struct {
	Role           Role
	Include        string
	Exclude        string
	ClientKeyID    [20]byte
	NonceEcho      [20]byte
	RSAOAEPKeyBlob []byte
	Signature      []byte
}

func (a AuthPayload) Encode() []byte {
	b := append([]byte(nil), byte(a.Role))
	b = wire.AppendVString(b, []byte(a.Include))
	b = wire.AppendVString(b, []byte(a.Exclude))
	b = wire.AppendID20(b, a.ClientKeyID)
	b = wire.AppendID20(b, a.NonceEcho)
	b = wire.AppendVString(b, a.RSAOAEPKeyBlob)
	b = wire.AppendVString(b, a.Signature)
	return b
}

func DecodeAuthPayload(b []byte) (AuthPayload, error) {
	if len(b) < 1 {
		return AuthPayload{}, wire.ErrNeedMoreBytes
	}
	role := Role(b[0])
	off := 1
	incl, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AuthPayload{}, err
	}
	off += used
	excl, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AuthPayload{}, err
	}
	off += used
	keyID, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return AuthPayload{}, err
	}
	off += used
	nonceEcho, used, err := wire.ReadID20(b[off:])
	if err != nil {
		return AuthPayload{}, err
	}
	off += used
	oaep, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AuthPayload{}, err
	}
	off += used
	sig, used, err := wire.ReadVString(b[off:])
	if err != nil {
		return AuthPayload{}, err
	}
	off += used
	if off != len(b) {
		return AuthPayload{}, fmt.Errorf("%w: trailing bytes in Auth", wire.ErrBadEncoding)
	}
	return AuthPayload{
		Role: role, Include: string(incl), Exclude: string(excl),
		ClientKeyID: keyID, NonceEcho: nonceEcho,
		RSAOAEPKeyBlob: oaep, Signature: sig,
	}, nil
}

// DonePayload marks a side finished with one category's refinement
// (spec.md §6.2): category, then the number of items in its send-set.
type DonePayload struct {
	Category uint8
	NItems   uint64
}

func (d DonePayload) Encode() []byte {
	b := append([]byte(nil), d.Category)
	return wire.AppendLEB128(b, d.NItems)
}

func DecodeDonePayload(b []byte) (DonePayload, error) {
	if len(b) < 1 {
		return DonePayload{}, wire.ErrNeedMoreBytes
	}
	cat := b[0]
	n, used, err := wire.ReadLEB128(b[1:])
	if err != nil {
		return DonePayload{}, err
	}
	if 1+used != len(b) {
		return DonePayload{}, fmt.Errorf("%w: trailing bytes in Done", wire.ErrBadEncoding)
	}
	return DonePayload{Category: cat, NItems: n}, nil
}

// ByePayload carries the shutdown phase number (spec.md §6.2: phase in {0,1,2}).
type ByePayload struct {
	Phase uint8
}

func (b ByePayload) Encode() []byte { return []byte{b.Phase} }

func DecodeByePayload(b []byte) (ByePayload, error) {
	if len(b) != 1 {
		return ByePayload{}, fmt.Errorf("%w: Bye payload must be one byte", wire.ErrBadEncoding)
	}
	return ByePayload{Phase: b[0]}, nil
}

// EncodeErrorPayload/DecodeErrorPayload carry an Error frame's human
// readable message (spec.md §6.2: "vstring(msg)"); the numeric code is
// parsed from its leading ASCII digits by ParseErrorCode.
func EncodeErrorPayload(msg string) []byte {
	return wire.AppendVString(nil, []byte(msg))
}

func DecodeErrorPayload(b []byte) (string, error) {
	msg, used, err := wire.ReadVString(b)
	if err != nil {
		return "", err
	}
	if used != len(b) {
		return "", fmt.Errorf("%w: trailing bytes in Error", wire.ErrBadEncoding)
	}
	return string(msg), nil
}
