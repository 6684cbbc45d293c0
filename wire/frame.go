package wire

// Frame is one self-delimiting command frame (spec.md §4.1).
type Frame struct {
	Version uint8
	Command uint8
	Payload []byte
	MAC     [20]byte // valid only if HMAC is active and Command is authenticated
}

const macLen = 20

var zeroChain [macLen]byte

// IsGreeterCommand reports whether cmd is one of the out-of-band greeter
// codes (usher/usher_reply) that are never MAC-tagged even once the HMAC
// is active (spec.md §4.1(5)).
type IsGreeterCommandFunc func(cmd uint8) bool

// HMACFunc computes a 20-byte tag; satisfied by crypto.Provider.HMAC.
type HMACFunc func(key, msg []byte) [20]byte

// Codec encodes/decodes frames on one direction of a session's byte
// stream, maintaining the chained MAC. Grounded on node/p2p/envelope.go's
// WriteMessage/ReadMessage (fixed header + checksum + payload), generalized
// from a 4-byte checksum to a chained 20-byte HMAC tag and from a fixed
// 24-byte header to version+command+LEB128-length (spec.md §4.1).
type Codec struct {
	MinVersion, MaxVersion uint8
	MaxPayload             int // 0 means DefaultMaxPayload
	IsGreeter              IsGreeterCommandFunc
	IsValidCommand         func(cmd uint8) bool // nil means "accept any byte"
	HMAC                   HMACFunc

	macKey    []byte
	macActive bool
	chain     [macLen]byte
}

// NewCodec returns a Codec with the chain value reset to its initial
// 20-zero-byte value (spec.md §4.1(4)).
func NewCodec(minVersion, maxVersion uint8, isGreeter IsGreeterCommandFunc, hmacFn HMACFunc) *Codec {
	return &Codec{
		MinVersion: minVersion,
		MaxVersion: maxVersion,
		IsGreeter:  isGreeter,
		HMAC:       hmacFn,
		chain:      zeroChain,
	}
}

// InstallKey activates (or replaces) the MAC key and resets the chain, as
// happens once after key agreement (spec.md §4.1: "The MAC key is
// initialized to a fixed constant and replaced after key agreement").
func (c *Codec) InstallKey(key []byte) {
	c.macKey = append([]byte(nil), key...)
	c.macActive = true
	c.chain = zeroChain
}

func (c *Codec) maxPayload() int {
	if c.MaxPayload > 0 {
		return c.MaxPayload
	}
	return DefaultMaxPayload
}

func (c *Codec) authenticated(cmd uint8) bool {
	return c.macActive && !(c.IsGreeter != nil && c.IsGreeter(cmd))
}

// Encode serializes f and advances the send-side MAC chain. Infallible per
// spec.md's contract, except that a caller-supplied oversized payload is
// still rejected so a decode on the other end can never fail for a reason
// the encoder could have caught.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > c.maxPayload() {
		return nil, ErrOversized
	}
	head := make([]byte, 0, 2+10+len(f.Payload))
	head = append(head, f.Version, f.Command)
	head = AppendLEB128(head, uint64(len(f.Payload)))
	head = append(head, f.Payload...)

	if !c.authenticated(f.Command) {
		return head, nil
	}
	tag := c.HMAC(c.macKey, append(append([]byte(nil), c.chain[:]...), head...))
	c.chain = tag
	return append(head, tag[:]...), nil
}

// Decode parses the frame at the front of buf. It returns (frame, consumed,
// nil) on success, (Frame{}, 0, ErrNeedMoreBytes) if buf doesn't yet hold a
// full frame, or another sentinel error from errors.go otherwise. On
// success it also advances the receive-side MAC chain.
func (c *Codec) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMoreBytes
	}
	version := buf[0]
	if version < c.MinVersion || version > c.MaxVersion {
		return Frame{}, 0, ErrBadVersion
	}
	cmd := buf[1]
	if c.IsValidCommand != nil && !c.IsValidCommand(cmd) {
		return Frame{}, 0, ErrBadCode
	}

	length, used, err := ReadLEB128(buf[2:])
	if err != nil {
		return Frame{}, 0, err
	}
	if length > uint64(c.maxPayload()) {
		return Frame{}, 0, ErrOversized
	}
	headerLen := 2 + used
	payloadEnd := headerLen + int(length)
	if len(buf) < payloadEnd {
		return Frame{}, 0, ErrNeedMoreBytes
	}
	head := buf[:payloadEnd]
	payload := make([]byte, length)
	copy(payload, buf[headerLen:payloadEnd])

	f := Frame{Version: version, Command: cmd, Payload: payload}

	if !c.authenticated(cmd) {
		return f, payloadEnd, nil
	}
	if len(buf) < payloadEnd+macLen {
		return Frame{}, 0, ErrNeedMoreBytes
	}
	var tag [macLen]byte
	copy(tag[:], buf[payloadEnd:payloadEnd+macLen])

	want := c.HMAC(c.macKey, append(append([]byte(nil), c.chain[:]...), head...))
	if want != tag {
		return Frame{}, 0, ErrBadMAC
	}
	c.chain = tag
	f.MAC = tag
	return f, payloadEnd + macLen, nil
}
