package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"testing"
)

func hmacFn(key, msg []byte) [20]byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	var out [20]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func isGreeter(cmd uint8) bool { return cmd == 100 || cmd == 101 }

func TestLEB128RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 28, 1<<28 + 1, 1 << 40}
	for _, v := range values {
		b := AppendLEB128(nil, v)
		got, n, err := ReadLEB128(b)
		if err != nil {
			t.Fatalf("ReadLEB128(%d): %v", v, err)
		}
		if got != v || n != len(b) {
			t.Fatalf("ReadLEB128(%d) = (%d, %d), want (%d, %d)", v, got, n, v, len(b))
		}
	}
}

func TestCodecRoundTripNoMAC(t *testing.T) {
	c := NewCodec(1, 1, isGreeter, hmacFn)
	f := Frame{Version: 1, Command: 2, Payload: []byte("hello")}
	enc, err := c.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, n, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) || dec.Version != f.Version || dec.Command != f.Command || !bytes.Equal(dec.Payload, f.Payload) {
		t.Fatalf("round-trip mismatch: %+v", dec)
	}
}

func TestCodecMACChain(t *testing.T) {
	send := NewCodec(1, 1, isGreeter, hmacFn)
	recv := NewCodec(1, 1, isGreeter, hmacFn)
	key := []byte("shared-session-key")
	send.InstallKey(key)
	recv.InstallKey(key)

	for i := 0; i < 3; i++ {
		f := Frame{Version: 1, Command: 6, Payload: []byte{byte(i)}}
		enc, err := send.Encode(f)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		dec, n, err := recv.Decode(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if n != len(enc) || !bytes.Equal(dec.Payload, f.Payload) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestCodecMACChainBreaksOnReorder(t *testing.T) {
	send := NewCodec(1, 1, isGreeter, hmacFn)
	recv := NewCodec(1, 1, isGreeter, hmacFn)
	key := []byte("shared-session-key")
	send.InstallKey(key)
	recv.InstallKey(key)

	f1 := Frame{Version: 1, Command: 6, Payload: []byte("one")}
	f2 := Frame{Version: 1, Command: 6, Payload: []byte("two")}
	enc1, _ := send.Encode(f1)
	enc2, _ := send.Encode(f2)

	// Decode out of order: second frame first.
	if _, _, err := recv.Decode(enc2); err != ErrBadMAC {
		t.Fatalf("expected ErrBadMAC on reordered frame, got %v", err)
	}
	_ = enc1
}

func TestCodecGreeterNeverMACTagged(t *testing.T) {
	send := NewCodec(1, 1, isGreeter, hmacFn)
	send.InstallKey([]byte("key"))
	enc, err := send.Encode(Frame{Version: 1, Command: 100, Payload: []byte("usher")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// No trailing 20-byte MAC tag should be present.
	recv := NewCodec(1, 1, isGreeter, hmacFn)
	recv.InstallKey([]byte("key"))
	dec, n, err := recv.Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("expected no MAC suffix consumed, got n=%d len=%d", n, len(enc))
	}
	if dec.MAC != ([20]byte{}) {
		t.Fatalf("greeter frame should carry no MAC")
	}
}

func TestCodecOversizedPayload(t *testing.T) {
	c := NewCodec(1, 1, isGreeter, hmacFn)
	c.MaxPayload = 10
	_, err := c.Encode(Frame{Version: 1, Command: 2, Payload: make([]byte, 11)})
	if err != ErrOversized {
		t.Fatalf("expected ErrOversized, got %v", err)
	}
}

func TestCodecBadVersion(t *testing.T) {
	c := NewCodec(1, 2, isGreeter, hmacFn)
	buf := []byte{9, 2, 0}
	_, _, err := c.Decode(buf)
	if err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestCodecNeedMoreBytes(t *testing.T) {
	c := NewCodec(1, 1, isGreeter, hmacFn)
	full := Frame{Version: 1, Command: 6, Payload: []byte("0123456789")}
	enc, _ := c.Encode(full)
	recv := NewCodec(1, 1, isGreeter, hmacFn)
	_, _, err := recv.Decode(enc[:len(enc)-2])
	if err != ErrNeedMoreBytes {
		t.Fatalf("expected ErrNeedMoreBytes, got %v", err)
	}
}

func TestCodecBadCode(t *testing.T) {
	c := NewCodec(1, 1, isGreeter, hmacFn)
	c.IsValidCommand = func(cmd uint8) bool { return cmd <= 12 }
	buf := []byte{1, 99, 0}
	_, _, err := c.Decode(buf)
	if err != ErrBadCode {
		t.Fatalf("expected ErrBadCode, got %v", err)
	}
}
