package wire

import "errors"

// Decode-time sentinel errors, spec.md §4.1 "Contracts".
var (
	ErrNeedMoreBytes  = errors.New("wire: need more bytes")
	ErrBadCode        = errors.New("wire: BadCode: unknown command")
	ErrBadVersion     = errors.New("wire: BadVersion: outside negotiated range")
	ErrOversized      = errors.New("wire: OversizedPayload: declared length exceeds cap")
	ErrBadMAC         = errors.New("wire: BadMAC: MAC chain mismatch")
	ErrBadEncoding    = errors.New("wire: BadEncoding: malformed LEB128 or truncated field")
	ErrHMACNotPresent = errors.New("wire: HMAC not installed for an authenticated command")
)

// DefaultMaxPayload is the default OversizedPayload cap (spec.md §4.1: 2^28).
const DefaultMaxPayload = 1 << 28
