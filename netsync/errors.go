package netsync

import (
	"fmt"
	"regexp"
	"strconv"
)

// Numeric error codes (spec.md §7 "Error taxonomy").
const (
	CodeNoError              = 200
	CodePartialTransfer      = 211
	CodeNoTransfer           = 212
	CodeNotPermitted         = 412
	CodeUnknownKey           = 422
	CodeMixingVersions       = 432
	CodeRoleMismatch         = 512
	CodeBadCommand           = 521
	CodeFailedIdentification = 532
)

var errCodeText = map[int]string{
	CodeNoError:              "no error",
	CodePartialTransfer:      "partial transfer",
	CodeNoTransfer:           "no transfer occurred",
	CodeNotPermitted:         "not permitted",
	CodeUnknownKey:           "unknown key",
	CodeMixingVersions:       "mixing versions",
	CodeRoleMismatch:         "role mismatch",
	CodeBadCommand:           "bad command",
	CodeFailedIdentification: "failed identification",
}

// ProtocolError is a fatal-to-the-session error carrying one of spec.md
// §7's numeric codes. A side that must abort wraps it in an Error frame
// (spec.md §4.2 "Error frames") and enters error-flushing mode.
type ProtocolError struct {
	Code int
	Msg  string
}

func NewProtocolError(code int, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Msg: msg}
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%d %s", e.Code, errCodeText[e.Code])
	}
	return fmt.Sprintf("%d %s", e.Code, e.Msg)
}

var leadingCodeRe = regexp.MustCompile(`^([0-9]{3})`)

// ParseErrorCode extracts a leading three-ASCII-digit code from an Error
// frame's message, as spec.md §4.2 describes ("A side that must abort
// sends an Error frame with a human-readable string whose first three
// ASCII digits, if present, form a numeric error code").
func ParseErrorCode(msg string) (code int, ok bool) {
	m := leadingCodeRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
