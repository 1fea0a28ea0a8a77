// Package errors provides coded errors for the relay's client protocol.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session lifecycle errors
	CodeNotConnected       Code = "NOT_CONNECTED"
	CodeUnsupportedCommand Code = "UNSUPPORTED_COMMAND"

	// Frame errors
	CodeMalformedFrame  Code = "MALFORMED_FRAME"
	CodeFrameTooLarge   Code = "FRAME_TOO_LARGE"
	CodeMissingHeader   Code = "MISSING_HEADER"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Flow control errors
	CodeRateLimited Code = "RATE_LIMITED"
)

// ClosesConnection reports whether an error with this code ends the
// client's session.
func (c Code) ClosesConnection() bool {
	switch c {
	case CodeNotConnected, CodeRateLimited:
		return true
	default:
		return false
	}
}
