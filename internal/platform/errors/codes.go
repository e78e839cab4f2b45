// Package errors provides structured error handling for service boundaries.
package errors

// Code is a machine-readable error code. Codes double as wire error codes
// on relay frames.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInputTooOld    Code = "INPUT_TOO_OLD"
	CodeInputMalformed Code = "INPUT_MALFORMED"
	CodeInputTooLarge  Code = "INPUT_TOO_LARGE"

	// Room errors
	CodeRoomNotFound Code = "ROOM_NOT_FOUND"
	CodeRoomFull     Code = "ROOM_FULL"
	CodeRoomClosed   Code = "ROOM_CLOSED"

	// Join grant errors
	CodeGrantRequired Code = "GRANT_REQUIRED"
	CodeGrantInvalid  Code = "GRANT_INVALID"
	CodeGrantExpired  Code = "GRANT_EXPIRED"
	CodeGrantMismatch Code = "GRANT_MISMATCH"

	// Connection hygiene errors
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeJournalUnavailable Code = "JOURNAL_UNAVAILABLE"

	// Rule errors
	CodeRuleUnknown Code = "RULE_UNKNOWN"
	CodeRuleFailed  Code = "RULE_FAILED"
)

// Retryable reports whether a client may retry the failed request without
// changing it. Validation and grant failures are permanent; capacity and
// availability failures are not.
func (c Code) Retryable() bool {
	switch c {
	case CodeRoomFull,
		CodeRateLimited,
		CodeJournalUnavailable:
		return true
	default:
		return false
	}
}
