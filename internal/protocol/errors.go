package protocol

import "errors"

// Error codes that appear on the wire inside {code, message} envelopes.
const (
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeRoomFull          = "ROOM_FULL"
	CodeAlreadyInRoom     = "ALREADY_IN_ROOM"
	CodeNotInRoom         = "NOT_IN_ROOM"
	CodeAlreadyInVoice    = "ALREADY_IN_VOICE"
	CodeNotInVoice        = "NOT_IN_VOICE"
	CodeGuestCannotChat   = "GUEST_CANNOT_CHAT"
	CodeForbidden         = "FORBIDDEN"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeInvalidPassword   = "INVALID_PASSWORD"
	CodeInvalidSignal     = "INVALID_SIGNAL"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeConflictExceeded  = "CONFLICT_EXCEEDED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Error is a wire-visible failure. Anything that is not a *Error is treated
// as internal by the gateway and mapped to INTERNAL_ERROR.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// E constructs a wire error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError extracts a wire error from err, or wraps err as INTERNAL_ERROR.
// The bool reports whether err already carried a wire code.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}, false
}
