package domain

import "fmt"

// ErrorKind is the closed set of session-level error kinds surfaced to
// callers. Raw transport, device and REST errors never leave the usecase
// layer untranslated.
type ErrorKind string

const (
	ErrKindTransport          ErrorKind = "transport"
	ErrKindJoinTimeout        ErrorKind = "join_timeout"
	ErrKindRoomNotFound       ErrorKind = "room_not_found"
	ErrKindRoomFull           ErrorKind = "room_full"
	ErrKindInvalidCredentials ErrorKind = "invalid_credentials"
	ErrKindRetryExhausted     ErrorKind = "retry_exhausted"
	ErrKindMediaPermission    ErrorKind = "media_permission"
	ErrKindMediaNotFound      ErrorKind = "media_not_found"
	ErrKindMediaHardware      ErrorKind = "media_hardware"
	ErrKindInternal           ErrorKind = "internal"
)

// SessionError is the one error type the presentation layer sees.
type SessionError struct {
	Kind      ErrorKind
	Retryable bool
	cause     error
}

func NewSessionError(kind ErrorKind, retryable bool, cause error) *SessionError {
	return &SessionError{Kind: kind, Retryable: retryable, cause: cause}
}

func (e *SessionError) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *SessionError) Unwrap() error {
	return e.cause
}
