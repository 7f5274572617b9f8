package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrInvalidProfile     = errors.New("invalid profile")
	ErrInvalidSource      = errors.New("invalid source url")
	ErrEngineMissing      = errors.New("transcoding engine not available")
	ErrCreationFailed     = errors.New("stream creation failed")
	ErrStreamUnavailable  = errors.New("stream unavailable")
	ErrSessionClosed      = errors.New("session closed")
	ErrDeliveryMismatch   = errors.New("operation not supported by stream delivery mode")
	ErrManifestNotReady   = errors.New("manifest not ready")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrSessionActive      = errors.New("session still active")
	ErrTooManySessions    = errors.New("session limit reached")
)

// ErrorKind classifies the most recent failure of a session.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindSourceUnreachable ErrorKind = "SourceUnreachable"
	ErrorKindEngineMissing     ErrorKind = "EngineMissing"
	ErrorKindCreationFailed    ErrorKind = "CreationFailed"
	ErrorKindStreamUnavailable ErrorKind = "StreamUnavailable"
	ErrorKindSubscriberTimeout ErrorKind = "SubscriberTimeout"
)

// Diagnostic is a classified line of engine output.
type Diagnostic struct {
	Kind   ErrorKind
	Reason string
	Line   string
}
