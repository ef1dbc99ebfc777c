package adapter

import "fmt"

// ErrorKind classifies adapter failures. The proxy maps these onto the
// gateway's protocol-visible taxonomy; the adapter itself never renders HTTP
// or JSON-RPC errors.
type ErrorKind int

const (
	// ErrSpawn: the subprocess could not be started. Fatal for the adapter.
	ErrSpawn ErrorKind = iota
	// ErrMissingStdin, ErrMissingStdout, ErrMissingStderr: the platform did
	// not return a pipe. Fatal for the adapter.
	ErrMissingStdin
	ErrMissingStdout
	ErrMissingStderr
	// ErrInvalidEnvelope: the payload is not a valid JSON-RPC request,
	// notification, or response.
	ErrInvalidEnvelope
	// ErrSerialize: the payload could not be serialized. Per-request.
	ErrSerialize
	// ErrWrite: writing to the subprocess stdin failed. Per-request; the next
	// write will also fail if stdin is closed.
	ErrWrite
	// ErrTimeout: no response arrived within the request timeout. Per-request;
	// the subprocess is not killed.
	ErrTimeout
	// ErrShutdown: the adapter is shut down or the subprocess exited; no new
	// requests are accepted.
	ErrShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrSpawn:
		return "spawn"
	case ErrMissingStdin:
		return "missing_stdin"
	case ErrMissingStdout:
		return "missing_stdout"
	case ErrMissingStderr:
		return "missing_stderr"
	case ErrInvalidEnvelope:
		return "invalid_envelope"
	case ErrSerialize:
		return "serialize"
	case ErrWrite:
		return "write"
	case ErrTimeout:
		return "timeout"
	case ErrShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is the adapter's failure type.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("adapter %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("adapter %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf returns the adapter error kind of err, or ok=false when err is not
// an adapter error.
func KindOf(err error) (ErrorKind, bool) {
	if e, ok := err.(*Error); ok {
		return e.Kind, true
	}
	return 0, false
}
