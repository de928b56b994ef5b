package s5b

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/s5b/protocol"
)

var (
	// ErrConnectFailed indicates that no candidate produced a working transport.
	ErrConnectFailed = errors.New("could not connect to any streamhost")

	// ErrNegotiationRejected indicates a refused or malformed negotiation.
	ErrNegotiationRejected = errors.New("negotiation rejected")

	// ErrProxyFailed indicates that proxy discovery or activation failed.
	ErrProxyFailed = errors.New("proxy failure")

	// ErrStreamError indicates a transport error after the session became active.
	ErrStreamError = errors.New("stream error")

	// ErrClosed indicates an operation on a closed session or manager.
	ErrClosed = errors.New("session closed")

	// ErrInvalidState indicates an operation not allowed in the session's state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrInvalidConfig indicates a configuration that fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrWrongMode indicates a stream call on a datagram session or the reverse.
	ErrWrongMode = errors.New("operation does not match session mode")
)

// Refinements of the taxonomy above.
var (
	ErrSIDInUse       = fmt.Errorf("%w: sid in use", ErrNegotiationRejected)
	ErrDeclined       = fmt.Errorf("%w: declined", ErrNegotiationRejected)
	ErrUnsupported    = fmt.Errorf("%w: feature not supported", ErrNegotiationRejected)
	ErrWrongHost      = fmt.Errorf("%w: peer chose an unknown streamhost", ErrNegotiationRejected)
	ErrConnectTimeout = fmt.Errorf("%w: negotiation timed out", ErrConnectFailed)
)

// RemoteError is an error reply received from the peer or a proxy.
type RemoteError struct {
	Code int
	Text string
}

func (e *RemoteError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("remote error %d", e.Code)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Text)
}

// Unwrap maps the legacy error code onto the package sentinels. A 404 means
// the peer could not connect; everything else is a rejection.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case protocol.CodeNotFound:
		return ErrConnectFailed
	case protocol.CodeNotAcceptable:
		if strings.EqualFold(e.Text, protocol.TextSIDInUse) {
			return ErrSIDInUse
		}
		return ErrDeclined
	case protocol.CodeForbidden:
		return ErrDeclined
	case protocol.CodeNotImplemented:
		return ErrUnsupported
	default:
		return ErrNegotiationRejected
	}
}

// remoteError converts an error IQ into a RemoteError.
func remoteError(iq *protocol.IQ) *RemoteError {
	if iq == nil || iq.Error == nil {
		return &RemoteError{}
	}
	return &RemoteError{Code: iq.Error.CodeValue(), Text: strings.TrimSpace(iq.Error.Text)}
}
