package transport

import (
	"errors"
	"fmt"
)

// Cause classifies why a connection attempt or an established session failed.
type Cause string

const (
	// CauseAuth indicates the endpoint rejected the credential
	CauseAuth Cause = "auth"
	// CauseNetwork indicates the endpoint was unreachable or the link dropped
	CauseNetwork Cause = "network"
	// CauseProtocol indicates the peer spoke something we could not negotiate
	CauseProtocol Cause = "protocol"
)

// AuthError is returned when the handshake is rejected for credential reasons.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication rejected (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authentication rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError wraps dial failures, resets and unexpected closes.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError covers malformed frames, unexpected handshake replies and unsupported schemes.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Classify maps any error to a Cause. Unknown errors count as network failures.
func Classify(err error) Cause {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return CauseAuth
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return CauseProtocol
	}
	return CauseNetwork
}

// IsRetryable reports whether a failure of this kind may succeed on a later attempt.
func IsRetryable(err error) bool {
	return Classify(err) != CauseAuth
}

// wrapNetwork tags err as a NetworkError unless it already carries a cause.
func wrapNetwork(op string, err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	var protoErr *ProtocolError
	var netErr *NetworkError
	if errors.As(err, &authErr) || errors.As(err, &protoErr) || errors.As(err, &netErr) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}
