package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the client and decides whether it is
// fatal to the connection.
type ErrorKind int

const (
	KindAuthentication ErrorKind = iota + 1
	KindAuthorization
	KindNotFound
	KindRateLimit
	KindProtocol
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindProtocol:
		return "protocol"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Fatal reports whether the connection is closed after the error frame.
func (k ErrorKind) Fatal() bool {
	return k == KindAuthentication
}

// Error is a message-scoped failure reported to the client as one error frame.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

var (
	errInvalidFormat         = newError(KindProtocol, "Invalid message format", nil)
	errAuthRequired          = newError(KindProtocol, "Authentication required", nil)
	errAlreadyAuthenticated  = newError(KindProtocol, "Already authenticated", nil)
	errTokenRequired         = newError(KindAuthentication, "Authentication token is required", nil)
	errRateLimited           = newError(KindRateLimit, "Rate limit exceeded. Please slow down.", nil)
	errContainerIDRequired   = newError(KindProtocol, "Container ID is required", nil)
	errContainerNotFound     = newError(KindNotFound, "Container not found", nil)
	errTerminalAlreadyOpen   = newError(KindProtocol, "Terminal session already open", nil)
	errAuthenticationTimeout = newError(KindAuthentication, "Authentication timeout", nil)
)

func authenticationFailed(cause error) *Error {
	return newError(KindAuthentication, "Authentication failed: Invalid or expired token", cause)
}

func unknownMessageType(t MessageType) *Error {
	return newError(KindProtocol, fmt.Sprintf("Unknown message type: %s", t), nil)
}

func upstreamError(message string, cause error) *Error {
	return newError(KindUpstream, message, cause)
}

// asError converts any handler error into a client-facing Error. Unclassified
// errors are reported as upstream failures without leaking their text.
func asError(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return upstreamError("Internal server error", err)
}
