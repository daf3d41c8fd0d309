package connect

import (
	"errors"
	"fmt"
)

// an error can be checked against these using errors.Is(err, ErrX)

var (
	// malformed operation, rejected before dispatch and never retried
	ErrInvalidOperation = errors.New("invalid operation")
	// the session lacks the required credential, or the backend rejected it
	ErrUnauthorized = errors.New("unauthorized")
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrCredentialExpired = errors.New("credential expired")
	ErrInvalidCredential = errors.New("invalid credential")
)

var (
	ErrClosed = errors.New("closed")
)


// network or protocol failure on the request/response path.
// the caller decides whether to retry using `Retryable`
type TransportError struct {
	Retryable bool
	// 0 when the exchange never produced a response
	StatusCode int
	// graphql error extension code, if any
	Code    string
	Message string
	Cause   error
}

func (self *TransportError) Error() string {
	var detail string
	switch {
	case self.Code != "":
		detail = fmt.Sprintf("%s (%s)", self.Message, self.Code)
	case self.StatusCode != 0:
		detail = fmt.Sprintf("%s (status %d)", self.Message, self.StatusCode)
	default:
		detail = self.Message
	}
	if self.Cause != nil {
		return fmt.Sprintf("transport error: %s: %s", detail, self.Cause)
	}
	return fmt.Sprintf("transport error: %s", detail)
}

func (self *TransportError) Unwrap() error {
	return self.Cause
}


// a stream error is either transient (the connection is being re-established)
// or fatal (the subscription was terminated and auto-cancelled)
type StreamError struct {
	Fatal bool
	Cause error
}

func (self *StreamError) Error() string {
	if self.Fatal {
		return fmt.Sprintf("stream fatal: %s", self.Cause)
	}
	return fmt.Sprintf("stream interrupted: %s", self.Cause)
}

func (self *StreamError) Unwrap() error {
	return self.Cause
}


func IsRetryable(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Retryable
	}
	return false
}

func IsStreamInterrupted(err error) bool {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return !streamErr.Fatal
	}
	return false
}

func IsStreamFatal(err error) bool {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Fatal
	}
	return false
}

var (
	// the identity provider accepted the account but will not issue a session
	// until the email address is verified
	ErrEmailVerificationRequired = errors.New("email verification required")
)
