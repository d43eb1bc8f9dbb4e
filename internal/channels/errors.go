package channels

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelNotActive   = errors.New("channel is not active")
	ErrUnknownProvider    = errors.New("unknown channel provider")
	ErrPairingUnsupported = errors.New("channel provider does not pair with a QR code")
	ErrAuthRequired       = errors.New("channel is not authenticated")
	ErrQRTimeout          = errors.New("timed out waiting for pairing code")
	ErrShuttingDown       = errors.New("channel runtime is shutting down")
)

// TransientError marks session-lock or busy conditions that a restart may clear.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
