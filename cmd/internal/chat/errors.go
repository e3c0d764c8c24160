package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for deciding how a failure is surfaced).
var (
	// ErrTransport: a subscription failed or dropped. Retried with backoff.
	ErrTransport = errors.New("transport")
	// ErrWrite: the store rejected a write. The message is failed and can be retried.
	ErrWrite = errors.New("write")
	// ErrAuthorization: a guarded update affected zero rows.
	ErrAuthorization = errors.New("authorization")
	// ErrDecryption: a ciphertext failed authentication.
	ErrDecryption = errors.New("decryption")
	// ErrValidation: the request can never succeed as given.
	ErrValidation = errors.New("validation")
)

// Causes carried in OpError.Err.
var (
	ErrNoConversation    = errors.New("no open conversation")
	ErrSendTimeout       = errors.New("send timed out")
	ErrUnknownMessage    = errors.New("unknown message")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrSessionClosed     = errors.New("session closed")
	ErrUploadLost        = errors.New("attachment source lost")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
//   - Kind is one of the sentinel kinds above.
//   - Msg is human-readable context; never plaintext message content.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind error, msg string, err error) error {
	return &OpError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// IsTransport reports whether err represents ErrTransport.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsWrite reports whether err represents ErrWrite.
func IsWrite(err error) bool { return errors.Is(err, ErrWrite) }

// IsAuthorization reports whether err represents ErrAuthorization.
func IsAuthorization(err error) bool { return errors.Is(err, ErrAuthorization) }

// IsDecryption reports whether err represents ErrDecryption.
func IsDecryption(err error) bool { return errors.Is(err, ErrDecryption) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
