package feedclient

import (
	"errors"
	"fmt"

	"murmur/cmd/internal/store"
	v1 "murmur/shared/contracts/feed/v1"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("feedclient: closed")
	// ErrDisconnected ends every request and subscription of a lost connection.
	ErrDisconnected = errors.New("feedclient: disconnected")
	// ErrOverflow ends a subscription whose handler fell too far behind.
	ErrOverflow = errors.New("feedclient: subscription queue overflow")
)

// RemoteError is an error envelope returned by the gateway.
//
// It matches the store sentinels with errors.Is, so callers handle a remote store the
// same way as a local one.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("feed %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case store.ErrInvalidInput:
		return e.Code == v1.CodeBadRequest
	case store.ErrNotFound:
		return e.Code == v1.CodeNotFound
	case store.ErrConflict:
		return e.Code == v1.CodeConflict
	case ErrDisconnected:
		return e.Code == v1.CodeUnavailable
	}
	return false
}

// IsForbidden reports whether the gateway refused err's request for the session user.
func IsForbidden(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && (re.Code == v1.CodeForbidden || re.Code == v1.CodeUnauthorized)
}
