package chat

import (
	"fmt"

	v1 "murmur/shared/contracts/feed/v1"
)

// Status is the delivery state of one message.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return v1.StatusSending
	case StatusSent:
		return v1.StatusSent
	case StatusDelivered:
		return v1.StatusDelivered
	case StatusRead:
		return v1.StatusRead
	case StatusFailed:
		return v1.StatusFailed
	default:
		return "unknown"
	}
}

// ParseStatus maps a wire status to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case v1.StatusSending:
		return StatusSending, nil
	case v1.StatusSent:
		return StatusSent, nil
	case v1.StatusDelivered:
		return StatusDelivered, nil
	case v1.StatusRead:
		return StatusRead, nil
	case v1.StatusFailed:
		return StatusFailed, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown status %q", s)
	}
}

// transitions is the complete table of legal local transitions.
var transitions = map[Status][]Status{
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {StatusRead},
	StatusRead:      {},
	StatusFailed:    {},
}

// CanTransition reports whether from -> to is a legal local transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns to.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, opError("chat.Transition", ErrValidation, from.String()+" -> "+to.String(), ErrIllegalTransition)
	}
	return to, nil
}

func rank(s Status) int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Merge folds an authoritative store status into the local one.
// The result never moves backwards. A failed send only leaves failed because a durable
// row for it exists, which is exactly when Merge is called with that row.
func Merge(local, remote Status) Status {
	if rank(remote) < 0 {
		return local
	}
	if local == StatusFailed || rank(remote) > rank(local) {
		return remote
	}
	return local
}
