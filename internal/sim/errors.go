package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed reports that the other side of a channel is gone: the hub
	// has no producer left, or the queue has no consumer left.
	ErrClosed = errors.New("channel closed")
	// ErrQueueFull reports a rejected enqueue under the Reject policy.
	ErrQueueFull = errors.New("instruction queue full")
	// ErrNotImplemented reports an instruction outside the supported set.
	ErrNotImplemented = errors.New("instruction not implemented")
	// ErrMalformedInstruction reports a payload that does not decode to an
	// instruction.
	ErrMalformedInstruction = errors.New("malformed instruction")
	// ErrNoSubscribers stops a loop configured to end once unobserved.
	ErrNoSubscribers = errors.New("no subscribers remain")
	// ErrAlreadyStarted is returned by a second Run on the same loop.
	ErrAlreadyStarted = errors.New("loop already started")
)

// LaggedError reports that a subscriber fell behind the hub's retained
// history. The subscription has already skipped ahead to the oldest
// retained update.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, skipped %d updates", e.Skipped)
}
