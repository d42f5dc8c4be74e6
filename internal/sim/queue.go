package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// OverflowPolicy decides what Enqueue does on a full queue.
type OverflowPolicy int

const (
	// Reject fails the enqueue with ErrQueueFull. It never suspends.
	Reject OverflowPolicy = iota
	// Block suspends the producer until space frees, the consumer goes
	// away, or the producer's context ends.
	Block
)

func (p OverflowPolicy) String() string {
	if p == Block {
		return "block"
	}
	return "reject"
}

// ParseOverflowPolicy accepts "reject" or "block".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "reject", "":
		return Reject, nil
	case "block":
		return Block, nil
	}
	return Reject, fmt.Errorf("unknown overflow policy %q", s)
}

// DefaultQueueCapacity is the intake capacity used by the server.
const DefaultQueueCapacity = 1000

// Queue is the bounded FIFO between transport producers and the loop.
// Any number of goroutines may Enqueue; only the loop dequeues.
type Queue struct {
	ch       chan Instruction
	done     chan struct{}
	once     sync.Once
	policy   OverflowPolicy
	rejected atomic.Uint64
}

// NewQueue creates a queue holding up to capacity instructions.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan Instruction, capacity),
		done:   make(chan struct{}),
		policy: policy,
	}
}

// Enqueue stages ins for the loop. It returns ErrClosed once the consumer
// is gone and, under Reject, ErrQueueFull when at capacity. Under Block it
// returns ctx.Err() if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, ins Instruction) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	if q.policy == Block {
		select {
		case q.ch <- ins:
			return nil
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case q.ch <- ins:
		return nil
	default:
		q.rejected.Add(1)
		return ErrQueueFull
	}
}

// TryDequeue pops the oldest instruction without waiting.
func (q *Queue) TryDequeue() (Instruction, bool) {
	select {
	case ins := <-q.ch:
		return ins, true
	default:
		return 0, false
	}
}

// Close marks the consumer as gone. Pending instructions are discarded
// and later enqueues fail with ErrClosed.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Len reports queued instructions.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Policy reports the overflow policy.
func (q *Queue) Policy() OverflowPolicy { return q.policy }

// Rejected reports how many enqueues failed with ErrQueueFull.
func (q *Queue) Rejected() uint64 { return q.rejected.Load() }
