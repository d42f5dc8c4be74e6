package sim

import (
	"context"
	"sync"
)

// DefaultRetention is how many updates the hub keeps for slow subscribers.
const DefaultRetention = 16

// Hub fans updates from the loop out to any number of subscribers. It keeps
// the last K updates in a ring; Publish never waits on subscribers.
type Hub struct {
	mu      sync.Mutex
	ring    []SimulationUpdate
	head    uint64 // sequence number of the next publish
	closed  bool
	notify  chan struct{}
	subs    int
	passive int
}

// NewHub creates a hub retaining the last retention updates.
func NewHub(retention int) *Hub {
	if retention < 1 {
		retention = 1
	}
	return &Hub{
		ring:   make([]SimulationUpdate, retention),
		notify: make(chan struct{}),
	}
}

// Publish stores u and wakes waiting subscribers. It returns how many
// active subscribers were attached; passive ones are not counted. Publishing a terminal update closes the
// producer side; any later Publish returns ErrClosed.
func (h *Hub) Publish(u SimulationUpdate) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	h.ring[h.head%uint64(len(h.ring))] = u
	h.head++
	if u.Terminal {
		h.closed = true
	}
	close(h.notify)
	h.notify = make(chan struct{})
	return h.subs, nil
}

// Close shuts the producer side without a terminal update. Subscribers
// drain what is retained and then see ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
	h.notify = make(chan struct{})
}

// Subscribe attaches a subscriber that sees only updates published after
// this call. It returns ErrClosed once the producer side is closed.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs++
	return &Subscription{hub: h, next: h.head}, nil
}

// SubscribePassive attaches a subscriber that receives updates like any
// other but does not count as an observer, so it never keeps a run alive
// that would otherwise stop when unobserved.
func (h *Hub) SubscribePassive() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.passive++
	return &Subscription{hub: h, next: h.head, passive: true}, nil
}

// Subscribers reports attached active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs
}

// Published reports how many updates have been published.
func (h *Hub) Published() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}

// Closed reports whether the producer side is closed.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Subscription is one consumer's cursor into the hub. It must not be
// shared between goroutines.
type Subscription struct {
	hub      *Hub
	next     uint64
	detached bool
	passive  bool
}

// Recv returns the next update in publish order. If the subscriber fell
// more than the retention window behind, Recv returns a *LaggedError once
// and resumes from the oldest retained update on the following call.
// After the producer closes and the backlog is drained it returns ErrClosed.
func (s *Subscription) Recv(ctx context.Context) (SimulationUpdate, error) {
	h := s.hub
	for {
		h.mu.Lock()
		if s.detached {
			h.mu.Unlock()
			return SimulationUpdate{}, ErrClosed
		}
		var oldest uint64
		if k := uint64(len(h.ring)); h.head > k {
			oldest = h.head - k
		}
		if s.next < oldest {
			skipped := oldest - s.next
			s.next = oldest
			h.mu.Unlock()
			return SimulationUpdate{}, &LaggedError{Skipped: skipped}
		}
		if s.next < h.head {
			u := h.ring[s.next%uint64(len(h.ring))]
			s.next++
			h.mu.Unlock()
			return u, nil
		}
		if h.closed {
			h.mu.Unlock()
			return SimulationUpdate{}, ErrClosed
		}
		wait := h.notify
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return SimulationUpdate{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	if s.passive {
		h.passive--
		return
	}
	h.subs--
}
