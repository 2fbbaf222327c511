// Package breaker gates a source's pulls. Sinks close it when they cannot
// take more events and open it again once they recover.
package breaker

import (
	"context"
	"sync"
)

type State uint8

const (
	Closed State = iota // pulls allowed
	Open                // pulls suspended
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Breaker is safe for concurrent use. Waiters are woken on every transition.
type Breaker struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
	trips   uint64
}

func New() *Breaker {
	return &Breaker{changed: make(chan struct{})}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Allowed() bool { return b.State() == Closed }

// Trip suspends pulling. It reports whether the state changed.
func (b *Breaker) Trip() bool { return b.set(Open) }

// Restore resumes pulling. It reports whether the state changed.
func (b *Breaker) Restore() bool { return b.set(Closed) }

func (b *Breaker) set(s State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == s {
		return false
	}
	b.state = s
	if s == Open {
		b.trips++
	}
	close(b.changed)
	b.changed = make(chan struct{})
	return true
}

// Changed returns a channel closed on the next transition.
func (b *Breaker) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// Trips counts Closed→Open transitions.
func (b *Breaker) Trips() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Wait blocks until pulls are allowed or ctx is done.
func (b *Breaker) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.state == Closed {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
