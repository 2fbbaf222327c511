package kafka

import (
	"context"
	"sync"
	"time"
)

// window tracks records in pull order. Resolving a record folds it into its
// predecessor; resolving the oldest one advances the checkpoint. Resolution
// may happen in any order.
type window[T any] struct {
	cpPos      int64
	cpPay      *T
	start, end *entry[T]
}

type entry[T any] struct {
	pos        int64
	payload    T
	prev, next *entry[T]
}

func (w *window[T]) track(p T, size int64) func() *T {
	e := &entry[T]{payload: p, pos: size}
	if w.start == nil {
		w.start = e
	}
	if w.end != nil {
		e.prev = w.end
		e.pos += w.end.pos
		w.end.next = e
	} else {
		e.pos += w.cpPos
	}
	w.end = e

	return func() *T {
		if e.prev != nil {
			e.prev.pos = e.pos
			e.prev.payload = e.payload
			e.prev.next = e.next
		} else {
			pay := e.payload
			w.cpPay, w.cpPos = &pay, e.pos
			w.start = e.next
		}
		if e.next != nil {
			e.next.prev = e.prev
		} else {
			w.end = e.prev
		}
		return w.cpPay
	}
}

func (w *window[T]) pending() int64 {
	if w.end == nil {
		return 0
	}
	return w.end.pos - w.cpPos
}

// Checkpointer bounds the window to capacity records and decides when an
// offset commit is due.
type Checkpointer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	w        window[T]
	capacity int64

	commitEvery time.Duration
	lastCommit  time.Time
}

func NewCheckpointer[T any](capacity int64, commitEvery time.Duration) *Checkpointer[T] {
	c := &Checkpointer[T]{capacity: capacity, commitEvery: commitEvery}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Track adds a record, blocking while the window is full. The returned
// resolve func reports the newest checkpoint and whether a commit is due.
func (c *Checkpointer[T]) Track(ctx context.Context, payload T) (resolve func() (*T, bool), err error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for p := c.w.pending(); p > 0 && p+1 > c.capacity; p = c.w.pending() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := c.w.track(payload, 1)
	var once sync.Once
	return func() (*T, bool) {
		var (
			cp  *T
			due bool
		)
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			cp = res()
			if now := time.Now(); now.Sub(c.lastCommit) >= c.commitEvery {
				c.lastCommit = now
				due = true
			}
			c.cond.Broadcast()
		})
		return cp, due
	}, nil
}

func (c *Checkpointer[T]) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.pending()
}
