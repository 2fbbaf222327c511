package pipeline

import (
	"context"
	"time"

	"tidewater/event"
	"tidewater/internal/telemetry"
)

// Batcher sits between sources and sinks. With batching enabled it folds
// events into batch events, flushed when Count members are collected or
// Timeout has passed since the first member arrived. Otherwise it passes
// events straight through. Every outgoing event goes to emit.
type Batcher struct {
	Count   int
	Timeout time.Duration

	m *telemetry.Metrics
}

type emitFn func(ctx context.Context, ev event.Event) error

func (b *Batcher) enabled() bool { return b.Count > 1 || b.Timeout > 0 }

// Run consumes in until it is closed (flushing what is pending) or ctx ends.
func (b *Batcher) Run(ctx context.Context, in <-chan event.Event, emit emitFn) {
	if !b.enabled() {
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				if emit(ctx, ev) != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}

	var (
		pending []event.Event
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	flush := func() bool {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return true
		}
		batch := event.NewBatch(nil, pending...)
		b.m.Batch(len(pending))
		pending = pending[:0]
		return emit(ctx, batch) == nil
	}

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				flush()
				return
			}
			pending = append(pending, ev)
			if b.Count > 0 && len(pending) >= b.Count {
				if !flush() {
					return
				}
				continue
			}
			if b.Timeout > 0 && timer == nil {
				timer = time.NewTimer(b.Timeout)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			if !flush() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
