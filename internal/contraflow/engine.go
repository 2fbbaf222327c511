// Package contraflow routes sink replies back to the sources that produced
// the events. Each source owns a mailbox; the engine only enqueues.
package contraflow

import (
	"context"
	"fmt"
	"sync"

	"tidewater/event"
	"tidewater/internal/logging"
)

type AckMode uint8

const (
	// AckEach sends one callback per tracked pull.
	AckEach AckMode = iota
	// AckMax sends one callback per (source, stream) with the highest pull id.
	AckMax
)

func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "", "each":
		return AckEach, nil
	case "max":
		return AckMax, nil
	}
	return AckEach, fmt.Errorf("contraflow: unknown ack mode %q", s)
}

func (m AckMode) String() string {
	if m == AckMax {
		return "max"
	}
	return "each"
}

type Mailbox chan<- event.Signal

type Engine struct {
	mode AckMode

	mu    sync.RWMutex
	boxes map[uint64]Mailbox
}

func New(mode AckMode) *Engine {
	return &Engine{mode: mode, boxes: map[uint64]Mailbox{}}
}

func (e *Engine) Mode() AckMode { return e.mode }

func (e *Engine) Register(sourceID uint64, mb Mailbox) {
	e.mu.Lock()
	e.boxes[sourceID] = mb
	e.mu.Unlock()
}

func (e *Engine) Unregister(sourceID uint64) {
	e.mu.Lock()
	delete(e.boxes, sourceID)
	e.mu.Unlock()
}

// Plan expands a reply into per-source signals without delivering them.
// Ack/Fail come first, in stream then pull order, followed by CB signals.
func (e *Engine) Plan(id event.ID, r event.Reply) map[uint64][]event.Signal {
	out := map[uint64][]event.Signal{}

	var kind event.SignalKind
	switch r.Ack {
	case event.Ack:
		kind = event.SignalAck
	case event.Fail:
		kind = event.SignalFail
	}
	if kind != 0 {
		ts := id.Triples()
		for i, t := range ts {
			if e.mode == AckMax && i+1 < len(ts) &&
				ts[i+1].SourceID == t.SourceID && ts[i+1].StreamID == t.StreamID {
				continue
			}
			out[t.SourceID] = append(out[t.SourceID], event.Signal{Kind: kind, StreamID: t.StreamID, PullID: t.PullID})
		}
	}

	var cb event.SignalKind
	switch r.CB {
	case event.CbClose:
		cb = event.SignalCbClose
	case event.CbOpen:
		cb = event.SignalCbOpen
	}
	if cb != 0 {
		for _, src := range id.Sources() {
			out[src] = append(out[src], event.Signal{Kind: cb})
		}
	}
	return out
}

// Deliver enqueues the signals for id/r into the registered mailboxes.
// It blocks while a mailbox is full so per-source order is kept; ctx bounds
// the wait. Signals for unregistered sources are dropped.
func (e *Engine) Deliver(ctx context.Context, id event.ID, r event.Reply) error {
	if r.IsNone() || id.Empty() {
		return nil
	}
	plan := e.Plan(id, r)
	for _, src := range id.Sources() {
		sigs := plan[src]
		if len(sigs) == 0 {
			continue
		}
		e.mu.RLock()
		mb, ok := e.boxes[src]
		e.mu.RUnlock()
		if !ok {
			logging.L().Debug("contraflow: no mailbox", "source", src, "signals", len(sigs))
			continue
		}
		for _, s := range sigs {
			select {
			case mb <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
