package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"

	"tidewater/event"
	"tidewater/internal/contraflow"
	"tidewater/internal/logging"
	"tidewater/internal/telemetry"
	"tidewater/sink"
)

// PortHandler observes events sinks publish on their out/err ports.
type PortHandler func(sinkAlias, port string, ev event.Event)

// SinkManager feeds one sink from its queue and routes every reply into the
// contraflow engine before taking the next event.
type SinkManager struct {
	alias string
	snk   sink.Sink
	sc    *sink.Context
	cf    *contraflow.Engine
	log   *slog.Logger
	m     *telemetry.Metrics

	in   chan event.Event
	done chan struct{}

	events, acks, fails, errs atomic.Uint64
}

func newSinkManager(alias string, snk sink.Sink, cf *contraflow.Engine, queueLen int, m *telemetry.Metrics, onPort PortHandler) *SinkManager {
	sm := &SinkManager{
		alias: alias,
		snk:   snk,
		cf:    cf,
		log:   logging.Connector("sink", alias),
		m:     m,
		in:    make(chan event.Event, queueLen),
		done:  make(chan struct{}),
	}
	sm.sc = &sink.Context{Alias: alias, Emit: func(port string, ev event.Event) {
		m.Ported(alias, port)
		if onPort != nil {
			onPort(alias, port, ev)
		}
	}}
	return sm
}

func (sm *SinkManager) Alias() string         { return sm.alias }
func (sm *SinkManager) Done() <-chan struct{} { return sm.done }

// Send enqueues ev, blocking while the queue is full.
func (sm *SinkManager) Send(ctx context.Context, ev event.Event) error {
	select {
	case sm.in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued events until the queue is closed and drained or ctx
// ends.
func (sm *SinkManager) Run(ctx context.Context) {
	defer close(sm.done)
	for {
		select {
		case ev, ok := <-sm.in:
			if !ok {
				return
			}
			sm.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (sm *SinkManager) handle(ctx context.Context, ev event.Event) {
	sm.events.Add(1)
	sm.m.Event(sm.alias)

	reply, err := sm.snk.OnEvent(ctx, sink.PortIn, ev, sm.sc)
	if err != nil {
		sm.errs.Add(1)
		sm.m.SinkError(sm.alias)
		sm.log.Warn("sink failed to deliver event", "id", ev.ID.String(), "err", err)
		reply = event.Reply{Ack: event.Fail}
		sm.sc.EmitTo(sink.PortErr, errorEvent(ev, err))
	}
	if reply.Ack == event.AckNone && sm.snk.AutoAck() {
		reply.Ack = event.Ack
	}

	switch reply.Ack {
	case event.Ack:
		sm.acks.Add(1)
	case event.Fail:
		sm.fails.Add(1)
	}
	sm.m.Reply(sm.alias, reply.Ack.String(), ev.IngestNS)

	if !ev.Transactional {
		reply.Ack = event.AckNone
	}
	if err := sm.cf.Deliver(ctx, ev.ID, reply); err != nil {
		sm.log.Debug("contraflow delivery abandoned", "id", ev.ID.String(), "err", err)
	}
}

func errorEvent(ev event.Event, err error) event.Event {
	meta := make(map[string]any, len(ev.Data.Meta)+1)
	maps.Copy(meta, ev.Data.Meta)
	meta["error"] = err.Error()
	return event.Event{
		ID:       ev.ID,
		Data:     event.Data{Value: ev.Data.Value, Meta: meta},
		IsBatch:  ev.IsBatch,
		IngestNS: ev.IngestNS,
	}
}

type SinkStatus struct {
	Alias  string `json:"alias"`
	Events uint64 `json:"events"`
	Acks   uint64 `json:"acks"`
	Fails  uint64 `json:"fails"`
	Errors uint64 `json:"errors"`
	Queued int    `json:"queued"`
}

func (sm *SinkManager) Status() SinkStatus {
	return SinkStatus{
		Alias:  sm.alias,
		Events: sm.events.Load(),
		Acks:   sm.acks.Load(),
		Fails:  sm.fails.Load(),
		Errors: sm.errs.Load(),
		Queued: len(sm.in),
	}
}
