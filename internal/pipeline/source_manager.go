package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tidewater/event"
	"tidewater/internal/breaker"
	"tidewater/internal/logging"
	"tidewater/internal/telemetry"
	"tidewater/source"
)

const defaultPullBackoff = 100 * time.Millisecond

type inFlightKey struct{ stream, pull uint64 }

// SourceManager drives one source from a single goroutine: it pulls, turns
// Data replies into events and applies contraflow signals from its mailbox.
// Every call into the source happens on that goroutine.
type SourceManager struct {
	alias string
	uid   uint64
	src   source.Source
	sc    *source.Context
	log   *slog.Logger
	m     *telemetry.Metrics

	mailbox  chan event.Signal
	breaker  *breaker.Breaker
	coalesce bool // acks carry the highest pull id of a stream
	backoff  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{} // closed once nothing more is forwarded
	done     chan struct{}

	// owned by the Run goroutine
	nextPull uint64
	inFlight map[inFlightKey]struct{}
	finished bool
	pulling  bool

	pulls, acks, fails, opens, closes atomic.Uint64
	inFlightN                         atomic.Int64
	isFinished                        atomic.Bool
}

func newSourceManager(alias string, uid uint64, src source.Source, mailboxLen int, m *telemetry.Metrics) *SourceManager {
	if mailboxLen <= 0 {
		mailboxLen = 1
	}
	return &SourceManager{
		alias:    alias,
		uid:      uid,
		src:      src,
		sc:       &source.Context{Alias: alias, UID: uid, Shutdown: func(source.ShutdownMode) {}},
		log:      logging.Connector("source", alias).With("uid", uid),
		m:        m,
		mailbox:  make(chan event.Signal, mailboxLen),
		breaker:  breaker.New(),
		backoff:  defaultPullBackoff,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		nextPull: 1,
		inFlight: map[inFlightKey]struct{}{},
		pulling:  true,
	}
}

func (m *SourceManager) Alias() string { return m.alias }
func (m *SourceManager) UID() uint64   { return m.uid }

// Mailbox is the channel the contraflow engine delivers into.
func (m *SourceManager) Mailbox() chan<- event.Signal { return m.mailbox }

// StopPulling asks the manager to stop producing. Signals are still applied
// until Run's context ends.
func (m *SourceManager) StopPulling() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Stopped is closed once the manager no longer forwards events.
func (m *SourceManager) Stopped() <-chan struct{} { return m.stopped }
func (m *SourceManager) Done() <-chan struct{}    { return m.done }

func (m *SourceManager) Run(ctx context.Context, fwd chan<- event.Event) {
	defer close(m.done)
	defer m.haltPulling()

	m.log.Info("source started", "transactional", m.src.IsTransactional(), "asynchronous", m.src.Asynchronous())
	for {
		if m.pulling && m.stopRequested() {
			m.haltPulling()
		}
		if !m.pulling || m.finished || !m.canPull() {
			select {
			case s := <-m.mailbox:
				m.apply(ctx, s)
			case <-m.stopCh():
			case <-ctx.Done():
				return
			}
			continue
		}

		m.drainMailbox(ctx)
		if !m.canPull() {
			continue
		}

		r, err := m.src.PullData(ctx, m.nextPull, m.sc)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.m.PullError(m.alias)
			m.log.Warn("pull failed", "pull_id", m.nextPull, "err", err)
			if !m.wait(ctx, m.backoff) {
				return
			}
			continue
		}
		m.m.Pull(m.alias, r.Kind.String())

		switch r.Kind {
		case source.KindData:
			ev := m.toEvent(r)
			m.pulls.Add(1)
			if ev.Transactional {
				m.inFlight[inFlightKey{r.StreamID, m.nextPull}] = struct{}{}
				m.syncInFlight()
			}
			m.nextPull++
			if !m.send(ctx, fwd, ev) {
				return
			}
		case source.KindEndStream:
			m.log.Debug("stream ended", "stream", r.StreamID)
		case source.KindFinished:
			m.finished = true
			m.isFinished.Store(true)
			m.log.Info("source finished", "pulls", m.pulls.Load())
		case source.KindEmpty:
			if !m.wait(ctx, r.Wait) {
				return
			}
		}
	}
}

func (m *SourceManager) haltPulling() {
	if m.pulling {
		m.pulling = false
		close(m.stopped)
	}
}

func (m *SourceManager) stopRequested() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// stopCh is nil once pulling has halted so the select ignores it.
func (m *SourceManager) stopCh() <-chan struct{} {
	if m.pulling {
		return m.stop
	}
	return nil
}

func (m *SourceManager) canPull() bool {
	if !m.breaker.Allowed() {
		return false
	}
	if m.src.Asynchronous() && m.src.IsTransactional() && len(m.inFlight) > 0 {
		return false
	}
	return true
}

func (m *SourceManager) toEvent(r source.Reply) event.Event {
	var v any
	if err := json.Unmarshal(r.Bytes, &v); err != nil {
		v = string(r.Bytes)
	}
	return event.Event{
		ID:            event.NewID(m.uid, r.StreamID, m.nextPull),
		Data:          event.Data{Value: v, Meta: r.Meta},
		Transactional: m.src.IsTransactional(),
		IngestNS:      time.Now().UnixNano(),
	}
}

// send forwards ev while still servicing the mailbox, so a sink blocked on
// this source's mailbox cannot deadlock against it.
func (m *SourceManager) send(ctx context.Context, fwd chan<- event.Event, ev event.Event) bool {
	for {
		select {
		case fwd <- ev:
			return true
		case s := <-m.mailbox:
			m.apply(ctx, s)
		case <-ctx.Done():
			return false
		}
	}
}

// wait sleeps for d; any contraflow signal or a stop request ends it early.
func (m *SourceManager) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case s := <-m.mailbox:
		m.apply(ctx, s)
	case <-t.C:
	case <-m.stopCh():
	case <-ctx.Done():
		return false
	}
	return true
}

func (m *SourceManager) drainMailbox(ctx context.Context) {
	for {
		select {
		case s := <-m.mailbox:
			m.apply(ctx, s)
		default:
			return
		}
	}
}

func (m *SourceManager) apply(ctx context.Context, s event.Signal) {
	var err error
	switch s.Kind {
	case event.SignalAck:
		m.settle(s)
		m.acks.Add(1)
		err = m.src.Ack(ctx, s.StreamID, s.PullID, m.sc)
	case event.SignalFail:
		m.settle(s)
		m.fails.Add(1)
		err = m.src.Fail(ctx, s.StreamID, s.PullID, m.sc)
	case event.SignalCbClose:
		m.closes.Add(1)
		if m.breaker.Trip() {
			m.log.Info("circuit breaker open, pulls suspended")
			m.m.BreakerOpen(m.alias, true)
		}
		err = m.src.OnCbClose(ctx, m.sc)
	case event.SignalCbOpen:
		m.opens.Add(1)
		if m.breaker.Restore() {
			m.log.Info("circuit breaker closed, pulls resumed")
			m.m.BreakerOpen(m.alias, false)
		}
		err = m.src.OnCbOpen(ctx, m.sc)
	}
	m.m.Signal(m.alias, s.Kind.String())
	if err != nil {
		m.log.Warn("contraflow callback failed", "signal", s.Kind.String(), "stream", s.StreamID, "pull_id", s.PullID, "err", err)
	}
}

func (m *SourceManager) settle(s event.Signal) {
	delete(m.inFlight, inFlightKey{s.StreamID, s.PullID})
	if m.coalesce {
		for k := range m.inFlight {
			if k.stream == s.StreamID && k.pull < s.PullID {
				delete(m.inFlight, k)
			}
		}
	}
	m.syncInFlight()
}

func (m *SourceManager) syncInFlight() {
	m.inFlightN.Store(int64(len(m.inFlight)))
	m.m.InFlight(m.alias, len(m.inFlight))
}

type SourceStatus struct {
	Alias    string `json:"alias"`
	UID      uint64 `json:"uid"`
	Pulls    uint64 `json:"pulls"`
	InFlight int64  `json:"in_flight"`
	Acks     uint64 `json:"acks"`
	Fails    uint64 `json:"fails"`
	CbOpens  uint64 `json:"cb_opens"`
	CbCloses uint64 `json:"cb_closes"`
	Breaker  string `json:"breaker"`
	Finished bool   `json:"finished"`
}

func (m *SourceManager) Status() SourceStatus {
	return SourceStatus{
		Alias:    m.alias,
		UID:      m.uid,
		Pulls:    m.pulls.Load(),
		InFlight: m.inFlightN.Load(),
		Acks:     m.acks.Load(),
		Fails:    m.fails.Load(),
		CbOpens:  m.opens.Load(),
		CbCloses: m.closes.Load(),
		Breaker:  m.breaker.State().String(),
		Finished: m.isFinished.Load(),
	}
}
