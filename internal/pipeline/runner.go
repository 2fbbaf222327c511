package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tidewater/event"
	"tidewater/internal/contraflow"
	"tidewater/internal/logging"
	"tidewater/internal/telemetry"
	"tidewater/sink"
	"tidewater/source"
)

type Options struct {
	AckMode         contraflow.AckMode
	BatchCount      int
	BatchTimeout    time.Duration
	QueueLen        int
	MailboxLen      int
	GracefulTimeout time.Duration
}

// Runner wires sources, the batching stage and sinks together and owns
// their goroutines.
type Runner struct {
	opts Options
	cf   *contraflow.Engine
	m    *telemetry.Metrics

	sources []*SourceManager
	sinks   []*SinkManager
	batcher *Batcher
	onPort  PortHandler

	fwd         chan event.Event
	batcherDone chan struct{}
	shutdownReq chan source.ShutdownMode
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	stopOnce    sync.Once
	stopErr     error
}

func NewRunner(opts Options, m *telemetry.Metrics) *Runner {
	if opts.QueueLen <= 0 {
		opts.QueueLen = 256
	}
	if opts.MailboxLen <= 0 {
		opts.MailboxLen = 1024
	}
	return &Runner{
		opts:        opts,
		cf:          contraflow.New(opts.AckMode),
		m:           m,
		batcher:     &Batcher{Count: opts.BatchCount, Timeout: opts.BatchTimeout, m: m},
		fwd:         make(chan event.Event, opts.QueueLen),
		batcherDone: make(chan struct{}),
		shutdownReq: make(chan source.ShutdownMode, 1),
	}
}

// AddSource registers a source; ids are assigned in registration order
// starting at 0.
func (r *Runner) AddSource(alias string, s source.Source) *SourceManager {
	sm := newSourceManager(alias, uint64(len(r.sources)), s, r.opts.MailboxLen, r.m)
	sm.coalesce = r.opts.AckMode == contraflow.AckMax
	sm.sc.Coalesced = sm.coalesce
	sm.sc.Shutdown = r.requestShutdown
	r.cf.Register(sm.uid, sm.mailbox)
	r.sources = append(r.sources, sm)
	return sm
}

func (r *Runner) AddSink(alias string, s sink.Sink) *SinkManager {
	sm := newSinkManager(alias, s, r.cf, r.opts.QueueLen, r.m, r.portEvent)
	r.sinks = append(r.sinks, sm)
	return sm
}

// OnPortEvent installs a handler for out/err port events. Call before Start.
func (r *Runner) OnPortEvent(fn PortHandler) { r.onPort = fn }

func (r *Runner) portEvent(alias, port string, ev event.Event) {
	if r.onPort != nil {
		r.onPort(alias, port, ev)
	}
}

func (r *Runner) requestShutdown(mode source.ShutdownMode) {
	select {
	case r.shutdownReq <- mode:
	default:
	}
}

// ShutdownRequested yields the mode a source asked the process to stop with.
func (r *Runner) ShutdownRequested() <-chan source.ShutdownMode { return r.shutdownReq }

// Start connects the sinks and launches every stage. A Connect error aborts
// startup before anything runs.
func (r *Runner) Start(ctx context.Context) error {
	if len(r.sources) == 0 {
		return errors.New("runner: no source configured")
	}
	if len(r.sinks) == 0 {
		return errors.New("runner: no sink configured")
	}
	for _, sm := range r.sinks {
		if c, ok := sm.snk.(sink.Connector); ok {
			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("sink %s: connect: %w", sm.alias, err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.started = true

	for _, sm := range r.sinks {
		r.wg.Add(1)
		go func(sm *SinkManager) {
			defer r.wg.Done()
			sm.Run(runCtx)
		}(sm)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.batcherDone)
		r.batcher.Run(runCtx, r.fwd, r.fanOut)
	}()
	for _, sm := range r.sources {
		r.wg.Add(1)
		go func(sm *SourceManager) {
			defer r.wg.Done()
			sm.Run(runCtx, r.fwd)
		}(sm)
	}
	logging.L().Info("pipeline started", "sources", len(r.sources), "sinks", len(r.sinks), "ack_mode", r.opts.AckMode.String())
	return nil
}

func (r *Runner) fanOut(ctx context.Context, ev event.Event) error {
	for _, sm := range r.sinks {
		if err := sm.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the pipeline down. Graceful stops pulling, flushes the batching
// stage, lets sinks drain and sources settle outstanding units until
// GracefulTimeout (or ctx) runs out, then escalates to forced. Forced
// cancels everything at once. Connectors are closed even when Start never
// ran or failed. Stop is idempotent.
func (r *Runner) Stop(ctx context.Context, mode source.ShutdownMode) error {
	r.stopOnce.Do(func() { r.stopErr = r.stop(ctx, mode) })
	return r.stopErr
}

func (r *Runner) stop(ctx context.Context, mode source.ShutdownMode) error {
	log := logging.L().With("mode", mode.String())
	if r.started {
		log.Info("pipeline stopping")
		if mode == source.ShutdownGraceful {
			dctx := ctx
			if r.opts.GracefulTimeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(ctx, r.opts.GracefulTimeout)
				defer cancel()
			}
			if !r.drain(dctx) {
				log.Warn("graceful drain incomplete, forcing")
			}
		}
		r.cancel()
		r.wg.Wait()
	}

	var errs []error
	for _, sm := range r.sources {
		r.cf.Unregister(sm.uid)
		if c, ok := sm.src.(source.Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("source %s: %w", sm.alias, err))
			}
		}
	}
	for _, sm := range r.sinks {
		if c, ok := sm.snk.(sink.Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("sink %s: %w", sm.alias, err))
			}
		}
	}
	log.Info("pipeline stopped")
	return errors.Join(errs...)
}

// drain reports whether every stage finished before ctx ended. Channels are
// only closed once their producers are known to be idle.
func (r *Runner) drain(ctx context.Context) bool {
	for _, sm := range r.sources {
		sm.StopPulling()
	}
	for _, sm := range r.sources {
		if !waitCh(ctx, sm.Stopped()) {
			return false
		}
	}
	close(r.fwd)
	if !waitCh(ctx, r.batcherDone) {
		return false
	}
	for _, sm := range r.sinks {
		close(sm.in)
	}
	for _, sm := range r.sinks {
		if !waitCh(ctx, sm.Done()) {
			return false
		}
	}

	// sinks are done; let sources apply what is still in their mailboxes
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		settled := true
		for _, sm := range r.sources {
			if sm.inFlightN.Load() > 0 || len(sm.mailbox) > 0 {
				settled = false
				break
			}
		}
		if settled {
			return true
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return false
		}
	}
}

func waitCh(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

type Status struct {
	Sources []SourceStatus `json:"sources"`
	Sinks   []SinkStatus   `json:"sinks"`
}

func (r *Runner) Status() Status {
	var st Status
	for _, sm := range r.sources {
		st.Sources = append(st.Sources, sm.Status())
	}
	for _, sm := range r.sinks {
		st.Sinks = append(st.Sinks, sm.Status())
	}
	return st
}

// Source returns the manager registered under alias.
func (r *Runner) Source(alias string) (*SourceManager, bool) {
	for _, sm := range r.sources {
		if sm.alias == alias {
			return sm, true
		}
	}
	return nil, false
}
