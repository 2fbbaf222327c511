package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewater/event"
	"tidewater/internal/config"
	"tidewater/internal/contraflow"
	"tidewater/sink"
	cbsink "tidewater/sink/cb"
	"tidewater/source"
	cbsource "tidewater/source/cb"
)

/*──────── fakes ───────*/

type scriptedSource struct {
	mu      sync.Mutex
	replies []source.Reply
	errs    []error
	pulls   []uint64
	acks    []uint64
	fails   []uint64
	opens   int
	closes  int
	async   bool
	closed  bool
}

func (s *scriptedSource) PullData(_ context.Context, pullID uint64, _ *source.Context) (source.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return source.Reply{}, err
	}
	s.pulls = append(s.pulls, pullID)
	if len(s.replies) == 0 {
		return source.Data([]byte(fmt.Sprintf(`{"n":%d}`, pullID)), nil, 0), nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedSource) Ack(_ context.Context, _, p uint64, _ *source.Context) error {
	s.mu.Lock()
	s.acks = append(s.acks, p)
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Fail(_ context.Context, _, p uint64, _ *source.Context) error {
	s.mu.Lock()
	s.fails = append(s.fails, p)
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) OnCbOpen(context.Context, *source.Context) error {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) OnCbClose(context.Context, *source.Context) error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) IsTransactional() bool { return true }
func (s *scriptedSource) Asynchronous() bool    { return s.async }

func (s *scriptedSource) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) pullCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pulls)
}

type funcSink struct {
	auto bool
	fn   func(ev event.Event) (event.Reply, error)
}

func (f funcSink) OnEvent(_ context.Context, _ string, ev event.Event, _ *sink.Context) (event.Reply, error) {
	return f.fn(ev)
}
func (f funcSink) AutoAck() bool { return f.auto }

func recv(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func recvSignal(t *testing.T, ch <-chan event.Signal) event.Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return event.Signal{}
	}
}

func startManager(t *testing.T, sm *SourceManager) (chan event.Event, context.CancelFunc) {
	t.Helper()
	fwd := make(chan event.Event)
	ctx, cancel := context.WithCancel(context.Background())
	go sm.Run(ctx, fwd)
	t.Cleanup(func() {
		cancel()
		<-sm.Done()
	})
	return fwd, cancel
}

/*──────── source manager ───────*/

func TestSourceManager_PullIDsAndDecoding(t *testing.T) {
	src := &scriptedSource{replies: []source.Reply{
		source.Data([]byte(`{"a":1}`), map[string]any{"m": true}, 2),
		source.Data([]byte("not json"), nil, 0),
	}}
	sm := newSourceManager("in", 7, src, 4, nil)
	fwd, _ := startManager(t, sm)

	ev := recv(t, fwd)
	assert.True(t, ev.ID.Equal(event.NewID(7, 2, 1)))
	assert.Equal(t, map[string]any{"a": float64(1)}, ev.Data.Value)
	assert.Equal(t, map[string]any{"m": true}, ev.Data.Meta)
	assert.True(t, ev.Transactional)
	assert.NotZero(t, ev.IngestNS)

	ev = recv(t, fwd)
	assert.True(t, ev.ID.Equal(event.NewID(7, 0, 2)))
	assert.Equal(t, "not json", ev.Data.Value)
}

func TestSourceManager_BreakerGatesPulls(t *testing.T) {
	src := &scriptedSource{}
	sm := newSourceManager("in", 0, src, 4, nil)
	sm.mailbox <- event.Signal{Kind: event.SignalCbClose}
	fwd, _ := startManager(t, sm)

	select {
	case <-fwd:
		t.Fatal("pulled while breaker open")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 0, src.pullCount())
	assert.Equal(t, "open", sm.Status().Breaker)

	sm.mailbox <- event.Signal{Kind: event.SignalCbOpen}
	ev := recv(t, fwd)
	assert.True(t, ev.ID.Equal(event.NewID(0, 0, 1)))

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.closes)
	assert.Equal(t, 1, src.opens)
}

func TestSourceManager_AsynchronousKeepsOneInFlight(t *testing.T) {
	src := &scriptedSource{async: true}
	sm := newSourceManager("in", 0, src, 4, nil)
	fwd, _ := startManager(t, sm)

	first := recv(t, fwd)
	select {
	case <-fwd:
		t.Fatal("second unit pulled before the first was settled")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int64(1), sm.Status().InFlight)

	sm.mailbox <- event.Signal{Kind: event.SignalAck, PullID: 1}
	second := recv(t, fwd)
	assert.True(t, first.ID.Equal(event.NewID(0, 0, 1)))
	assert.True(t, second.ID.Equal(event.NewID(0, 0, 2)))

	src.mu.Lock()
	assert.Equal(t, []uint64{1}, src.acks)
	src.mu.Unlock()
}

func TestSourceManager_EmptyWaitCutShortBySignal(t *testing.T) {
	src := &scriptedSource{replies: []source.Reply{source.Empty(time.Hour)}}
	sm := newSourceManager("in", 0, src, 4, nil)
	fwd, _ := startManager(t, sm)

	time.Sleep(10 * time.Millisecond)
	sm.mailbox <- event.Signal{Kind: event.SignalCbOpen}
	ev := recv(t, fwd)
	assert.True(t, ev.ID.Equal(event.NewID(0, 0, 1)))
}

func TestSourceManager_PullErrorsDoNotStopTheLoop(t *testing.T) {
	src := &scriptedSource{errs: []error{errors.New("boom"), errors.New("again")}}
	sm := newSourceManager("in", 0, src, 4, nil)
	sm.backoff = time.Millisecond
	fwd, _ := startManager(t, sm)

	ev := recv(t, fwd)
	assert.True(t, ev.ID.Equal(event.NewID(0, 0, 1)), "errors must not consume pull ids")
}

func TestSourceManager_FinishedStopsPulling(t *testing.T) {
	src := &scriptedSource{replies: []source.Reply{source.EndStream(0), source.Finished()}}
	sm := newSourceManager("in", 0, src, 4, nil)
	fwd, _ := startManager(t, sm)

	require.Eventually(t, func() bool { return sm.Status().Finished }, time.Second, time.Millisecond)
	select {
	case <-fwd:
		t.Fatal("finished source produced data")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 2, src.pullCount())

	sm.mailbox <- event.Signal{Kind: event.SignalFail, PullID: 9}
	require.Eventually(t, func() bool { return sm.Status().Fails == 1 }, time.Second, time.Millisecond)
}

func TestSourceManager_CoalescedAckSettlesLowerPulls(t *testing.T) {
	src := &scriptedSource{}
	sm := newSourceManager("in", 0, src, 4, nil)
	sm.coalesce = true
	fwd, _ := startManager(t, sm)

	recv(t, fwd)
	recv(t, fwd)
	recv(t, fwd)

	// pull 4 is produced but stays blocked in the forward channel
	sm.mailbox <- event.Signal{Kind: event.SignalAck, PullID: 3}
	require.Eventually(t, func() bool {
		st := sm.Status()
		return st.Acks == 1 && st.InFlight == 1
	}, time.Second, time.Millisecond)
}

/*──────── sink manager ───────*/

func newTestSink(t *testing.T, snk sink.Sink, onPort PortHandler) (*SinkManager, chan event.Signal) {
	t.Helper()
	cf := contraflow.New(contraflow.AckEach)
	mb := make(chan event.Signal, 16)
	cf.Register(0, mb)
	sm := newSinkManager("out", snk, cf, 4, nil, onPort)
	ctx, cancel := context.WithCancel(context.Background())
	go sm.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-sm.Done()
	})
	return sm, mb
}

func TestSinkManager_AutoAck(t *testing.T) {
	sm, mb := newTestSink(t, funcSink{auto: true, fn: func(event.Event) (event.Reply, error) {
		return event.ReplyNone, nil
	}}, nil)

	require.NoError(t, sm.Send(context.Background(), event.Event{ID: event.NewID(0, 0, 1), Transactional: true}))
	assert.Equal(t, event.Signal{Kind: event.SignalAck, PullID: 1}, recvSignal(t, mb))
}

func TestSinkManager_NonTransactionalOnlyForwardsCB(t *testing.T) {
	sm, mb := newTestSink(t, funcSink{fn: func(event.Event) (event.Reply, error) {
		return event.Reply{Ack: event.Ack, CB: event.CbClose}, nil
	}}, nil)

	require.NoError(t, sm.Send(context.Background(), event.Event{ID: event.NewID(0, 0, 1)}))
	assert.Equal(t, event.SignalCbClose, recvSignal(t, mb).Kind)
	select {
	case s := <-mb:
		t.Fatalf("unexpected signal %v", s.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSinkManager_TransportErrorFailsAndReportsOnErrPort(t *testing.T) {
	var (
		mu  sync.Mutex
		got []event.Event
	)
	sm, mb := newTestSink(t, funcSink{auto: true, fn: func(event.Event) (event.Reply, error) {
		return event.Reply{Ack: event.Ack}, errors.New("connection refused")
	}}, func(_, port string, ev event.Event) {
		if port == sink.PortErr {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	})

	ev := event.Event{ID: event.NewID(0, 0, 4), Transactional: true, Data: event.Data{Value: 1, Meta: map[string]any{"k": "v"}}}
	require.NoError(t, sm.Send(context.Background(), ev))
	assert.Equal(t, event.Signal{Kind: event.SignalFail, PullID: 4}, recvSignal(t, mb))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "connection refused", got[0].Data.Meta["error"])
	assert.Equal(t, "v", got[0].Data.Meta["k"])
	assert.Equal(t, uint64(1), sm.Status().Errors)
}

/*──────── batcher ───────*/

func runBatcher(t *testing.T, b *Batcher) (chan event.Event, chan event.Event, chan struct{}) {
	t.Helper()
	in, out, done := make(chan event.Event), make(chan event.Event, 8), make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background(), in, func(_ context.Context, ev event.Event) error {
			out <- ev
			return nil
		})
	}()
	return in, out, done
}

func TestBatcher_FlushOnCount(t *testing.T) {
	in, out, done := runBatcher(t, &Batcher{Count: 2})
	in <- event.Event{ID: event.NewID(0, 0, 1), Data: event.Data{Value: 1}}
	in <- event.Event{ID: event.NewID(0, 0, 2), Data: event.Data{Value: 2}, Transactional: true}

	b := recv(t, out)
	assert.True(t, b.IsBatch)
	assert.True(t, b.Transactional)
	assert.True(t, b.ID.Equal(event.NewID(0, 0, 1).Merge(event.NewID(0, 0, 2))))
	assert.Len(t, b.ValueMeta(), 2)

	in <- event.Event{ID: event.NewID(0, 0, 3)}
	close(in)
	<-done
	tail := recv(t, out)
	assert.Len(t, tail.ValueMeta(), 1, "pending members flushed on close")
}

func TestBatcher_FlushOnTimeout(t *testing.T) {
	in, out, _ := runBatcher(t, &Batcher{Count: 100, Timeout: 10 * time.Millisecond})
	in <- event.Event{ID: event.NewID(0, 0, 1)}
	b := recv(t, out)
	assert.True(t, b.IsBatch)
	assert.Len(t, b.ValueMeta(), 1)
	close(in)
}

func TestBatcher_PassThrough(t *testing.T) {
	in, out, done := runBatcher(t, &Batcher{})
	in <- event.Event{ID: event.NewID(0, 0, 1)}
	assert.False(t, recv(t, out).IsBatch)
	close(in)
	<-done
}

/*──────── runner ───────*/

func writePipeline(t *testing.T, lines []string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.json"), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cb.yml"), []byte("path: "+filepath.Join(dir, "in.json")+"\ntimeout: 2000000000\n"+extra), 0o644))
	pipe := `schema_version: v1
sources: [{alias: in, kind: cb, config: cb.yml}]
sinks:   [{alias: out, kind: cb}]
shutdown: {graceful_timeout_ms: 1000}
`
	p := filepath.Join(dir, "pipeline.yml")
	require.NoError(t, os.WriteFile(p, []byte(pipe), 0o644))
	return p
}

func runUntilShutdown(t *testing.T, r *Runner) source.ShutdownMode {
	t.Helper()
	require.NoError(t, r.Start(context.Background()))
	var mode source.ShutdownMode
	select {
	case mode = <-r.ShutdownRequested():
	case <-time.After(5 * time.Second):
		t.Fatal("source never requested shutdown")
	}
	require.NoError(t, r.Stop(context.Background(), mode))
	return mode
}

func cbReport(t *testing.T, r *Runner) cbsource.Report {
	t.Helper()
	sm, ok := r.Source("in")
	require.True(t, ok)
	rep, ok := sm.src.(*cbsource.Source).Report()
	require.True(t, ok)
	return rep
}

func TestRunner_CbEndToEnd(t *testing.T) {
	p := writePipeline(t, []string{
		`{"cb":"ack"}`,
		`{"cb":"fail"}`,
		`{"cb":["ack","restore"]}`,
	}, "")

	r, err := CompileFile(p, nil)
	require.NoError(t, err)
	assert.Equal(t, source.ShutdownGraceful, runUntilShutdown(t, r))

	rep := cbReport(t, r)
	assert.True(t, rep.Success)
	assert.ElementsMatch(t, []uint64{1, 3}, rep.Acks)
	assert.Equal(t, []uint64{2}, rep.Fails)
	assert.Zero(t, rep.Triggers)
	assert.Equal(t, uint64(1), rep.Restores)

	st := r.Status()
	require.Len(t, st.Sources, 1)
	assert.Equal(t, uint64(3), st.Sources[0].Pulls)
	assert.Equal(t, "closed", st.Sources[0].Breaker)
	assert.Equal(t, uint64(3), st.Sinks[0].Events)
}

func TestRunner_BatchedCoalescedAck(t *testing.T) {
	p := writePipeline(t, []string{`{"x":1}`, `{"x":2}`, `{"cb":"ack"}`}, "expect_batched: true\n")
	cfg, err := config.LoadPipeline(p)
	require.NoError(t, err)
	cfg.Batch.Count = 3
	cfg.Contraflow.AckMode = "max"

	r, err := Compile(cfg, nil)
	require.NoError(t, err)
	runUntilShutdown(t, r)

	rep := cbReport(t, r)
	assert.True(t, rep.Success)
	assert.Equal(t, []uint64{3}, rep.Acks)
}

func TestRunner_AckModeReachesSourceContext(t *testing.T) {
	each := NewRunner(Options{AckMode: contraflow.AckEach}, nil).AddSource("in", &scriptedSource{})
	assert.False(t, each.sc.Coalesced)
	coalesced := NewRunner(Options{AckMode: contraflow.AckMax}, nil).AddSource("in", &scriptedSource{})
	assert.True(t, coalesced.sc.Coalesced)
}

func TestRunner_ForcedStopClosesConnectors(t *testing.T) {
	src := &scriptedSource{}
	r := NewRunner(Options{}, nil)
	r.AddSource("in", src)
	r.AddSink("out", funcSink{auto: true, fn: func(event.Event) (event.Reply, error) { return event.ReplyNone, nil }})

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return r.Status().Sinks[0].Events > 0 }, time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background(), source.ShutdownForced))
	require.NoError(t, r.Stop(context.Background(), source.ShutdownForced))

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, src.closed)
}

type failingConnector struct{ funcSink }

func (failingConnector) Connect(context.Context) error { return errors.New("unreachable") }

func TestRunner_ConnectErrorAbortsStart(t *testing.T) {
	r := NewRunner(Options{}, nil)
	src := &scriptedSource{}
	r.AddSource("in", src)
	r.AddSink("out", failingConnector{})
	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "unreachable")

	require.NoError(t, r.Stop(context.Background(), source.ShutdownGraceful))
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, src.closed, "connectors are closed even if Start failed")
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(config.File{
		Sources:    []config.Connector{{Alias: "in", Kind: "nope"}},
		Sinks:      []config.Connector{{Alias: "out", Kind: cbsink.Kind}},
		Contraflow: config.Contraflow{AckMode: "each"},
	}, nil)
	assert.True(t, IsConfigError(err), "got %v", err)
	assert.ErrorContains(t, err, "source in")

	_, err = Compile(config.File{
		Sources:    []config.Connector{{Alias: "in", Kind: cbsource.Kind}},
		Sinks:      []config.Connector{{Alias: "out", Kind: cbsink.Kind}},
		Contraflow: config.Contraflow{AckMode: "each"},
	}, nil)
	assert.ErrorIs(t, err, source.ErrConfig)
}
