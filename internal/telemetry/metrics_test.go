package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Pull("in", "data")
	m.Pull("in", "data")
	m.PullError("in")
	m.Signal("in", "ack")
	m.InFlight("in", 3)
	m.BreakerOpen("in", true)
	m.Event("out")
	m.Reply("out", "ack", time.Now().Add(-time.Millisecond).UnixNano())
	m.SinkError("out")
	m.Ported("out", "err")
	m.Batch(4)

	if got := testutil.ToFloat64(m.pulls.WithLabelValues("in", "data")); got != 2 {
		t.Fatalf("pulls: want 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("in")); got != 3 {
		t.Fatalf("in flight: want 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.breaker.WithLabelValues("in")); got != 1 {
		t.Fatalf("breaker: want 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.replies.WithLabelValues("out", "ack")); got != 1 {
		t.Fatalf("replies: want 1, got %f", got)
	}
	if n := testutil.CollectAndCount(m.latency); n != 1 {
		t.Fatalf("latency: want 1 series, got %d", n)
	}
	if n, err := testutil.GatherAndCount(reg, "tidewater_sink_port_events_total"); err != nil || n != 1 {
		t.Fatalf("port events: n=%d err=%v", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Pull("a", "data")
	m.BreakerOpen("a", true)
	m.Reply("b", "ack", 1)
	m.Batch(1)
}
