package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidewater/internal/logging"
)

// Metrics is the runtime's instrument set. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pulls      *prometheus.CounterVec
	pullErrors *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
	signals    *prometheus.CounterVec
	breaker    *prometheus.GaugeVec
	events     *prometheus.CounterVec
	replies    *prometheus.CounterVec
	sinkErrors *prometheus.CounterVec
	ported     *prometheus.CounterVec
	latency    prometheus.Histogram
	batchSize  prometheus.Histogram
}

// New registers the instruments on reg (prometheus.DefaultRegisterer if nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_source_pulls_total",
			Help: "Pull replies by source and reply kind.",
		}, []string{"source", "kind"}),
		pullErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_source_pull_errors_total",
			Help: "Failed pulls by source.",
		}, []string{"source"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tidewater_source_in_flight",
			Help: "Transactional units awaiting ack or fail.",
		}, []string{"source"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_contraflow_signals_total",
			Help: "Contraflow callbacks applied to sources.",
		}, []string{"source", "kind"}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tidewater_source_breaker_open",
			Help: "1 while the source's circuit breaker suspends pulls.",
		}, []string{"source"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_sink_events_total",
			Help: "Events handed to sinks.",
		}, []string{"sink"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_sink_replies_total",
			Help: "Sink replies by ack action.",
		}, []string{"sink", "ack"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_sink_errors_total",
			Help: "Transport failures reported by sinks.",
		}, []string{"sink"}),
		ported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidewater_sink_port_events_total",
			Help: "Events sinks emitted on their out/err ports.",
		}, []string{"sink", "port"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tidewater_event_latency_seconds",
			Help:    "Time from ingest to sink reply.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tidewater_batch_size",
			Help:    "Members per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	reg.MustRegister(m.pulls, m.pullErrors, m.inFlight, m.signals, m.breaker,
		m.events, m.replies, m.sinkErrors, m.ported, m.latency, m.batchSize)
	return m
}

func (m *Metrics) Pull(src, kind string) {
	if m != nil {
		m.pulls.WithLabelValues(src, kind).Inc()
	}
}

func (m *Metrics) PullError(src string) {
	if m != nil {
		m.pullErrors.WithLabelValues(src).Inc()
	}
}

func (m *Metrics) InFlight(src string, n int) {
	if m != nil {
		m.inFlight.WithLabelValues(src).Set(float64(n))
	}
}

func (m *Metrics) Signal(src, kind string) {
	if m != nil {
		m.signals.WithLabelValues(src, kind).Inc()
	}
}

func (m *Metrics) BreakerOpen(src string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breaker.WithLabelValues(src).Set(v)
}

func (m *Metrics) Event(snk string) {
	if m != nil {
		m.events.WithLabelValues(snk).Inc()
	}
}

func (m *Metrics) Reply(snk, ack string, ingestNS int64) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(snk, ack).Inc()
	if ingestNS > 0 {
		m.latency.Observe(time.Since(time.Unix(0, ingestNS)).Seconds())
	}
}

func (m *Metrics) SinkError(snk string) {
	if m != nil {
		m.sinkErrors.WithLabelValues(snk).Inc()
	}
}

func (m *Metrics) Ported(snk, port string) {
	if m != nil {
		m.ported.WithLabelValues(snk, port).Inc()
	}
}

func (m *Metrics) Batch(n int) {
	if m != nil {
		m.batchSize.Observe(float64(n))
	}
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	logging.L().Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
