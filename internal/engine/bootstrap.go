package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tidewater/event"
	"tidewater/internal/logging"
	"tidewater/internal/pipeline"
	"tidewater/internal/telemetry"
	"tidewater/internal/transport"
	"tidewater/sink"
	"tidewater/source"
)

type Config struct {
	PipelinePath string
	ControlAddr  string // "" disables the control service
	MetricsAddr  string // "" disables /metrics
}

// Bootstrap compiles the pipeline and binds the control listener. Nothing
// runs until Run.
func Bootstrap(_ context.Context, cfg Config) (*Engine, error) {
	e := &Engine{
		id:      uuid.NewString(),
		cfg:     cfg,
		reg:     prometheus.NewRegistry(),
		stopReq: make(chan source.ShutdownMode, 1),
	}
	e.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 1. transport server
	if cfg.ControlAddr != "" {
		srv, err := transport.StartServer(cfg.ControlAddr, e)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		e.control = srv
	}

	// 2. pipeline runner
	runner, err := pipeline.CompileFile(cfg.PipelinePath, telemetry.New(e.reg))
	if err != nil {
		if e.control != nil {
			e.control.Stop()
		}
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	runner.OnPortEvent(logPortEvent)
	e.runner = runner

	logging.L().Info("engine ready", "instance", e.id, "pipeline", cfg.PipelinePath)
	return e, nil
}

func logPortEvent(alias, port string, ev event.Event) {
	log := logging.Connector("sink", alias)
	if port == sink.PortErr {
		log.Warn("err port event", "value", ev.Data.Value, "meta", ev.Data.Meta)
		return
	}
	log.Debug("port event", "port", port, "value", ev.Data.Value)
}
