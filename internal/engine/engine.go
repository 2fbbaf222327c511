package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"tidewater/internal/logging"
	"tidewater/internal/pipeline"
	"tidewater/internal/telemetry"
	"tidewater/internal/transport"
	"tidewater/source"
)

type Engine struct {
	id      string
	cfg     Config
	reg     *prometheus.Registry
	runner  *pipeline.Runner
	control *transport.Server
	stopReq chan source.ShutdownMode
}

// Run starts the pipeline and blocks until ctx ends (graceful stop), a
// source asks for shutdown or the control service calls Stop.
func (e *Engine) Run(ctx context.Context) error {
	log := logging.L().With("instance", e.id)
	if err := e.runner.Start(ctx); err != nil {
		_ = e.runner.Stop(context.WithoutCancel(ctx), source.ShutdownForced)
		e.stopControl()
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(sctx, e.cfg.MetricsAddr, e.reg); err != nil {
				log.Error("metrics server", "err", err)
			}
		}()
	}
	if e.control != nil {
		go func() {
			if err := e.control.Serve(); err != nil {
				log.Error("control server", "err", err)
			}
		}()
	}

	var mode source.ShutdownMode
	select {
	case <-ctx.Done():
		mode = source.ShutdownGraceful
		log.Info("shutdown signal")
	case mode = <-e.runner.ShutdownRequested():
		log.Info("shutdown requested by source", "mode", mode.String())
	case mode = <-e.stopReq:
		log.Info("shutdown requested over control", "mode", mode.String())
	}

	err := e.runner.Stop(context.WithoutCancel(ctx), mode)
	e.stopControl()
	return err
}

func (e *Engine) stopControl() {
	if e.control != nil {
		e.control.Stop()
	}
}

func (e *Engine) InstanceID() string { return e.id }

func (e *Engine) Status() any { return e.runner.Status() }

// Stop asks Run to shut the pipeline down. Only the first request counts.
func (e *Engine) Stop(mode source.ShutdownMode) {
	select {
	case e.stopReq <- mode:
	default:
	}
}
