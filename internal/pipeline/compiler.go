package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tidewater/internal/config"
	"tidewater/internal/contraflow"
	"tidewater/internal/telemetry"
	"tidewater/sink"
	"tidewater/source"
)

// Compile builds a Runner from a pipeline description. Connectors must
// already be registered (see the blank imports in cmd/tidewater).
func Compile(cfg config.File, m *telemetry.Metrics) (*Runner, error) {
	mode, err := contraflow.ParseAckMode(cfg.Contraflow.AckMode)
	if err != nil {
		return nil, err
	}
	r := NewRunner(Options{
		AckMode:         mode,
		BatchCount:      cfg.Batch.Count,
		BatchTimeout:    cfg.BatchTimeout(),
		QueueLen:        cfg.QueueLen,
		MailboxLen:      cfg.Contraflow.MailboxLen,
		GracefulTimeout: cfg.GracefulTimeout(),
	}, m)

	var built []closer
	fail := func(err error) (*Runner, error) {
		for _, c := range built {
			_ = c()
		}
		return nil, err
	}

	for _, c := range cfg.Sources {
		src, err := source.New(c.Kind, c.Alias, c.Config)
		if err != nil {
			return fail(fmt.Errorf("source %s: %w", c.Alias, err))
		}
		if cl, ok := src.(source.Closer); ok {
			built = append(built, closeWith(cl.Close))
		}
		r.AddSource(c.Alias, src)
	}
	for _, c := range cfg.Sinks {
		snk, err := sink.New(c.Kind, c.Alias, c.Config)
		if err != nil {
			return fail(fmt.Errorf("sink %s: %w", c.Alias, err))
		}
		if cl, ok := snk.(sink.Closer); ok {
			built = append(built, closeWith(cl.Close))
		}
		r.AddSink(c.Alias, snk)
	}
	return r, nil
}

// CompileFile loads and compiles a pipeline YAML.
func CompileFile(path string, m *telemetry.Metrics) (*Runner, error) {
	cfg, err := config.LoadPipeline(path)
	if err != nil {
		return nil, err
	}
	return Compile(cfg, m)
}

// IsConfigError reports whether err comes from connector configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, source.ErrConfig) || errors.Is(err, sink.ErrConfig) ||
		errors.Is(err, source.ErrUnknownKind) || errors.Is(err, sink.ErrUnknownKind)
}

type closer func() error

func closeWith(fn func(context.Context) error) closer {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return fn(ctx)
	}
}
