// Package postgres inserts event members into a table inside one
// transaction per event. Each member runs behind its own savepoint so a bad
// row only rejects that member.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"tidewater/event"
	"tidewater/internal/config"
	"tidewater/internal/logging"
	"tidewater/sink"
	"tidewater/sink/bulk"
)

const Kind = "postgres"

type Config struct {
	DSN   string `koanf:"dsn"`
	Table string `koanf:"table"` // meta.postgres.table wins
}

type Sink struct {
	cfg Config
	db  *sql.DB
	log *slog.Logger
}

func New(alias string, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: %s: missing dsn", sink.ErrConfig, alias)
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sink.ErrConfig, alias, err)
	}
	return NewWithDB(alias, db, cfg)
}

// NewWithDB uses an already opened handle.
func NewWithDB(alias string, db *sql.DB, cfg Config) (*Sink, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("%w: %s: missing table", sink.ErrConfig, alias)
	}
	return &Sink{cfg: cfg, db: db, log: logging.Connector("sink", alias)}, nil
}

func init() {
	sink.Register(Kind, func(alias, path string) (sink.Sink, error) {
		var cfg Config
		if _, err := config.LoadConnector(Kind, path, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", sink.ErrConfig, alias, err)
		}
		return New(alias, cfg)
	})
}

func (s *Sink) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}
	s.log.Info("postgres sink connected", "table", s.cfg.Table)
	return nil
}

func insertQuery(table string) string {
	return fmt.Sprintf("INSERT INTO %s (event_id, idx, value) VALUES ($1, $2, $3)", pq.QuoteIdentifier(table))
}

func (s *Sink) OnEvent(ctx context.Context, _ string, ev event.Event, sc *sink.Context) (event.Reply, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bulk.Reconcile(sc, Kind, ev, nil, err), nil
	}

	items := bulk.Items(ev)
	results := make([]bulk.Result, len(items))
	for i, it := range items {
		table, _ := bulk.Settings(ev, it, Kind)["table"].(string)
		if table == "" {
			table = s.cfg.Table
		}
		res, err := s.insert(ctx, tx, table, ev.ID.String(), it)
		if err != nil {
			_ = tx.Rollback()
			return bulk.Reconcile(sc, Kind, ev, nil, err), nil
		}
		results[i] = res
	}

	if err := tx.Commit(); err != nil {
		return bulk.Reconcile(sc, Kind, ev, nil, err), nil
	}
	return bulk.Reconcile(sc, Kind, ev, results, nil), nil
}

// insert returns an error only when the transaction itself is unusable.
func (s *Sink) insert(ctx context.Context, tx *sql.Tx, table, eventID string, it bulk.Item) (bulk.Result, error) {
	meta := map[string]any{"table": table}
	data, err := json.Marshal(it.Value)
	if err != nil {
		return bulk.Result{Reason: err.Error(), Meta: meta}, nil
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT item"); err != nil {
		return bulk.Result{}, err
	}
	res, err := tx.ExecContext(ctx, insertQuery(table), eventID, it.Index, string(data))
	if err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			return bulk.Result{}, err
		}
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT item"); rbErr != nil {
			return bulk.Result{}, rbErr
		}
		meta["code"] = string(pqErr.Code)
		return bulk.Result{Reason: pqErr.Message, Meta: meta}, nil
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT item"); err != nil {
		return bulk.Result{}, err
	}
	n, _ := res.RowsAffected()
	return bulk.Result{OK: true, Value: map[string]any{"rows_affected": n}, Meta: meta}, nil
}

func (s *Sink) AutoAck() bool { return false }

func (s *Sink) Close(context.Context) error { return s.db.Close() }
