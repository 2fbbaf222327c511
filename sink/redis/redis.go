// Package redis writes event members to Redis in one pipelined round trip
// per event. Per-item command errors go to the err port; the event is only
// failed when Redis could not be reached.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tidewater/event"
	"tidewater/internal/config"
	"tidewater/internal/logging"
	"tidewater/sink"
	"tidewater/sink/bulk"
)

const Kind = "redis"

type Config struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Command  string `koanf:"command"` // set|rpush
	Key      string `koanf:"key"`     // default key; meta.redis.key wins
	TTLMS    int    `koanf:"ttl_ms"`  // set only; 0 = no expiry
}

type Sink struct {
	cfg    Config
	client *redis.Client
	log    *slog.Logger
}

func New(alias string, cfg Config) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: %s: missing addr", sink.ErrConfig, alias)
	}
	switch cfg.Command {
	case "":
		cfg.Command = "set"
	case "set", "rpush":
	default:
		return nil, fmt.Errorf("%w: %s: unsupported command %q", sink.ErrConfig, alias, cfg.Command)
	}
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     2 * time.Second,
		MaxRetries:      1,
		DisableIdentity: true,
	})
	return &Sink{cfg: cfg, client: client, log: logging.Connector("sink", alias)}, nil
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
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	s.log.Info("redis sink connected", "addr", s.cfg.Addr)
	return nil
}

type pending struct {
	key string
	cmd redis.Cmder
}

func (s *Sink) OnEvent(ctx context.Context, _ string, ev event.Event, sc *sink.Context) (event.Reply, error) {
	items := bulk.Items(ev)
	results := make([]bulk.Result, len(items))
	queued := make([]*pending, len(items))

	pipe := s.client.Pipeline()
	for i, it := range items {
		key, _ := bulk.Settings(ev, it, Kind)["key"].(string)
		if key == "" {
			key = s.cfg.Key
		}
		if key == "" {
			results[i] = bulk.Result{Reason: "no key for item"}
			continue
		}
		data, err := json.Marshal(it.Value)
		if err != nil {
			results[i] = bulk.Result{Reason: err.Error()}
			continue
		}
		var cmd redis.Cmder
		switch s.cfg.Command {
		case "rpush":
			cmd = pipe.RPush(ctx, key, data)
		default:
			cmd = pipe.Set(ctx, key, data, time.Duration(s.cfg.TTLMS)*time.Millisecond)
		}
		queued[i] = &pending{key: key, cmd: cmd}
	}

	if pipe.Len() > 0 {
		// Exec reports a dial failure without setting it on the queued commands.
		if _, err := pipe.Exec(ctx); err != nil && !isItemError(err) {
			return bulk.Reconcile(sc, Kind, ev, nil, err), nil
		}
	}

	for i, p := range queued {
		if p == nil {
			continue
		}
		meta := map[string]any{"key": p.key, "command": s.cfg.Command}
		err := p.cmd.Err()
		switch {
		case err == nil:
			results[i] = bulk.Result{OK: true, Value: map[string]any{"result": cmdValue(p.cmd)}, Meta: meta}
		case isItemError(err):
			results[i] = bulk.Result{Reason: err.Error(), Meta: meta}
		default:
			return bulk.Reconcile(sc, Kind, ev, nil, err), nil
		}
	}
	return bulk.Reconcile(sc, Kind, ev, results, nil), nil
}

// isItemError tells server replies for one command apart from connection
// failures affecting the whole pipeline.
func isItemError(err error) bool {
	var re redis.Error
	return errors.As(err, &re) && !errors.Is(err, redis.ErrClosed)
}

func cmdValue(c redis.Cmder) any {
	switch c := c.(type) {
	case *redis.StatusCmd:
		return c.Val()
	case *redis.IntCmd:
		return c.Val()
	}
	return nil
}

func (s *Sink) AutoAck() bool { return false }

func (s *Sink) Close(context.Context) error { return s.client.Close() }
