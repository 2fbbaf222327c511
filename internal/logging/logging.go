package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Options struct {
	Level string
	JSON  bool
	Out   io.Writer // defaults to stderr
}

var def atomic.Value

func init() {
	def.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func Configure(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	cfg := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, cfg)
	} else {
		h = slog.NewTextHandler(out, cfg)
	}
	def.Store(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// Connector returns the default logger tagged with a connector's role and alias.
func Connector(role, alias string) *slog.Logger {
	return L().With("role", role, "alias", alias)
}

// InitFromEnv reads TIDEWATER_LOG_LEVEL and TIDEWATER_LOG_JSON.
func InitFromEnv() {
	json, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("TIDEWATER_LOG_JSON")))
	Configure(Options{Level: os.Getenv("TIDEWATER_LOG_LEVEL"), JSON: json})
}
