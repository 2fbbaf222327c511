// Package stdout prints every event member as one JSON line. It auto-acks.
package stdout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"tidewater/event"
	"tidewater/internal/config"
	"tidewater/sink"
)

const Kind = "stdout"

type Config struct {
	DelayMS       int  `koanf:"delay_ms"`        // artificial per-event delay
	PrintCounter  bool `koanf:"print_counter"`   // prepend seq#
	PrintMeta     bool `koanf:"print_meta"`      // emit {"value":..,"meta":..}
	ValueMaxBytes int  `koanf:"value_max_bytes"` // 0 = no truncation
}

type driver struct {
	cfg Config

	mu  sync.Mutex // guards w+seq
	w   *bufio.Writer
	seq uint64
}

func New(cfg Config, w io.Writer) sink.Sink {
	return &driver{cfg: cfg, w: bufio.NewWriter(w)}
}

func (d *driver) OnEvent(ctx context.Context, _ string, ev event.Event, _ *sink.Context) (event.Reply, error) {
	if d.cfg.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(d.cfg.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return event.ReplyNone, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range ev.ValueMeta() {
		var line any = p.Value
		if d.cfg.PrintMeta {
			line = map[string]any{"value": p.Value, "meta": p.Meta}
		}
		b, err := json.Marshal(line)
		if err != nil {
			b = []byte(fmt.Sprintf("%q", fmt.Sprint(p.Value)))
		}
		if n := d.cfg.ValueMaxBytes; n > 0 && len(b) > n {
			b = append(b[:n:n], "..."...)
		}
		d.seq++
		if d.cfg.PrintCounter {
			fmt.Fprintf(d.w, "[sink %06d] %s %s\n", d.seq, ev.ID, b)
		} else {
			d.w.Write(b)
			d.w.WriteByte('\n')
		}
	}
	return event.ReplyNone, d.w.Flush()
}

func (d *driver) AutoAck() bool { return true }

func (d *driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w.Flush()
}

func init() {
	sink.Register(Kind, func(alias, path string) (sink.Sink, error) {
		var cfg Config
		if _, err := config.LoadConnector(Kind, path, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", sink.ErrConfig, alias, err)
		}
		return New(cfg, os.Stdout), nil
	})
}
