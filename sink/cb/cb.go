// Package cb is a test sink that answers each event with the ack and circuit
// breaker instructions found under the "cb" key of its meta or value.
package cb

import (
	"context"
	"slices"

	"tidewater/event"
	"tidewater/sink"
)

const Kind = "cb"

const field = "cb"

type Sink struct{}

func init() {
	sink.Register(Kind, func(string, string) (sink.Sink, error) { return Sink{}, nil })
}

// OnEvent looks at the first value/meta pair carrying a "cb" field (meta
// wins over value). Accepted tokens: ack, fail, close, trigger, open,
// restore. Ack beats fail and close beats open.
func (Sink) OnEvent(_ context.Context, _ string, ev event.Event, _ *sink.Context) (event.Reply, error) {
	for _, p := range ev.ValueMeta() {
		raw, ok := p.Meta[field]
		if !ok {
			if raw, ok = event.Lookup(p.Value, field); !ok {
				continue
			}
		}
		return Decide(commands(raw)), nil
	}
	return event.ReplyNone, nil
}

func (Sink) AutoAck() bool { return false }

func commands(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// Decide maps control tokens to a reply.
func Decide(cmds []string) event.Reply {
	var r event.Reply
	switch {
	case slices.Contains(cmds, "ack"):
		r.Ack = event.Ack
	case slices.Contains(cmds, "fail"):
		r.Ack = event.Fail
	}
	switch {
	case slices.Contains(cmds, "close"), slices.Contains(cmds, "trigger"):
		r.CB = event.CbClose
	case slices.Contains(cmds, "open"), slices.Contains(cmds, "restore"):
		r.CB = event.CbOpen
	}
	return r
}
