package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tidewater/event"
)

// ErrConfig marks connector configuration problems detected at build time.
var ErrConfig = errors.New("invalid sink configuration")

var ErrUnknownKind = errors.New("unsupported kind")

// Ports a sink can emit on. IN is the only input port.
const (
	PortIn  = "in"
	PortOut = "out"
	PortErr = "err"
)

// Sink consumes events and answers each one with a Reply. OnEvent is never
// called concurrently for the same sink.
type Sink interface {
	// A non-nil error is a transport failure: the runtime fails the event
	// and reports it on the err port.
	OnEvent(ctx context.Context, input string, ev event.Event, sc *Context) (event.Reply, error)
	// AutoAck sinks get an Ack synthesized whenever they reply AckNone.
	AutoAck() bool
}

// Connector is implemented by sinks that open a connection before the first
// event. A Connect error aborts startup.
type Connector interface {
	Connect(ctx context.Context) error
}

type Closer interface {
	Close(ctx context.Context) error
}

// EmitFn receives events a sink publishes on its out/err ports.
type EmitFn func(port string, ev event.Event)

type Context struct {
	Alias string
	Emit  EmitFn
}

// EmitTo is nil-safe.
func (c *Context) EmitTo(port string, ev event.Event) {
	if c != nil && c.Emit != nil {
		c.Emit(port, ev)
	}
}

/*──────── registry ───────*/

type Factory func(alias, configPath string) (Sink, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

func Register(kind string, f Factory) {
	regMu.Lock()
	registry[kind] = f
	regMu.Unlock()
}

func New(kind, alias, configPath string) (Sink, error) {
	regMu.RLock()
	f, ok := registry[kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink: %w %q", ErrUnknownKind, kind)
	}
	return f(alias, configPath)
}

func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
