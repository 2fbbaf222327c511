package source

import (
	"context"
	"errors"
	"time"
)

// ErrConfig marks connector configuration problems detected at build time.
var ErrConfig = errors.New("invalid source configuration")

const DefaultStreamID uint64 = 0

// Source is the pull side of a connector. All methods are called from a
// single goroutine owned by the runtime, so implementations need no locking
// for their own state.
type Source interface {
	// PullData produces the next unit. pullID is the id the runtime assigns
	// to the unit if the reply is Data.
	PullData(ctx context.Context, pullID uint64, sc *Context) (Reply, error)

	Ack(ctx context.Context, streamID, pullID uint64, sc *Context) error
	Fail(ctx context.Context, streamID, pullID uint64, sc *Context) error

	OnCbOpen(ctx context.Context, sc *Context) error
	OnCbClose(ctx context.Context, sc *Context) error

	// IsTransactional sources expect an ack or fail for every Data unit.
	IsTransactional() bool
	// Asynchronous sources wait for the previous unit's ack before the next pull.
	Asynchronous() bool
}

// Closer is implemented by sources holding resources.
type Closer interface {
	Close(ctx context.Context) error
}

type ShutdownMode uint8

const (
	ShutdownGraceful ShutdownMode = iota
	ShutdownForced
)

func (m ShutdownMode) String() string {
	if m == ShutdownForced {
		return "forced"
	}
	return "graceful"
}

// Context is handed to every Source call.
type Context struct {
	Alias string
	UID   uint64

	// Shutdown asks the enclosing process to stop. Never nil when
	// provided by the runtime.
	Shutdown func(ShutdownMode)

	// Coalesced is set when acks and fails carry only the highest pull id
	// of a stream; they then stand for every lower pull id still pending
	// on that stream.
	Coalesced bool
}

/*──────── pull replies ───────*/

type ReplyKind uint8

const (
	KindData ReplyKind = iota + 1
	KindEndStream
	KindFinished
	KindEmpty
)

func (k ReplyKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindEndStream:
		return "end_stream"
	case KindFinished:
		return "finished"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Reply is the outcome of a pull. Only the fields matching Kind are set.
type Reply struct {
	Kind     ReplyKind
	Bytes    []byte
	Meta     map[string]any
	StreamID uint64
	// Wait is how long an Empty reply asks the runtime to hold off. The wait
	// is cut short by any incoming contraflow signal.
	Wait time.Duration
}

func Data(b []byte, meta map[string]any, stream uint64) Reply {
	return Reply{Kind: KindData, Bytes: b, Meta: meta, StreamID: stream}
}

func EndStream(stream uint64) Reply { return Reply{Kind: KindEndStream, StreamID: stream} }

func Finished() Reply { return Reply{Kind: KindFinished} }

func Empty(wait time.Duration) Reply { return Reply{Kind: KindEmpty, Wait: wait} }
