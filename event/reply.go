package event

// AckAction is a sink's delivery verdict for one event.
type AckAction uint8

const (
	AckNone AckAction = iota // no opinion, auto-ack policy decides
	Ack
	Fail
)

func (a AckAction) String() string {
	switch a {
	case Ack:
		return "ack"
	case Fail:
		return "fail"
	default:
		return "none"
	}
}

// CbAction is a circuit breaker instruction travelling upstream.
type CbAction uint8

const (
	CbNone  CbAction = iota
	CbOpen           // resume pulling
	CbClose          // suspend pulling
)

func (c CbAction) String() string {
	switch c {
	case CbOpen:
		return "open"
	case CbClose:
		return "close"
	default:
		return "none"
	}
}

// Reply is what a sink returns for one event. Either half may be unset.
type Reply struct {
	Ack AckAction
	CB  CbAction
}

// ReplyNone carries neither an ack nor a circuit breaker instruction.
var ReplyNone = Reply{}

func (r Reply) IsNone() bool { return r == ReplyNone }

// SignalKind enumerates the callbacks a source can receive.
type SignalKind uint8

const (
	SignalAck SignalKind = iota + 1
	SignalFail
	SignalCbOpen
	SignalCbClose
)

func (k SignalKind) String() string {
	switch k {
	case SignalAck:
		return "ack"
	case SignalFail:
		return "fail"
	case SignalCbOpen:
		return "cb_open"
	case SignalCbClose:
		return "cb_close"
	default:
		return "unknown"
	}
}

// Signal is a single contraflow callback addressed to one source.
// StreamID and PullID are only meaningful for ack and fail.
type Signal struct {
	Kind     SignalKind
	StreamID uint64
	PullID   uint64
}
