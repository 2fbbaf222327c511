package contraflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewater/event"
)

func drain(ch <-chan event.Signal) []event.Signal {
	var out []event.Signal
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestDeliver_AckFansOutPerTriple(t *testing.T) {
	e := New(AckEach)
	a, b := make(chan event.Signal, 8), make(chan event.Signal, 8)
	e.Register(1, a)
	e.Register(2, b)

	id := event.NewID(1, 0, 3).Merge(event.NewID(1, 0, 1)).Merge(event.NewID(2, 5, 9))
	require.NoError(t, e.Deliver(context.Background(), id, event.Reply{Ack: event.Ack}))

	assert.Equal(t, []event.Signal{
		{Kind: event.SignalAck, StreamID: 0, PullID: 1},
		{Kind: event.SignalAck, StreamID: 0, PullID: 3},
	}, drain(a))
	assert.Equal(t, []event.Signal{{Kind: event.SignalAck, StreamID: 5, PullID: 9}}, drain(b))
}

func TestDeliver_MaxModeCoalesces(t *testing.T) {
	e := New(AckMax)
	a := make(chan event.Signal, 8)
	e.Register(1, a)

	id := event.IDFromTriples(
		event.Triple{SourceID: 1, StreamID: 0, PullID: 1},
		event.Triple{SourceID: 1, StreamID: 0, PullID: 2},
		event.Triple{SourceID: 1, StreamID: 1, PullID: 7},
		event.Triple{SourceID: 1, StreamID: 0, PullID: 4},
	)
	require.NoError(t, e.Deliver(context.Background(), id, event.Reply{Ack: event.Fail}))

	assert.Equal(t, []event.Signal{
		{Kind: event.SignalFail, StreamID: 0, PullID: 4},
		{Kind: event.SignalFail, StreamID: 1, PullID: 7},
	}, drain(a))
}

func TestDeliver_CbOncePerSource(t *testing.T) {
	e := New(AckEach)
	a := make(chan event.Signal, 8)
	e.Register(1, a)

	id := event.NewID(1, 0, 1).Merge(event.NewID(1, 0, 2))
	require.NoError(t, e.Deliver(context.Background(), id, event.Reply{Ack: event.Ack, CB: event.CbClose}))

	got := drain(a)
	require.Len(t, got, 3)
	assert.Equal(t, event.SignalCbClose, got[2].Kind)
}

func TestDeliver_NoneAndUnknownSource(t *testing.T) {
	e := New(AckEach)
	a := make(chan event.Signal, 1)
	e.Register(1, a)

	require.NoError(t, e.Deliver(context.Background(), event.NewID(1, 0, 1), event.ReplyNone))
	require.NoError(t, e.Deliver(context.Background(), event.NewID(9, 0, 1), event.Reply{Ack: event.Ack}))
	assert.Empty(t, drain(a))

	e.Unregister(1)
	require.NoError(t, e.Deliver(context.Background(), event.NewID(1, 0, 1), event.Reply{Ack: event.Ack}))
	assert.Empty(t, drain(a))
}

func TestDeliver_FullMailboxHonoursContext(t *testing.T) {
	e := New(AckEach)
	a := make(chan event.Signal) // unbuffered, nobody reading
	e.Register(1, a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Deliver(ctx, event.NewID(1, 0, 1), event.Reply{Ack: event.Ack})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseAckMode(t *testing.T) {
	m, err := ParseAckMode("max")
	require.NoError(t, err)
	assert.Equal(t, AckMax, m)
	m, err = ParseAckMode("")
	require.NoError(t, err)
	assert.Equal(t, "each", m.String())
	_, err = ParseAckMode("all")
	assert.Error(t, err)
}
