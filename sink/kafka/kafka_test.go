package kafka

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidewater/event"
	"tidewater/sink"
)

type ports struct{ out, err []event.Event }

func (p *ports) ctx() *sink.Context {
	return &sink.Context{Alias: "kafka", Emit: func(port string, ev event.Event) {
		if port == sink.PortOut {
			p.out = append(p.out, ev)
		} else {
			p.err = append(p.err, ev)
		}
	}}
}

// rejecting fails every record whose topic has an entry in errs.
type rejecting struct {
	sarama.SyncProducer
	errs map[string]error
	sent []*sarama.ProducerMessage
}

func (r *rejecting) SendMessages(msgs []*sarama.ProducerMessage) error {
	r.sent = append(r.sent, msgs...)
	var errs sarama.ProducerErrors
	for _, m := range msgs {
		if err, ok := r.errs[m.Topic]; ok {
			errs = append(errs, &sarama.ProducerError{Msg: m, Err: err})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (r *rejecting) Close() error { return nil }

func member(pull uint64, v any, settings map[string]any) event.Event {
	meta := map[string]any{}
	if settings != nil {
		meta[Kind] = settings
	}
	return event.Event{ID: event.NewID(0, 0, pull), Data: event.Data{Value: v, Meta: meta}}
}

func TestSink_ProducesWithMockProducer(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"a":1}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})
	s := NewWithProducer("kafka", Config{Topic: "out"}, mp)
	defer s.Close(context.Background())
	require.NoError(t, s.Connect(context.Background()))

	var p ports
	r, err := s.OnEvent(context.Background(), sink.PortIn, member(1, map[string]any{"a": 1}, nil), p.ctx())
	require.NoError(t, err)
	assert.Equal(t, event.Reply{Ack: event.Ack}, r)
	require.Len(t, p.out, 1)
	km := p.out[0].Data.Meta[Kind].(map[string]any)
	assert.Equal(t, "out", km["topic"])
	assert.Equal(t, true, km["success"])
}

func TestSink_BatchPartialFailure(t *testing.T) {
	fp := &rejecting{errs: map[string]error{"missing": sarama.ErrUnknownTopicOrPartition}}
	s := NewWithProducer("kafka", Config{}, fp)
	var p ports

	b := event.NewBatch(nil,
		member(1, "x", map[string]any{"topic": "good", "key": "k1", "headers": map[string]any{"h": 1}}),
		member(2, "y", map[string]any{"topic": "missing"}),
		member(3, "z", nil),
	)
	b.Transactional = true

	r, err := s.OnEvent(context.Background(), sink.PortIn, b, p.ctx())
	require.NoError(t, err)
	assert.Equal(t, event.Reply{Ack: event.Ack}, r)

	require.Len(t, fp.sent, 2)
	assert.Equal(t, sarama.StringEncoder("k1"), fp.sent[0].Key)
	require.Len(t, fp.sent[0].Headers, 1)
	assert.Equal(t, "1", string(fp.sent[0].Headers[0].Value))

	require.Len(t, p.out, 1)
	assert.Equal(t, "x", p.out[0].Data.Value)
	require.Len(t, p.err, 2)
	reason, _ := event.Lookup(p.err[0].Data.Value, "error", "reason")
	assert.Equal(t, sarama.ErrUnknownTopicOrPartition.Error(), reason)
	reason, _ = event.Lookup(p.err[1].Data.Value, "error", "reason")
	assert.Equal(t, "no topic for item", reason)
}

func TestSink_UnreachableBrokerFailsEvent(t *testing.T) {
	b := sarama.NewMockBroker(t, 1)
	b.SetHandlerByMap(map[string]sarama.MockResponse{
		"MetadataRequest": sarama.NewMockMetadataResponse(t).
			SetBroker(b.Addr(), b.BrokerID()).
			SetLeader("out", 0, b.BrokerID()),
	})

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 0
	sc.Metadata.Retry.Max = 0
	sc.Net.DialTimeout = 500 * time.Millisecond
	producer, err := sarama.NewSyncProducer([]string{b.Addr()}, sc)
	require.NoError(t, err)
	b.Close()

	s := NewWithProducer("kafka", Config{Topic: "out"}, producer)
	defer s.Close(context.Background())
	var p ports

	batch := event.NewBatch(nil, member(1, "x", nil), member(2, "y", nil))
	batch.Transactional = true
	r, err := s.OnEvent(context.Background(), sink.PortIn, batch, p.ctx())
	require.NoError(t, err)
	assert.Equal(t, event.Reply{Ack: event.Fail}, r)
	assert.Empty(t, p.out)
	require.Len(t, p.err, 2)
	assert.NotEmpty(t, p.err[0].Data.Meta["error"])
}

func TestSink_RejectionPlusTransportLossFailsEvent(t *testing.T) {
	fp := &rejecting{errs: map[string]error{
		"missing": sarama.ErrUnknownTopicOrPartition,
		"down":    sarama.ErrOutOfBrokers,
	}}
	s := NewWithProducer("kafka", Config{}, fp)
	var p ports

	b := event.NewBatch(nil,
		member(1, "x", map[string]any{"topic": "missing"}),
		member(2, "y", map[string]any{"topic": "down"}),
	)
	b.Transactional = true
	r, err := s.OnEvent(context.Background(), sink.PortIn, b, p.ctx())
	require.NoError(t, err)
	assert.Equal(t, event.Reply{Ack: event.Fail}, r)
	assert.Empty(t, p.out)
	require.Len(t, p.err, 2)
	assert.Equal(t, sarama.ErrOutOfBrokers.Error(), p.err[1].Data.Meta["error"])
}

func TestIsTransport(t *testing.T) {
	assert.True(t, isTransport(sarama.ErrOutOfBrokers))
	assert.True(t, isTransport(sarama.ErrNotLeaderForPartition))
	assert.True(t, isTransport(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.False(t, isTransport(sarama.ErrUnknownTopicOrPartition))
	assert.False(t, isTransport(sarama.ErrMessageSizeTooLarge))
}

func TestNew_ConfigErrors(t *testing.T) {
	_, err := New("kafka", Config{})
	assert.ErrorIs(t, err, sink.ErrConfig)
	_, err = New("kafka", Config{Brokers: []string{"b:9092"}, Version: "nope"})
	assert.ErrorIs(t, err, sink.ErrConfig)
}

func TestSink_NotConnected(t *testing.T) {
	s, err := New("kafka", Config{Brokers: []string{"b:9092"}})
	require.NoError(t, err)
	_, err = s.OnEvent(context.Background(), sink.PortIn, member(1, "v", nil), nil)
	assert.Error(t, err)
}
