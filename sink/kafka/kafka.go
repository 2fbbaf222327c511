// Package kafka produces event members to Kafka with a synchronous
// producer. Every member becomes one record; records rejected by the broker
// go to the err port while the event itself is acked once. Any record lost
// to a connection or availability failure fails the event.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/IBM/sarama"

	"tidewater/event"
	"tidewater/internal/config"
	"tidewater/internal/logging"
	"tidewater/sink"
	"tidewater/sink/bulk"
)

const Kind = "kafka"

type Config struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`         // default topic; meta.kafka.topic wins
	Acks     int16    `koanf:"required_acks"` // 0,1,-1
	Version  string   `koanf:"version"`
	ClientID string   `koanf:"client_id"`
}

type Sink struct {
	cfg Config
	p   sarama.SyncProducer
	log *slog.Logger
}

func New(alias string, cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: %s: missing brokers", sink.ErrConfig, alias)
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if _, err := sarama.ParseKafkaVersion(cfg.Version); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sink.ErrConfig, alias, err)
	}
	return &Sink{cfg: cfg, log: logging.Connector("sink", alias)}, nil
}

// NewWithProducer wraps an existing producer; Connect becomes a no-op.
func NewWithProducer(alias string, cfg Config, p sarama.SyncProducer) *Sink {
	return &Sink{cfg: cfg, p: p, log: logging.Connector("sink", alias)}
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

func (s *Sink) Connect(context.Context) error {
	if s.p != nil {
		return nil
	}
	ver, _ := sarama.ParseKafkaVersion(s.cfg.Version)
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Producer.RequiredAcks = sarama.RequiredAcks(s.cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if s.cfg.ClientID != "" {
		sc.ClientID = s.cfg.ClientID
	}
	p, err := sarama.NewSyncProducer(s.cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	s.p = p
	s.log.Info("kafka sink connected", "brokers", s.cfg.Brokers)
	return nil
}

func (s *Sink) OnEvent(_ context.Context, _ string, ev event.Event, sc *sink.Context) (event.Reply, error) {
	if s.p == nil {
		return event.Reply{}, errors.New("kafka sink not connected")
	}
	items := bulk.Items(ev)
	results := make([]bulk.Result, len(items))
	msgs := make([]*sarama.ProducerMessage, 0, len(items))

	for i, it := range items {
		set := bulk.Settings(ev, it, Kind)
		msg, reason := s.message(it, set)
		if msg == nil {
			results[i] = bulk.Result{Reason: reason}
			continue
		}
		msg.Metadata = i
		msgs = append(msgs, msg)
	}

	if len(msgs) > 0 {
		if err := s.p.SendMessages(msgs); err != nil {
			var perrs sarama.ProducerErrors
			if !errors.As(err, &perrs) {
				return bulk.Reconcile(sc, Kind, ev, nil, err), nil
			}
			// A record lost in transit was never delivered, so the whole
			// event fails and goes back to its source.
			for _, pe := range perrs {
				if isTransport(pe.Err) {
					return bulk.Reconcile(sc, Kind, ev, nil, pe.Err), nil
				}
			}
			for _, pe := range perrs {
				if i, ok := pe.Msg.Metadata.(int); ok {
					results[i] = bulk.Result{Reason: pe.Err.Error(), Meta: recordMeta(pe.Msg)}
				}
			}
		}
		for _, m := range msgs {
			i := m.Metadata.(int)
			if results[i].Reason == "" {
				results[i] = bulk.Result{OK: true, Value: items[i].Value, Meta: recordMeta(m)}
			}
		}
	}
	return bulk.Reconcile(sc, Kind, ev, results, nil), nil
}

// message builds the record for one item, or returns why it cannot be sent.
func (s *Sink) message(it bulk.Item, set map[string]any) (*sarama.ProducerMessage, string) {
	topic, _ := set["topic"].(string)
	if topic == "" {
		topic = s.cfg.Topic
	}
	if topic == "" {
		return nil, "no topic for item"
	}
	var value []byte
	switch v := it.Value.(type) {
	case []byte:
		value = v
	case string:
		value = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err.Error()
		}
		value = b
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(value)}
	if key, ok := set["key"].(string); ok {
		msg.Key = sarama.StringEncoder(key)
	}
	if hs, ok := set["headers"].(map[string]any); ok {
		for k, v := range hs {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(fmt.Sprint(v))})
		}
	}
	return msg, ""
}

// isTransport tells connection and availability failures apart from the
// broker rejecting a record.
func isTransport(err error) bool {
	var ne net.Error
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, sarama.ErrClosedClient),
		errors.Is(err, sarama.ErrShuttingDown),
		errors.Is(err, sarama.ErrIncompleteResponse),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne):
		return true
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrRequestTimedOut,
			sarama.ErrBrokerNotAvailable,
			sarama.ErrLeaderNotAvailable,
			sarama.ErrNotLeaderForPartition,
			sarama.ErrNotEnoughReplicas,
			sarama.ErrNotEnoughReplicasAfterAppend,
			sarama.ErrNetworkException:
			return true
		}
	}
	return false
}

func recordMeta(m *sarama.ProducerMessage) map[string]any {
	return map[string]any{"topic": m.Topic, "partition": int64(m.Partition), "offset": m.Offset}
}

func (s *Sink) AutoAck() bool { return false }

func (s *Sink) Close(context.Context) error {
	if s.p == nil {
		return nil
	}
	return s.p.Close()
}
