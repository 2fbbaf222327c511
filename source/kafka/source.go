// Package kafka is a consumer-group source. Each (topic, partition) is a
// stream; offsets are marked once records are acked (commit_mode e2e) or
// as soon as they are pulled (commit_mode auto).
package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"tidewater/internal/logging"
	"tidewater/source"
)

const Kind = "kafka"

type partitionKey struct {
	topic     string
	partition int32
}

type pullKey struct{ stream, pull uint64 }

type delivery struct {
	msg     *sarama.ConsumerMessage
	sess    sarama.ConsumerGroupSession
	resolve func() (*int64, bool)
}

type Source struct {
	cfg Config
	log *slog.Logger

	client sarama.Client
	group  sarama.ConsumerGroup
	bp     *Controller
	msgs   chan delivery

	cpMu sync.Mutex
	cps  map[partitionKey]*Checkpointer[int64]

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex // pending is also cleared on rebalance
	pending map[pullKey]delivery

	// owned by the pulling goroutine
	streams map[partitionKey]uint64
	retry   []delivery
}

func init() {
	source.Register(Kind, func(alias, path string) (source.Source, error) {
		cfg, err := LoadConfig(alias, path)
		if err != nil {
			return nil, err
		}
		return New(alias, cfg)
	})
}

// New connects a consumer group. Consumption starts with the first pull.
func New(alias string, cfg Config) (*Source, error) {
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", source.ErrConfig, alias, err)
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	switch cfg.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka source %s: %w", alias, err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, cl)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("kafka source %s: %w", alias, err)
	}
	s := newSource(alias, cfg)
	s.client, s.group = cl, group
	return s, nil
}

func newSource(alias string, cfg Config) *Source {
	return &Source{
		cfg:     cfg,
		log:     logging.Connector("source", alias),
		bp:      NewController(cfg.BackPressure.Capacity, cfg.BackPressure.Capacity/10, cfg.BackPressure.CheckInt),
		msgs:    make(chan delivery, cfg.BackPressure.Capacity),
		cps:     map[partitionKey]*Checkpointer[int64]{},
		pending: map[pullKey]delivery{},
		streams: map[partitionKey]uint64{},
		done:    make(chan struct{}),
	}
}

func (s *Source) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.group == nil {
		close(s.done)
		return
	}

	go func() {
		for err := range s.group.Errors() {
			s.log.Warn("consumer group error", "err", err)
		}
	}()
	go func() {
		defer close(s.done)
		h := &groupHandler{src: s}
		for {
			if err := s.group.Consume(ctx, s.cfg.Topics, h); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				s.log.Warn("consume failed", "err", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

func (s *Source) streamID(topic string, partition int32) uint64 {
	k := partitionKey{topic, partition}
	id, ok := s.streams[k]
	if !ok {
		id = uint64(len(s.streams))
		s.streams[k] = id
	}
	return id
}

func (s *Source) PullData(_ context.Context, pullID uint64, _ *source.Context) (source.Reply, error) {
	s.startOnce.Do(s.start)

	for {
		d, ok := s.next()
		if !ok {
			return source.Empty(s.cfg.Poll), nil
		}
		if d.sess.Context().Err() != nil {
			// revoked; the partition's next owner redelivers the record
			s.bp.Release(1)
			continue
		}

		stream := s.streamID(d.msg.Topic, d.msg.Partition)
		if s.cfg.CommitMode == CommitAuto {
			s.resolve(d)
		} else {
			s.mu.Lock()
			s.pending[pullKey{stream, pullID}] = d
			s.mu.Unlock()
		}
		return source.Data(d.msg.Value, recordMeta(d.msg), stream), nil
	}
}

// next hands out retries first, then buffered records.
func (s *Source) next() (delivery, bool) {
	if len(s.retry) > 0 {
		d := s.retry[0]
		s.retry = s.retry[1:]
		return d, true
	}
	select {
	case d := <-s.msgs:
		return d, true
	default:
		return delivery{}, false
	}
}

func recordMeta(m *sarama.ConsumerMessage) map[string]any {
	km := map[string]any{
		"topic":     m.Topic,
		"partition": int64(m.Partition),
		"offset":    m.Offset,
		"timestamp": m.Timestamp.UnixMilli(),
	}
	if m.Key != nil {
		km["key"] = string(m.Key)
	}
	if len(m.Headers) > 0 {
		h := make(map[string]any, len(m.Headers))
		for _, rh := range m.Headers {
			h[string(rh.Key)] = string(rh.Value)
		}
		km["headers"] = h
	}
	return map[string]any{Kind: km}
}

// take removes the pending delivery of (stream, pull). With coalesced acks
// it removes every pending delivery of stream up to pull, oldest first.
func (s *Source) take(stream, pull uint64, sc *source.Context) []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc == nil || !sc.Coalesced {
		k := pullKey{stream, pull}
		d, ok := s.pending[k]
		if !ok {
			return nil
		}
		delete(s.pending, k)
		return []delivery{d}
	}

	var keys []pullKey
	for k := range s.pending {
		if k.stream == stream && k.pull <= pull {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b pullKey) int { return cmp.Compare(a.pull, b.pull) })
	out := make([]delivery, len(keys))
	for i, k := range keys {
		out[i] = s.pending[k]
		delete(s.pending, k)
	}
	return out
}

// resolve marks the contiguous checkpoint of d's partition and frees its
// backpressure token.
func (s *Source) resolve(d delivery) {
	cp, due := d.resolve()
	if cp != nil {
		d.sess.MarkOffset(d.msg.Topic, d.msg.Partition, *cp+1, "")
	}
	if due {
		d.sess.Commit()
	}
	s.bp.Release(1)
}

func (s *Source) Ack(_ context.Context, stream, pull uint64, sc *source.Context) error {
	for _, d := range s.take(stream, pull, sc) {
		s.resolve(d)
	}
	return nil
}

func (s *Source) Fail(_ context.Context, stream, pull uint64, sc *source.Context) error {
	ds := s.take(stream, pull, sc)
	if len(ds) == 0 {
		return nil
	}
	if s.cfg.RetryFailed {
		s.retry = append(s.retry, ds...)
		return nil
	}
	for _, d := range ds {
		s.log.Warn("record failed, skipping", "topic", d.msg.Topic, "partition", d.msg.Partition, "offset", d.msg.Offset)
		s.resolve(d)
	}
	return nil
}

func (s *Source) OnCbOpen(context.Context, *source.Context) error {
	if s.group != nil {
		s.group.ResumeAll()
	}
	return nil
}

func (s *Source) OnCbClose(context.Context, *source.Context) error {
	if s.group != nil {
		s.group.PauseAll()
	}
	return nil
}

func (s *Source) IsTransactional() bool { return s.cfg.CommitMode == CommitE2E }
func (s *Source) Asynchronous() bool    { return false }

func (s *Source) Close(context.Context) error {
	s.startOnce.Do(func() {
		s.cancel = func() {}
		close(s.done)
	})
	s.cancel()
	s.bp.Close()
	var errs []error
	if s.group != nil {
		errs = append(errs, s.group.Close())
	}
	<-s.done
	if s.client != nil && !s.client.Closed() {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}

func (s *Source) checkpointer(topic string, partition int32) *Checkpointer[int64] {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	k := partitionKey{topic, partition}
	cp, ok := s.cps[k]
	if !ok {
		cp = NewCheckpointer[int64](s.cfg.BackPressure.Capacity, s.cfg.Checkpoint.CommitInt)
		s.cps[k] = cp
	}
	return cp
}

/*──────── sarama.ConsumerGroupHandler ───────*/

type groupHandler struct{ src *Source }

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup drops pending deliveries of the ending session; their records will
// be redelivered to whoever owns the partitions next. Records of the session
// still buffered or queued for retry are skipped by PullData.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	s := h.src
	s.mu.Lock()
	dropped := 0
	for k, d := range s.pending {
		if d.sess == sess {
			delete(s.pending, k)
			d.resolve()
			s.bp.Release(1)
			dropped++
		}
	}
	s.mu.Unlock()

	s.cpMu.Lock()
	s.cps = map[partitionKey]*Checkpointer[int64]{}
	s.cpMu.Unlock()

	if dropped > 0 {
		s.log.Info("rebalance cleared pending records", "count", dropped)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.src
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := s.bp.Acquire(ctx); err != nil {
				return nil
			}
			resolve, err := s.checkpointer(msg.Topic, msg.Partition).Track(ctx, msg.Offset)
			if err != nil {
				s.bp.Release(1)
				return nil
			}
			select {
			case s.msgs <- delivery{msg: msg, sess: sess, resolve: resolve}:
			case <-ctx.Done():
				s.bp.Release(1)
				return nil
			}
		}
	}
}
