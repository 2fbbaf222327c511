// Package cb is a test source: it replays a file line by line and records
// every ack, fail and circuit breaker callback it receives. Once the file is
// exhausted it waits (up to a timeout) for all units to be acknowledged,
// logs a report and asks the process to shut down.
package cb

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"tidewater/internal/config"
	"tidewater/internal/logging"
	"tidewater/source"
)

const Kind = "cb"

const defaultTimeout = 10 * time.Second

type Config struct {
	Path          string `koanf:"path"`
	Timeout       int64  `koanf:"timeout"` // nanoseconds; 0 = report immediately
	ExpectBatched bool   `koanf:"expect_batched"`
}

// Received is the callback bookkeeping. Ids are appended in arrival order,
// duplicates included.
type Received struct {
	Acks     []uint64
	Fails    []uint64
	Triggers uint64 // circuit breaker closed
	Restores uint64 // circuit breaker opened
}

func (r *Received) count() int { return len(r.Acks) + len(r.Fails) }

func (r *Received) max() (uint64, bool) {
	var m uint64
	ok := false
	for _, ids := range [][]uint64{r.Acks, r.Fails} {
		for _, id := range ids {
			if !ok || id > m {
				m, ok = id, true
			}
		}
	}
	return m, ok
}

type Report struct {
	Success  bool
	Expected uint64 // highest pull id sent
	Sent     int
	Received
}

type Source struct {
	cfg Config
	log *slog.Logger

	f     *os.File
	lines *bufio.Scanner

	numSent  int
	lastSent uint64
	recv     Received
	finished bool
	deadline time.Time

	mu     sync.Mutex
	report *Report
}

func init() {
	source.Register(Kind, func(alias, path string) (source.Source, error) {
		var cfg Config
		k, err := config.LoadConnector(Kind, path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", source.ErrConfig, alias, err)
		}
		if !k.Exists("timeout") {
			cfg.Timeout = int64(defaultTimeout)
		}
		return New(alias, cfg)
	})
}

func New(alias string, cfg Config) (*Source, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: %s: missing path", source.ErrConfig, alias)
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("cb source %s: %w", alias, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Source{
		cfg:   cfg,
		log:   logging.Connector("source", alias),
		f:     f,
		lines: sc,
	}, nil
}

func (s *Source) PullData(_ context.Context, pullID uint64, sc *source.Context) (source.Reply, error) {
	if !s.finished {
		if s.lines.Scan() {
			s.numSent++
			s.lastSent = max(s.lastSent, pullID)
			line := append([]byte(nil), s.lines.Bytes()...)
			return source.Data(line, nil, source.DefaultStreamID), nil
		}
		if err := s.lines.Err(); err != nil {
			s.log.Warn("cb source read error, ending stream", "err", err)
		}
		s.finished = true
		s.deadline = time.Now().Add(time.Duration(s.cfg.Timeout))
		return source.EndStream(source.DefaultStreamID), nil
	}

	if !s.receivedAll() && s.cfg.Timeout > 0 {
		if left := time.Until(s.deadline); left > 0 {
			return source.Empty(left), nil
		}
	}

	s.finish(sc)
	return source.Finished(), nil
}

func (s *Source) receivedAll() bool {
	if s.cfg.ExpectBatched {
		m, ok := s.recv.max()
		return ok && m == s.lastSent
	}
	return s.recv.count() == s.numSent
}

func (s *Source) finish(sc *source.Context) {
	r := &Report{
		Success:  s.finished && s.receivedAll(),
		Expected: s.lastSent,
		Sent:     s.numSent,
		Received: Received{
			Acks:     append([]uint64(nil), s.recv.Acks...),
			Fails:    append([]uint64(nil), s.recv.Fails...),
			Triggers: s.recv.Triggers,
			Restores: s.recv.Restores,
		},
	}
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()

	if r.Success {
		s.log.Info("all required cb events received", "acks", r.Acks, "fails", r.Fails)
	} else {
		s.log.Error("missing cb events", "expected_up_to", r.Expected, "acks", r.Acks, "fails", r.Fails)
	}
	if sc != nil && sc.Shutdown != nil {
		sc.Shutdown(source.ShutdownGraceful)
	}
}

// Report returns the completion report once the source has finished.
func (s *Source) Report() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report == nil {
		return Report{}, false
	}
	return *s.report, true
}

func (s *Source) Ack(_ context.Context, _, pullID uint64, _ *source.Context) error {
	s.recv.Acks = append(s.recv.Acks, pullID)
	return nil
}

func (s *Source) Fail(_ context.Context, _, pullID uint64, _ *source.Context) error {
	s.recv.Fails = append(s.recv.Fails, pullID)
	return nil
}

func (s *Source) OnCbClose(context.Context, *source.Context) error {
	s.recv.Triggers++
	return nil
}

func (s *Source) OnCbOpen(context.Context, *source.Context) error {
	s.recv.Restores++
	return nil
}

func (s *Source) IsTransactional() bool { return true }
func (s *Source) Asynchronous() bool    { return false }

func (s *Source) Close(context.Context) error { return s.f.Close() }
