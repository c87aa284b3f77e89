// Package agent wires sources, the synchronization engine, and sinks into
// one running session.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"icc.tech/flowsync/internal/config"
	"icc.tech/flowsync/internal/metrics"
	"icc.tech/flowsync/internal/sink"
	"icc.tech/flowsync/internal/source"
	"icc.tech/flowsync/pkg/timesync"
)

// inputBuffer is the fan-in channel capacity between sources and the
// engine.
const inputBuffer = 1024

// Session is one synchronization run: a set of sources feeding the engine,
// whose groups are delivered to every sink.
type Session struct {
	id      string
	cfg     *config.GlobalConfig
	syncCfg timesync.Config
	keys    []string
	sources []source.Source
	sinks   []sink.Sink

	feedback atomic.Pointer[timesync.Watch[timesync.Feedback[string]]]
	stats    Stats

	wg sync.WaitGroup
}

// Stats contains session counters.
type Stats struct {
	Received   atomic.Uint64
	Groups     atomic.Uint64
	SinkErrors atomic.Uint64
}

// StatusDoc is the JSON document served at /statz.
type StatusDoc struct {
	SessionID       string   `json:"session_id"`
	Streams         []string `json:"streams"`
	Received        uint64   `json:"received"`
	Groups          uint64   `json:"groups"`
	SinkErrors      uint64   `json:"sink_errors"`
	AcceptedStreams []string `json:"accepted_streams"`
	CommitNanos     *int64   `json:"commit_timestamp_ns,omitempty"`
}

// NewSession builds a session from validated configuration.
func NewSession(cfg *config.GlobalConfig) (*Session, error) {
	syncCfg, err := cfg.ToSyncConfig()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		syncCfg: syncCfg,
		keys:    cfg.StreamNames(),
	}

	switch cfg.Source.Type {
	case "synthetic":
		for _, sc := range cfg.Source.Synthetic.Streams {
			src, err := source.NewSynthetic(sc)
			if err != nil {
				return nil, err
			}
			s.sources = append(s.sources, src)
		}
	case "pcap":
		src, err := source.NewPcapReplay(cfg.Source.Pcap)
		if err != nil {
			return nil, err
		}
		s.sources = append(s.sources, src)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Source.Type)
	}

	for _, sc := range cfg.Sinks {
		snk, err := sink.New(sc)
		if err != nil {
			return nil, err
		}
		s.sinks = append(s.sinks, snk)
	}

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run drives the session until the sources are exhausted or ctx is
// cancelled. It blocks.
func (s *Session) Run(ctx context.Context) error {
	logger := slog.With("session", s.id)
	logger.Info("session starting",
		"streams", s.keys,
		"window", s.syncCfg.WindowSize,
		"buffer_size", s.syncCfg.BufSize,
		"drop_policy", s.syncCfg.DropPolicy.String(),
	)
	metrics.SessionStatus.Set(metrics.SessionRunning)
	defer metrics.SessionStatus.Set(metrics.SessionStopped)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	input := source.Merge(sessionCtx, inputBuffer, s.sources...)
	counted := s.countEvents(sessionCtx, input)

	out, feedback, err := timesync.Sync(sessionCtx, counted, s.keys, s.syncCfg)
	if err != nil {
		metrics.SessionStatus.Set(metrics.SessionError)
		return fmt.Errorf("failed to start synchronizer: %w", err)
	}
	s.feedback.Store(feedback)

	s.wg.Add(1)
	go s.mirrorFeedback(sessionCtx, feedback)

	var runErr error
	for res := range out {
		if res.Err != nil {
			logger.Error("input stream failed", "error", res.Err)
			metrics.SessionStatus.Set(metrics.SessionError)
			runErr = res.Err
			break
		}
		s.deliver(sessionCtx, res.Group)
	}

	cancel()
	s.wg.Wait()
	for _, snk := range s.sinks {
		if err := snk.Close(); err != nil {
			logger.Error("sink close failed", "sink", snk.Name(), "error", err)
		}
	}

	logger.Info("session finished",
		"received", s.stats.Received.Load(),
		"groups", s.stats.Groups.Load(),
		"sink_errors", s.stats.SinkErrors.Load(),
	)
	return runErr
}

// countEvents mirrors the input stream while recording per-stream counters.
func (s *Session) countEvents(ctx context.Context, in <-chan source.Event) <-chan source.Event {
	out := make(chan source.Event, inputBuffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		for ev := range in {
			if ev.Err == nil {
				s.stats.Received.Add(1)
				metrics.EventsTotal.WithLabelValues(ev.Key, "received").Inc()
			} else {
				metrics.EventsTotal.WithLabelValues("", "error").Inc()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// deliver hands a group to every sink and updates the group metrics.
func (s *Session) deliver(ctx context.Context, group *sink.Group) {
	s.stats.Groups.Add(1)
	metrics.GroupsTotal.Inc()
	metrics.GroupSpanSeconds.Observe(groupSpan(group).Seconds())

	for _, snk := range s.sinks {
		if err := snk.Write(ctx, group); err != nil {
			s.stats.SinkErrors.Add(1)
			metrics.SinkErrorsTotal.WithLabelValues(snk.Name()).Inc()
			slog.Error("sink write failed", "sink", snk.Name(), "error", err)
		}
	}
}

// mirrorFeedback reflects feedback snapshots into the Prometheus gauges.
func (s *Session) mirrorFeedback(ctx context.Context, w *timesync.Watch[timesync.Feedback[string]]) {
	defer s.wg.Done()
	for {
		changed := w.Changed()
		fb, _ := w.Latest()

		accepting := make(map[string]bool, len(fb.AcceptedKeys))
		for _, key := range fb.AcceptedKeys {
			accepting[key] = true
		}
		for _, key := range s.keys {
			v := 0.0
			if accepting[key] {
				v = 1.0
			}
			metrics.StreamAccepting.WithLabelValues(key).Set(v)
		}
		if fb.CommitTimestamp != nil {
			metrics.CommitTimestampSeconds.Set(fb.CommitTimestamp.Seconds())
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

// Status snapshots the session state for the API server.
func (s *Session) Status() StatusDoc {
	doc := StatusDoc{
		SessionID:  s.id,
		Streams:    s.keys,
		Received:   s.stats.Received.Load(),
		Groups:     s.stats.Groups.Load(),
		SinkErrors: s.stats.SinkErrors.Load(),
	}
	if w := s.feedback.Load(); w != nil {
		fb, _ := w.Latest()
		doc.AcceptedStreams = fb.AcceptedKeys
		if fb.CommitTimestamp != nil {
			ns := fb.CommitTimestamp.Nanoseconds()
			doc.CommitNanos = &ns
		}
	}
	return doc
}

// groupSpan returns the timestamp spread inside a group.
func groupSpan(group *sink.Group) time.Duration {
	var lo, hi time.Duration
	first := true
	group.Each(func(_ string, msg *source.Message) {
		ts := msg.Timestamp()
		if first {
			lo, hi = ts, ts
			first = false
			return
		}
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	})
	return hi - lo
}
