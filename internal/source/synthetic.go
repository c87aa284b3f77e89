package source

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"icc.tech/flowsync/internal/config"
)

// Synthetic generates one periodic timestamped stream. Messages are emitted
// at the fixed period; optional jitter lengthens the step between successive
// timestamps. Timestamps are strictly increasing regardless of jitter so the
// engine's monotonicity check never trips.
type Synthetic struct {
	name   string
	period time.Duration
	jitter time.Duration
	count  int
	ttl    time.Duration
	rng    *rand.Rand
}

// NewSynthetic builds a generator from its stream config.
func NewSynthetic(cfg config.SyntheticStreamConfig) (*Synthetic, error) {
	period, err := time.ParseDuration(cfg.Period)
	if err != nil {
		return nil, fmt.Errorf("stream %s: invalid period: %w", cfg.Name, err)
	}
	if period <= 0 {
		return nil, fmt.Errorf("stream %s: period must be positive", cfg.Name)
	}

	s := &Synthetic{
		name:   cfg.Name,
		period: period,
		count:  cfg.Count,
		rng:    rand.New(rand.NewSource(int64(len(cfg.Name)) * 1664525)),
	}
	if cfg.Jitter != "" {
		if s.jitter, err = time.ParseDuration(cfg.Jitter); err != nil {
			return nil, fmt.Errorf("stream %s: invalid jitter: %w", cfg.Name, err)
		}
	}
	if cfg.MessageTimeout != "" {
		if s.ttl, err = time.ParseDuration(cfg.MessageTimeout); err != nil {
			return nil, fmt.Errorf("stream %s: invalid message_timeout: %w", cfg.Name, err)
		}
	}
	return s, nil
}

func (s *Synthetic) Name() string { return s.name }

// Run emits messages paced at the configured period until count is reached
// (zero means unbounded) or the context is cancelled.
func (s *Synthetic) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	ts := s.period
	for i := 0; s.count == 0 || i < s.count; i++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		msg := &Message{
			Stream: s.name,
			TS:     ts,
			TTL:    s.ttl,
		}
		if !send(ctx, out, Event{Key: s.name, Message: msg}) {
			return ctx.Err()
		}

		step := s.period
		if s.jitter > 0 {
			step += time.Duration(s.rng.Int63n(int64(s.jitter)))
		}
		ts += step
	}
	return nil
}
