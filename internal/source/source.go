// Package source provides the input adapters that feed keyed, timestamped
// messages into the synchronizer.
package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"icc.tech/flowsync/pkg/timesync"
)

// Message is the payload unit flowing through the agent. The engine treats
// it as opaque; only the timestamp and the optional dwell budget matter.
type Message struct {
	// Stream is the originating stream name.
	Stream string

	// TS is the message timestamp in domain time.
	TS time.Duration

	// TTL is the optional dwell budget; zero disables it.
	TTL time.Duration

	// Payload is the opaque message body.
	Payload []byte
}

// Timestamp implements timesync.Timestamped.
func (m *Message) Timestamp() time.Duration { return m.TS }

// Timeout implements timesync.Expirable.
func (m *Message) Timeout() (time.Duration, bool) { return m.TTL, m.TTL > 0 }

// Event is the agent's concrete input event type.
type Event = timesync.Event[string, *Message]

// Source emits keyed events until its data is exhausted or the context is
// cancelled. Fatal failures are reported both on the channel (terminating
// the session) and as the return value.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Event) error
}

// Merge fans the given sources into a single event channel. The channel is
// closed once every source returns.
func Merge(ctx context.Context, bufferSize int, sources ...Source) <-chan Event {
	out := make(chan Event, bufferSize)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, out); err != nil && ctx.Err() == nil {
				slog.Error("source failed", "source", src.Name(), "error", err)
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// DomainTime converts a split domain timestamp (e.g. a sensor header's
// {sec, nanosec}) to a Duration. Negative seconds floor to zero with a
// warning, per the embedding contract.
func DomainTime(sec int32, nanosec uint32) time.Duration {
	if sec < 0 {
		slog.Warn("negative domain timestamp floored to zero", "sec", sec)
		return 0
	}
	return time.Duration(sec)*time.Second + time.Duration(nanosec)*time.Nanosecond
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
