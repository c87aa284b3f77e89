package timesync

import (
	"fmt"
	"time"
)

// DropPolicy selects the tie-break when a stream buffer reaches capacity.
type DropPolicy int

const (
	// RejectNew rejects incoming messages when the buffer is full,
	// preserving history. Suitable for offline replay processing.
	RejectNew DropPolicy = iota

	// DropOldest evicts the oldest buffered message to make room,
	// preserving recency. Suitable for live sensors.
	DropOldest
)

func (p DropPolicy) String() string {
	switch p {
	case RejectNew:
		return "reject_new"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("drop_policy(%d)", int(p))
	}
}

// Config carries the parameters passed to Sync.
type Config struct {
	// WindowSize is the maximum timestamp spread tolerated within an
	// emitted group. Zero means an infinite window: time-based dropping is
	// disabled and any aligned fronts form a group.
	WindowSize time.Duration

	// StartTime seeds the commit cursor so that messages with timestamps
	// at or below it are rejected as late. Nil accepts any timestamp.
	StartTime *time.Duration

	// BufSize is the per-stream buffer capacity. Must be at least 2 so the
	// matcher's spread check is meaningful.
	BufSize int

	// DropPolicy is applied when a stream buffer is at capacity.
	DropPolicy DropPolicy

	// Staleness enables pro-active real-time expiration when non-nil.
	Staleness *StalenessConfig
}

// Basic returns a config without staleness detection.
func Basic(windowSize time.Duration, startTime *time.Duration, bufSize int) Config {
	return Config{
		WindowSize: windowSize,
		StartTime:  startTime,
		BufSize:    bufSize,
	}
}

// Offline returns a config for offline replay processing: infinite window
// and RejectNew, preserving all data.
func Offline(bufSize int) Config {
	return Config{
		BufSize:    bufSize,
		DropPolicy: RejectNew,
	}
}

// Realtime returns a config for live sensor processing: finite window and
// DropOldest, always keeping the latest data.
func Realtime(windowSize time.Duration, bufSize int) Config {
	return Config{
		WindowSize: windowSize,
		BufSize:    bufSize,
		DropPolicy: DropOldest,
	}
}

// WithStaleness enables staleness detection on a copy of the config.
func (c Config) WithStaleness(sc StalenessConfig) Config {
	c.Staleness = &sc
	return c
}

func (c Config) validate() error {
	if c.BufSize < 2 {
		return fmt.Errorf("buf_size must be at least 2, got %d", c.BufSize)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("window_size must be positive or zero (infinite), got %v", c.WindowSize)
	}
	return nil
}
