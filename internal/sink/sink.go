// Package sink delivers synchronized groups to their destinations.
package sink

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"icc.tech/flowsync/internal/config"
	"icc.tech/flowsync/internal/source"
	"icc.tech/flowsync/pkg/timesync"
)

// Group is the agent's concrete output group type.
type Group = timesync.Group[string, *source.Message]

// Sink receives synchronized groups in emission order.
type Sink interface {
	Name() string
	Write(ctx context.Context, group *Group) error
	Close() error
}

// New builds a sink from its config entry. Per-type options are decoded
// from the generic options map.
func New(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "console":
		var opts ConsoleOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("console sink options: %w", err)
		}
		return NewConsole(opts), nil
	case "jsonl":
		var opts JSONLOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("jsonl sink options: %w", err)
		}
		return NewJSONL(opts)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

func decodeOptions(raw map[string]any, target any) error {
	if raw == nil {
		return nil
	}
	return mapstructure.Decode(raw, target)
}
