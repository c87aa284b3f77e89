package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"icc.tech/flowsync/internal/source"
)

// ConsoleOptions configures the console sink.
type ConsoleOptions struct {
	// Compact prints one line per group instead of one line per member.
	Compact bool `mapstructure:"compact"`
}

// Console prints group summaries to stdout.
type Console struct {
	opts ConsoleOptions
	out  io.Writer
}

// NewConsole creates a console sink.
func NewConsole(opts ConsoleOptions) *Console {
	return &Console{opts: opts, out: os.Stdout}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Write(_ context.Context, group *Group) error {
	if c.opts.Compact {
		parts := make([]string, 0, group.Len())
		group.Each(func(key string, msg *source.Message) {
			parts = append(parts, fmt.Sprintf("%s@%s", key, msg.TS.Round(time.Microsecond)))
		})
		_, err := fmt.Fprintf(c.out, "group [%s]\n", strings.Join(parts, " "))
		return err
	}

	if _, err := fmt.Fprintf(c.out, "group of %d:\n", group.Len()); err != nil {
		return err
	}
	var werr error
	group.Each(func(key string, msg *source.Message) {
		if werr == nil {
			_, werr = fmt.Fprintf(c.out, "  %-12s ts=%-14s payload=%dB\n", key, msg.TS, len(msg.Payload))
		}
	})
	return werr
}

func (c *Console) Close() error { return nil }
