package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"icc.tech/flowsync/internal/source"
)

// JSONLOptions configures the JSON-lines sink.
type JSONLOptions struct {
	Path string `mapstructure:"path"`
}

// JSONL appends one JSON object per group to a file: stream name to
// timestamp in nanoseconds, preserving key order via a parallel array.
type JSONL struct {
	file *os.File
	w    *bufio.Writer
}

type jsonlRecord struct {
	Keys       []string         `json:"keys"`
	Timestamps map[string]int64 `json:"timestamps_ns"`
	Sizes      map[string]int   `json:"payload_bytes"`
}

// NewJSONL creates the sink, truncating any existing file at path.
func NewJSONL(opts JSONLOptions) (*JSONL, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("jsonl sink requires 'path' option")
	}
	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create jsonl file: %w", err)
	}
	return &JSONL{file: f, w: bufio.NewWriter(f)}, nil
}

func (j *JSONL) Name() string { return "jsonl" }

func (j *JSONL) Write(_ context.Context, group *Group) error {
	rec := jsonlRecord{
		Keys:       group.Keys(),
		Timestamps: make(map[string]int64, group.Len()),
		Sizes:      make(map[string]int, group.Len()),
	}
	group.Each(func(key string, msg *source.Message) {
		rec.Timestamps[key] = msg.TS.Nanoseconds()
		rec.Sizes[key] = len(msg.Payload)
	})

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(data); err != nil {
		return err
	}
	return j.w.WriteByte('\n')
}

func (j *JSONL) Close() error {
	if err := j.w.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
