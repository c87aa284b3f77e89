package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/flowsync/internal/config"
	"icc.tech/flowsync/internal/source"
	"icc.tech/flowsync/pkg/timesync"
)

func makeGroup(t *testing.T, entries map[string]time.Duration, order []string) *Group {
	t.Helper()

	state, err := timesync.NewState[string, *source.Message](order, timesync.Config{BufSize: 2})
	require.NoError(t, err)
	for _, key := range order {
		require.NoError(t, state.Push(key, &source.Message{Stream: key, TS: entries[key]}))
	}
	group := state.TryMatch()
	require.NotNil(t, group)
	return group
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(config.SinkConfig{Type: "mqtt"})
	assert.Error(t, err)
}

func TestNewDecodesOptions(t *testing.T) {
	s, err := New(config.SinkConfig{
		Type:    "console",
		Options: map[string]any{"compact": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "console", s.Name())
	assert.True(t, s.(*Console).opts.Compact)
}

func TestJSONLSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.jsonl")
	s, err := New(config.SinkConfig{
		Type:    "jsonl",
		Options: map[string]any{"path": path},
	})
	require.NoError(t, err)

	group := makeGroup(t, map[string]time.Duration{
		"camera": 1000 * time.Millisecond,
		"lidar":  1010 * time.Millisecond,
	}, []string{"camera", "lidar"})

	require.NoError(t, s.Write(context.Background(), group))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var rec struct {
		Keys       []string         `json:"keys"`
		Timestamps map[string]int64 `json:"timestamps_ns"`
	}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, []string{"camera", "lidar"}, rec.Keys)
	assert.Equal(t, (1000 * time.Millisecond).Nanoseconds(), rec.Timestamps["camera"])
	assert.Equal(t, (1010 * time.Millisecond).Nanoseconds(), rec.Timestamps["lidar"])
	assert.False(t, scanner.Scan())
}

func TestJSONLSinkRequiresPath(t *testing.T) {
	_, err := New(config.SinkConfig{Type: "jsonl"})
	assert.Error(t, err)
}
