package timesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStalenessConfigPresets(t *testing.T) {
	def := DefaultStalenessConfig()
	assert.Equal(t, 256, def.HeapMaxSize)
	assert.Equal(t, 100*time.Millisecond, def.HeapTimeHorizon)
	assert.Equal(t, 500*time.Microsecond, def.PrecisionGap)
	assert.Equal(t, 128, def.TimerWheelSlots)
	assert.False(t, def.EnableImmediateExpiration)

	hf := HighFrequencyStaleness()
	assert.Equal(t, 512, hf.HeapMaxSize)
	assert.Equal(t, 100*time.Microsecond, hf.PrecisionGap)
	assert.True(t, hf.EnableImmediateExpiration)

	lf := LowFrequencyStaleness()
	assert.Equal(t, 128, lf.HeapMaxSize)
	assert.True(t, lf.EnableImmediateExpiration)

	batch := BatchStaleness()
	assert.Equal(t, 64, batch.HeapMaxSize)
	assert.False(t, batch.EnableImmediateExpiration)
}

func TestConstrainedHeapBasics(t *testing.T) {
	h := newConstrainedHeap[string, testMsg](DefaultStalenessConfig())
	assert.Equal(t, 0, h.len())
	_, ok := h.nextExpiration()
	assert.False(t, ok)

	now := time.Now()
	require.True(t, h.tryAdd("key1", msg(1000), now.Add(50*time.Millisecond), now))
	assert.Equal(t, 1, h.len())
	next, ok := h.nextExpiration()
	require.True(t, ok)
	assert.Equal(t, now.Add(50*time.Millisecond), next)
}

func TestConstrainedHeapTemporalConstraint(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.HeapTimeHorizon = 50 * time.Millisecond
	h := newConstrainedHeap[string, testMsg](cfg)

	now := time.Now()
	assert.False(t, h.tryAdd("key1", msg(1000), now.Add(200*time.Millisecond), now))
	assert.Equal(t, 0, h.len())
}

func TestConstrainedHeapSizeConstraint(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.HeapMaxSize = 2
	cfg.HeapTimeHorizon = time.Second
	cfg.PrecisionGap = time.Microsecond
	h := newConstrainedHeap[string, testMsg](cfg)

	now := time.Now()
	require.True(t, h.tryAdd("key1", msg(1000), now.Add(50*time.Millisecond), now))
	require.True(t, h.tryAdd("key2", msg(2000), now.Add(100*time.Millisecond), now))

	assert.False(t, h.tryAdd("key3", msg(3000), now.Add(150*time.Millisecond), now))
	assert.Equal(t, 2, h.entryCount())
}

func TestConstrainedHeapCoalescing(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.PrecisionGap = 10 * time.Millisecond
	h := newConstrainedHeap[string, testMsg](cfg)

	now := time.Now()
	require.True(t, h.tryAdd("key1", msg(1000), now.Add(50*time.Millisecond), now))
	require.True(t, h.tryAdd("key2", msg(1000), now.Add(55*time.Millisecond), now))

	// Within the precision gap: a single entry holds both messages,
	// and they flush together.
	assert.Equal(t, 1, h.entryCount())
	assert.Equal(t, 2, h.len())

	expired := h.drainExpired(now.Add(60 * time.Millisecond))
	assert.Len(t, expired, 2)
}

func TestConstrainedHeapDrainOrder(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.HeapTimeHorizon = time.Second
	cfg.PrecisionGap = time.Microsecond
	h := newConstrainedHeap[string, testMsg](cfg)

	now := time.Now()
	require.True(t, h.tryAdd("late", msg(2000), now.Add(80*time.Millisecond), now))
	require.True(t, h.tryAdd("soon", msg(1000), now.Add(10*time.Millisecond), now))

	expired := h.drainExpired(now.Add(20 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, "soon", expired[0].Key)
	assert.Equal(t, 1, h.len())
}

func TestTimerWheelCollectsExpired(t *testing.T) {
	w := newTimerWheel[string, testMsg](10, 100*time.Millisecond)

	now := time.Now()
	w.add("key1", msg(1000), now.Add(-time.Millisecond))
	w.add("key2", msg(2000), now.Add(time.Hour))

	expired := w.advanceAndCollect(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "key1", expired[0].Key)
	assert.Equal(t, 1, w.len())
}

func TestTimerWheelSweepsAllSlotsAfterGap(t *testing.T) {
	w := newTimerWheel[string, testMsg](4, 10*time.Millisecond)

	// Entries land in different slots; a drain far in the future must
	// sweep them all even though the current slot index jumped.
	now := time.Now()
	w.add("a", msg(1), now.Add(5*time.Millisecond))
	w.add("b", msg(2), now.Add(25*time.Millisecond))
	w.add("c", msg(3), now.Add(35*time.Millisecond))

	expired := w.advanceAndCollect(now.Add(500 * time.Millisecond))
	assert.Len(t, expired, 3)
	assert.Equal(t, 0, w.len())
}

func TestTimerWheelNextExpirationAfterRotation(t *testing.T) {
	w := newTimerWheel[string, testMsg](4, time.Millisecond)

	now := time.Now()
	exp := now.Add(500 * time.Millisecond)
	w.add("a", msg(1), exp)

	// Advance well past a full rotation: the unexpired entry stays put
	// and its own expiration, not a slot boundary, is the next wakeup.
	assert.Empty(t, w.advanceAndCollect(now.Add(100*time.Millisecond)))
	next, ok := w.nextExpiration()
	require.True(t, ok)
	assert.Equal(t, exp, next)
}

func TestStalenessDetectorOverflowToWheel(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.HeapMaxSize = 1
	cfg.HeapTimeHorizon = 10 * time.Millisecond
	cfg.PrecisionGap = time.Microsecond
	d := NewStalenessDetector[string, testMsg](cfg)

	d.AddMessage("key1", msg(1000), 5*time.Millisecond)
	d.AddMessage("key2", msg(2000), 20*time.Millisecond) // beyond horizon

	stats := d.Stats()
	assert.Equal(t, 2, stats.TotalTracked)
	assert.Equal(t, 1, stats.HeapSize)
	assert.Equal(t, 1, stats.TimerWheelSize)

	_, ok := d.NextExpiration()
	assert.True(t, ok)
}

func TestStalenessDetectorDrainExpired(t *testing.T) {
	d := NewStalenessDetector[string, testMsg](DefaultStalenessConfig())

	d.AddMessage("key1", msg(1000), time.Millisecond)
	d.AddMessage("key2", msg(2000), 80*time.Millisecond)

	time.Sleep(10 * time.Millisecond)

	expired := d.DrainExpired()
	require.Len(t, expired, 1)
	assert.Equal(t, "key1", expired[0].Key)

	// A second drain right after returns nothing new: no reappearance.
	assert.Empty(t, d.DrainExpired())
	assert.Equal(t, 1, d.Stats().TotalTracked)
}

func TestStalenessDetectorImmediateMode(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.EnableImmediateExpiration = true
	d := NewStalenessDetector[string, testMsg](cfg)
	defer d.Close()

	d.AddMessage("key1", msg(1000), 5*time.Millisecond)

	// The background task moves the entry to the pending list once it
	// expires; DrainExpired picks it up.
	require.Eventually(t, func() bool {
		return len(d.DrainExpired()) == 1
	}, time.Second, 5*time.Millisecond)

	d.TriggerExpirationCheck()
	assert.Empty(t, d.DrainExpired())
}

func TestStalenessDetectorImmediateModeWheelEntry(t *testing.T) {
	cfg := HighFrequencyStaleness()
	d := NewStalenessDetector[string, testMsg](cfg)
	defer d.Close()

	// Timeout beyond the 50ms heap horizon: the entry lands in the wheel.
	d.AddMessage("key1", msg(1000), 150*time.Millisecond)

	stats := d.Stats()
	require.Equal(t, 1, stats.TimerWheelSize)
	require.Equal(t, 0, stats.HeapSize)

	// The advertised wakeup is the entry's real expiration, in the
	// future. A past instant here would spin the background task.
	next, ok := d.NextExpiration()
	require.True(t, ok)
	assert.Greater(t, time.Until(next), 50*time.Millisecond)

	// Nothing drains ahead of time.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, d.DrainExpired())
	assert.Equal(t, 1, d.Stats().TotalTracked)

	// The background task alone must pull the expired entry out of the
	// wheel; we only watch the stats until it does.
	require.Eventually(t, func() bool {
		return d.Stats().TimerWheelSize == 0
	}, time.Second, 10*time.Millisecond)

	expired := d.DrainExpired()
	require.Len(t, expired, 1)
	assert.Equal(t, "key1", expired[0].Key)
	assert.Equal(t, 0, d.Stats().TotalTracked)
}

func TestStalenessDetectorClear(t *testing.T) {
	d := NewStalenessDetector[string, testMsg](DefaultStalenessConfig())

	d.AddMessage("key1", msg(1000), 50*time.Millisecond)
	assert.Equal(t, 1, d.Stats().TotalTracked)

	d.Clear()
	assert.Equal(t, 0, d.Stats().TotalTracked)
	_, ok := d.NextExpiration()
	assert.False(t, ok)
}

func TestStalenessDetectorCloseIdempotent(t *testing.T) {
	cfg := DefaultStalenessConfig()
	cfg.EnableImmediateExpiration = true
	d := NewStalenessDetector[string, testMsg](cfg)
	d.Close()
	d.Close()
}
