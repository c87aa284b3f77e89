package timesync

import (
	"container/heap"
	"sync"
	"time"
)

// StalenessConfig tunes pro-active message expiration: a bounded min-heap
// for near-term precise expirations with a timer wheel catching overflow.
type StalenessConfig struct {
	// HeapMaxSize caps the number of heap entries before new expirations
	// are delegated to the timer wheel.
	HeapMaxSize int

	// HeapTimeHorizon is the maximum distance into the future a heap entry
	// may expire; entries beyond it go to the timer wheel.
	HeapTimeHorizon time.Duration

	// PrecisionGap is the minimum separation between distinct heap
	// entries. Expirations closer than the gap coalesce into one entry and
	// flush together.
	PrecisionGap time.Duration

	// TimerWheelSlots and TimerWheelSlotDuration size the overflow ring.
	TimerWheelSlots        int
	TimerWheelSlotDuration time.Duration

	// EnableImmediateExpiration runs a background task that drains entries
	// as soon as they expire instead of waiting for the next poll.
	EnableImmediateExpiration bool
}

// DefaultStalenessConfig returns the general-purpose preset.
func DefaultStalenessConfig() StalenessConfig {
	return StalenessConfig{
		HeapMaxSize:            256,
		HeapTimeHorizon:        100 * time.Millisecond,
		PrecisionGap:           500 * time.Microsecond,
		TimerWheelSlots:        128,
		TimerWheelSlotDuration: 10 * time.Millisecond,
	}
}

// HighFrequencyStaleness is tuned for sub-millisecond real-time streams.
func HighFrequencyStaleness() StalenessConfig {
	return StalenessConfig{
		HeapMaxSize:               512,
		HeapTimeHorizon:           50 * time.Millisecond,
		PrecisionGap:              100 * time.Microsecond,
		TimerWheelSlots:           256,
		TimerWheelSlotDuration:    5 * time.Millisecond,
		EnableImmediateExpiration: true,
	}
}

// LowFrequencyStaleness is tuned for millisecond-precision streams.
func LowFrequencyStaleness() StalenessConfig {
	return StalenessConfig{
		HeapMaxSize:               128,
		HeapTimeHorizon:           500 * time.Millisecond,
		PrecisionGap:              10 * time.Millisecond,
		TimerWheelSlots:           64,
		TimerWheelSlotDuration:    50 * time.Millisecond,
		EnableImmediateExpiration: true,
	}
}

// BatchStaleness is tuned for relaxed, poll-driven batch processing.
func BatchStaleness() StalenessConfig {
	return StalenessConfig{
		HeapMaxSize:            64,
		HeapTimeHorizon:        time.Second,
		PrecisionGap:           100 * time.Millisecond,
		TimerWheelSlots:        32,
		TimerWheelSlotDuration: 200 * time.Millisecond,
	}
}

// Expired is one message drained out of the detector.
type Expired[K comparable, T Timestamped] struct {
	Key  K
	Item T
}

// StalenessStats describes the detector's current load.
type StalenessStats struct {
	HeapSize       int
	TimerWheelSize int
	TotalTracked   int
}

// ─── Constrained heap ───

type heapEntry[K comparable, T Timestamped] struct {
	expiration time.Time
	messages   []Expired[K, T]
}

type entryHeap[K comparable, T Timestamped] []*heapEntry[K, T]

func (h entryHeap[K, T]) Len() int           { return len(h) }
func (h entryHeap[K, T]) Less(i, j int) bool { return h[i].expiration.Before(h[j].expiration) }
func (h entryHeap[K, T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[K, T]) Push(x any)        { *h = append(*h, x.(*heapEntry[K, T])) }
func (h *entryHeap[K, T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// constrainedHeap is a min-heap keyed by expiration instant with three
// constraints: entry count cap, time horizon cap, and precision-gap
// coalescing. Entries within the gap share a slot and flush together.
type constrainedHeap[K comparable, T Timestamped] struct {
	entries entryHeap[K, T]
	cfg     StalenessConfig
}

func newConstrainedHeap[K comparable, T Timestamped](cfg StalenessConfig) *constrainedHeap[K, T] {
	return &constrainedHeap[K, T]{
		entries: make(entryHeap[K, T], 0, cfg.HeapMaxSize),
		cfg:     cfg,
	}
}

// tryAdd attempts to index (key, item) under expiration. It reports false
// when the entry must be delegated to the timer wheel.
func (c *constrainedHeap[K, T]) tryAdd(key K, item T, expiration, now time.Time) bool {
	if expiration.Sub(now) > c.cfg.HeapTimeHorizon {
		return false
	}

	// Coalesce into an existing entry within the precision gap. The
	// expiration of the entry is unchanged, so the heap order holds.
	if e := c.findCoalescingSlot(expiration); e != nil {
		e.messages = append(e.messages, Expired[K, T]{Key: key, Item: item})
		return true
	}

	if len(c.entries) >= c.cfg.HeapMaxSize {
		return false
	}

	heap.Push(&c.entries, &heapEntry[K, T]{
		expiration: expiration,
		messages:   []Expired[K, T]{{Key: key, Item: item}},
	})
	return true
}

func (c *constrainedHeap[K, T]) findCoalescingSlot(target time.Time) *heapEntry[K, T] {
	for _, e := range c.entries {
		diff := target.Sub(e.expiration)
		if diff < 0 {
			diff = -diff
		}
		if diff <= c.cfg.PrecisionGap {
			return e
		}
	}
	return nil
}

func (c *constrainedHeap[K, T]) nextExpiration() (time.Time, bool) {
	if len(c.entries) == 0 {
		return time.Time{}, false
	}
	return c.entries[0].expiration, true
}

func (c *constrainedHeap[K, T]) drainExpired(now time.Time) []Expired[K, T] {
	var expired []Expired[K, T]
	for len(c.entries) > 0 && !c.entries[0].expiration.After(now) {
		e := heap.Pop(&c.entries).(*heapEntry[K, T])
		expired = append(expired, e.messages...)
	}
	return expired
}

func (c *constrainedHeap[K, T]) len() int {
	n := 0
	for _, e := range c.entries {
		n += len(e.messages)
	}
	return n
}

func (c *constrainedHeap[K, T]) entryCount() int { return len(c.entries) }

func (c *constrainedHeap[K, T]) clear() {
	c.entries = c.entries[:0]
}

// ─── Timer wheel ───

type wheelEntry[K comparable, T Timestamped] struct {
	key        K
	item       T
	expiration time.Time
}

// timerWheel is a ring of fixed-duration slots holding expirations the heap
// rejected. Slot advancement is computed from wall clock, so slots can be
// skipped after a long gap between drains; drains therefore sweep every
// slot, not only the current one.
type timerWheel[K comparable, T Timestamped] struct {
	slots   [][]wheelEntry[K, T]
	slotDur time.Duration
	current int
	start   time.Time
}

func newTimerWheel[K comparable, T Timestamped](slots int, slotDur time.Duration) *timerWheel[K, T] {
	return &timerWheel[K, T]{
		slots:   make([][]wheelEntry[K, T], slots),
		slotDur: slotDur,
		start:   time.Now(),
	}
}

func (w *timerWheel[K, T]) add(key K, item T, expiration time.Time) {
	offset := expiration.Sub(w.start)
	if offset < 0 {
		offset = 0
	}
	index := (w.current + int(offset/w.slotDur)) % len(w.slots)
	w.slots[index] = append(w.slots[index], wheelEntry[K, T]{key: key, item: item, expiration: expiration})
}

func (w *timerWheel[K, T]) advanceAndCollect(now time.Time) []Expired[K, T] {
	var expired []Expired[K, T]
	for i, slot := range w.slots {
		kept := slot[:0]
		for _, e := range slot {
			if !e.expiration.After(now) {
				expired = append(expired, Expired[K, T]{Key: e.key, Item: e.item})
			} else {
				kept = append(kept, e)
			}
		}
		w.slots[i] = kept
	}

	elapsed := now.Sub(w.start)
	if elapsed < 0 {
		elapsed = 0
	}
	w.current = int(elapsed/w.slotDur) % len(w.slots)

	return expired
}

// nextExpiration returns the earliest expiration across all slots. Slot
// boundaries are no use here: current is a modular wall-clock value, so
// after one full rotation any boundary derived from it lies in the past
// and would wake sleepers long before the entries are due.
func (w *timerWheel[K, T]) nextExpiration() (time.Time, bool) {
	var next time.Time
	found := false
	for _, slot := range w.slots {
		for _, e := range slot {
			if !found || e.expiration.Before(next) {
				next = e.expiration
				found = true
			}
		}
	}
	return next, found
}

func (w *timerWheel[K, T]) len() int {
	n := 0
	for _, slot := range w.slots {
		n += len(slot)
	}
	return n
}

// ─── Detector ───

type expirationCommand int

const (
	rescheduleCheck expirationCommand = iota
	processExpired
)

// StalenessDetector indexes buffered messages by wall-clock expiration so
// they can be pruned before the matcher ever considers them. Near-term
// expirations live in the constrained heap; overflow lands in the timer
// wheel. With immediate expiration enabled a background task drains entries
// as they expire; otherwise callers poll DrainExpired.
//
// Drained messages are returned to the caller, which applies them to the
// matcher state under the driver's serialization; the detector never
// touches buffers itself.
type StalenessDetector[K comparable, T Timestamped] struct {
	mu      sync.Mutex
	heap    *constrainedHeap[K, T]
	wheel   *timerWheel[K, T]
	cfg     StalenessConfig
	pending []Expired[K, T]

	commands chan expirationCommand
	quit     chan struct{}
	done     chan struct{}
}

// NewStalenessDetector creates a detector. When the config enables
// immediate expiration a background task is started; call Close to stop it.
func NewStalenessDetector[K comparable, T Timestamped](cfg StalenessConfig) *StalenessDetector[K, T] {
	d := &StalenessDetector[K, T]{
		heap:  newConstrainedHeap[K, T](cfg),
		wheel: newTimerWheel[K, T](cfg.TimerWheelSlots, cfg.TimerWheelSlotDuration),
		cfg:   cfg,
	}
	if cfg.EnableImmediateExpiration {
		d.commands = make(chan expirationCommand, 64)
		d.quit = make(chan struct{})
		d.done = make(chan struct{})
		go d.runExpirationTask()
	}
	return d
}

// AddMessage registers (key, item) to expire after timeout.
func (d *StalenessDetector[K, T]) AddMessage(key K, item T, timeout time.Duration) {
	now := time.Now()
	expiration := now.Add(timeout)

	d.mu.Lock()
	if !d.heap.tryAdd(key, item, expiration, now) {
		d.wheel.add(key, item, expiration)
	}
	d.mu.Unlock()

	d.signal(rescheduleCheck)
}

// NextExpiration returns the earliest instant anything tracked can expire.
func (d *StalenessDetector[K, T]) NextExpiration() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextExpirationLocked()
}

func (d *StalenessDetector[K, T]) nextExpirationLocked() (time.Time, bool) {
	heapNext, heapOK := d.heap.nextExpiration()
	wheelNext, wheelOK := d.wheel.nextExpiration()
	switch {
	case heapOK && wheelOK:
		if heapNext.Before(wheelNext) {
			return heapNext, true
		}
		return wheelNext, true
	case heapOK:
		return heapNext, true
	case wheelOK:
		return wheelNext, true
	default:
		return time.Time{}, false
	}
}

// DrainExpired removes and returns every tracked message whose expiration
// has passed, including any the background task already set aside.
func (d *StalenessDetector[K, T]) DrainExpired() []Expired[K, T] {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	expired := d.pending
	d.pending = nil
	expired = append(expired, d.heap.drainExpired(now)...)
	expired = append(expired, d.wheel.advanceAndCollect(now)...)
	return expired
}

// TriggerExpirationCheck asks the background task to process expirations
// now. It is a no-op in lazy mode.
func (d *StalenessDetector[K, T]) TriggerExpirationCheck() {
	d.signal(processExpired)
}

// Stats reports the detector's current load.
func (d *StalenessDetector[K, T]) Stats() StalenessStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	heapSize := d.heap.len() + len(d.pending)
	wheelSize := d.wheel.len()
	return StalenessStats{
		HeapSize:       heapSize,
		TimerWheelSize: wheelSize,
		TotalTracked:   heapSize + wheelSize,
	}
}

// Clear drops all tracked messages.
func (d *StalenessDetector[K, T]) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heap.clear()
	d.wheel = newTimerWheel[K, T](d.cfg.TimerWheelSlots, d.cfg.TimerWheelSlotDuration)
	d.pending = nil
}

// Close stops the background task, if any.
func (d *StalenessDetector[K, T]) Close() {
	if d.quit == nil {
		return
	}
	select {
	case <-d.quit:
	default:
		close(d.quit)
		<-d.done
	}
}

func (d *StalenessDetector[K, T]) signal(cmd expirationCommand) {
	if d.commands == nil {
		return
	}
	select {
	case d.commands <- cmd:
	default:
		// A full inbox already guarantees a pending wakeup.
	}
}

// runExpirationTask sleeps until the next expiration or an inbox command,
// then moves expired entries to the pending list for the next drain.
func (d *StalenessDetector[K, T]) runExpirationTask() {
	defer close(d.done)

	const idleSleep = 24 * time.Hour

	timer := time.NewTimer(idleSleep)
	defer timer.Stop()

	for {
		sleep := idleSleep
		if next, ok := d.NextExpiration(); ok {
			sleep = time.Until(next)
			// Floor the sleep so an already-due (or clock-skewed) entry
			// cannot re-fire the timer without forward progress.
			if sleep < time.Millisecond {
				sleep = time.Millisecond
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-timer.C:
			d.collectToPending()
		case cmd := <-d.commands:
			if cmd == processExpired {
				d.collectToPending()
			}
			// rescheduleCheck just recomputes the sleep above.
		case <-d.quit:
			return
		}
	}
}

func (d *StalenessDetector[K, T]) collectToPending() {
	now := time.Now()
	d.mu.Lock()
	d.pending = append(d.pending, d.heap.drainExpired(now)...)
	d.pending = append(d.pending, d.wheel.advanceAndCollect(now)...)
	d.mu.Unlock()
}
