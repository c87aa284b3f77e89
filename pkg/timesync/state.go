package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultStalenessTimeout is used for messages without their own timeout
// when the window is infinite.
const defaultStalenessTimeout = 60 * time.Second

// State is the synchronization core: one ordered buffer per registered
// stream, a monotonic commit cursor, and the time-window matcher. Buffer
// iteration preserves registration order so emitted groups have a stable,
// user-defined key order.
//
// All methods are safe for concurrent use; in the usual arrangement the
// driver owns the state and producers only enter through PushBlocking.
type State[K comparable, T Timestamped] struct {
	mu sync.Mutex

	order   []K
	buffers map[K]*Buffer[T]

	commitTS  time.Duration
	hasCommit bool

	bufSize    int
	windowSize time.Duration // 0 = infinite
	dropPolicy DropPolicy

	space     *notifier
	feedback  *Watch[Feedback[K]]
	staleness *StalenessDetector[K, T]
}

// NewState creates a state with one empty buffer per key, in the given
// order.
func NewState[K comparable, T Timestamped](keys []K, cfg Config) (*State[K, T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one stream key is required")
	}

	s := &State[K, T]{
		order:      make([]K, 0, len(keys)),
		buffers:    make(map[K]*Buffer[T], len(keys)),
		bufSize:    cfg.BufSize,
		windowSize: cfg.WindowSize,
		dropPolicy: cfg.DropPolicy,
		space:      newNotifier(),
	}
	for _, key := range keys {
		if _, dup := s.buffers[key]; dup {
			return nil, fmt.Errorf("duplicate stream key: %v", key)
		}
		s.order = append(s.order, key)
		s.buffers[key] = NewBuffer[T](cfg.BufSize)
	}
	if cfg.StartTime != nil {
		s.commitTS = *cfg.StartTime
		s.hasCommit = true
	}
	if cfg.Staleness != nil {
		s.staleness = NewStalenessDetector[K, T](*cfg.Staleness)
	}
	return s, nil
}

// SetFeedback attaches the watch that receives feedback snapshots.
func (s *State[K, T]) SetFeedback(w *Watch[Feedback[K]]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = w
}

// Staleness returns the attached detector, or nil.
func (s *State[K, T]) Staleness() *StalenessDetector[K, T] { return s.staleness }

// Keys returns the registered stream keys in registration order.
func (s *State[K, T]) Keys() []K { return s.order }

// CommitTimestamp returns the commit cursor, if set.
func (s *State[K, T]) CommitTimestamp() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitTS, s.hasCommit
}

// BufferLen returns the number of buffered messages for key.
func (s *State[K, T]) BufferLen(key K) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[key]
	if !ok {
		return 0, false
	}
	return buf.Len(), true
}

// Push inserts item into the buffer identified by key. Rejections are
// returned as *PushError carrying the item: LateMessage when the timestamp
// is at or below the commit cursor, UnknownKey for unregistered streams,
// BufferFull at capacity under RejectNew, and OutOfOrder for watermark
// violations. Under DropOldest a full buffer evicts its oldest message
// instead of rejecting.
func (s *State[K, T]) Push(key K, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(key, item)
}

func (s *State[K, T]) pushLocked(key K, item T) error {
	ts := item.Timestamp()

	if s.hasCommit && s.commitTS >= ts {
		return pushErr(ErrLateMessage, item)
	}

	buf, ok := s.buffers[key]
	if !ok {
		return pushErr(ErrUnknownKey, item)
	}

	if buf.Len() >= s.bufSize {
		switch s.dropPolicy {
		case RejectNew:
			return pushErr(ErrBufferFull, item)
		case DropOldest:
			buf.PopFront()
		}
	}

	if s.staleness != nil {
		timeout, ok := messageTimeout(item)
		if !ok {
			if s.windowSize > 0 {
				timeout = s.windowSize
			} else {
				timeout = defaultStalenessTimeout
			}
		}
		s.staleness.AddMessage(key, item, timeout)
	}

	return buf.TryPush(item)
}

// PushBlocking is Push that suspends on BufferFull until a match frees
// space, the context is cancelled, or the optional timeout elapses (zero
// means no deadline). An elapsed deadline surfaces as a Timeout error
// carrying the item. Under DropOldest the call never blocks.
func (s *State[K, T]) PushBlocking(ctx context.Context, key K, item T, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Register for a wakeup before retrying so a match between the
		// failed push and the wait is not lost.
		wakeup := s.space.Wait()

		err := s.Push(key, item)
		if err == nil {
			return nil
		}
		pe, ok := AsPushError[T](err)
		if !ok || pe.Kind != ErrBufferFull {
			return err
		}

		select {
		case <-wakeup:
		case <-deadline:
			return pushErr(ErrTimeout, item)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryMatch attempts to form a group: one message per stream whose
// timestamps fit inside the window. On success the group is returned in
// registration order, the commit cursor advances to the minimum popped
// timestamp, and all PushBlocking waiters are released. It returns nil when
// any buffer is empty or the spread check cannot yet confirm a window.
func (s *State[K, T]) TryMatch() *Group[K, T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryMatchLocked()
}

func (s *State[K, T]) tryMatchLocked() *Group[K, T] {
	var infTS time.Duration
	for {
		if s.isEmptyLocked() {
			return nil
		}

		inf, _ := s.infTimestampLocked()
		if s.windowSize == 0 {
			// Infinite window: aligned fronts form a group immediately.
			infTS = inf
			break
		}

		sup, _ := s.supTimestampLocked()

		// When every buffer holds exactly one message inf == sup, so the
		// spread check is vacuous; proceed to emit rather than wait for a
		// tie-breaking second sample.
		if !s.allOneLocked() && inf+s.windowSize > sup {
			return nil
		}

		windowStart := saturatingSub(inf, s.windowSize)
		dropped := false
		for _, key := range s.order {
			if s.buffers[key].DropBefore(windowStart) > 0 {
				dropped = true
			}
		}
		if dropped {
			continue // fronts moved; re-evaluate inf/sup
		}
		infTS = inf
		break
	}

	group := newGroup[K, T](len(s.order))
	var minTS time.Duration
	for i, key := range s.order {
		item, ok := s.buffers[key].PopFront()
		if !ok {
			panic("timesync: matched buffer drained concurrently")
		}
		ts := item.Timestamp()
		if s.windowSize > 0 && ts > infTS+s.windowSize {
			panic(fmt.Sprintf("timesync: matched message at %v escapes window ending %v", ts, infTS+s.windowSize))
		}
		if i == 0 || ts < minTS {
			minTS = ts
		}
		group.put(key, item)
	}

	s.commitTS = minTS
	s.hasCommit = true
	s.space.Broadcast()
	return group
}

// DropMin removes the globally minimum front message; front messages tied
// at that timestamp are popped from every buffer. Reports whether anything
// was dropped.
func (s *State[K, T]) DropMin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	minTS, ok := s.minTimestampLocked()
	if !ok {
		return false
	}
	for _, key := range s.order {
		if front, ok := s.buffers[key].Front(); ok && front.Timestamp() == minTS {
			s.buffers[key].PopFront()
		}
	}
	return true
}

// DropExpiredMessages prunes messages whose dwell timeout has elapsed
// relative to reference in every buffer, returning the total dropped.
func (s *State[K, T]) DropExpiredMessages(reference time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, key := range s.order {
		total += s.buffers[key].DropExpired(reference)
	}
	return total
}

// ProcessStalenessExpiration drains the staleness detector and removes the
// expired messages from the buffer fronts. Messages that already moved out
// of front position (matched or dropped) are ignored. Returns the number
// removed.
func (s *State[K, T]) ProcessStalenessExpiration() int {
	if s.staleness == nil {
		return 0
	}
	expired := s.staleness.DrainExpired()
	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, e := range expired {
		buf, ok := s.buffers[e.Key]
		if !ok {
			continue
		}
		if front, ok := buf.Front(); ok && front.Timestamp() == e.Item.Timestamp() {
			buf.PopFront()
			removed++
		}
	}
	return removed
}

// UpdateFeedback publishes a fresh feedback snapshot to the attached watch.
func (s *State[K, T]) UpdateFeedback() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.feedback == nil {
		return
	}

	accepted := make([]K, 0, len(s.order))
	for _, key := range s.order {
		if s.buffers[key].Len() < s.bufSize {
			accepted = append(accepted, key)
		}
	}
	snapshot := Feedback[K]{AcceptedKeys: accepted}
	if s.hasCommit {
		snapshot.CommitTimestamp = durationPtr(s.commitTS)
	}
	s.feedback.Set(snapshot)
}

// ─── Introspection ───

// IsReady reports whether every buffer holds at least two messages, the
// level at which the matcher's spread check becomes meaningful.
func (s *State[K, T]) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.order {
		if s.buffers[key].Len() < 2 {
			return false
		}
	}
	return true
}

// IsEmpty reports whether ANY buffer is empty — the condition under which
// TryMatch cannot succeed. The asymmetric name is deliberate.
func (s *State[K, T]) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isEmptyLocked()
}

func (s *State[K, T]) isEmptyLocked() bool {
	for _, key := range s.order {
		if s.buffers[key].IsEmpty() {
			return true
		}
	}
	return false
}

// IsFull reports whether every buffer is at capacity.
func (s *State[K, T]) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.order {
		if s.buffers[key].Len() < s.bufSize {
			return false
		}
	}
	return true
}

// AllOne reports whether every buffer holds exactly one message.
func (s *State[K, T]) AllOne() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allOneLocked()
}

func (s *State[K, T]) allOneLocked() bool {
	for _, key := range s.order {
		if s.buffers[key].Len() != 1 {
			return false
		}
	}
	return true
}

// InfTimestamp is the newest of the oldest-per-stream timestamps: the
// latest "earliest available" across streams. Unset while any buffer is
// empty.
func (s *State[K, T]) InfTimestamp() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infTimestampLocked()
}

func (s *State[K, T]) infTimestampLocked() (time.Duration, bool) {
	if s.isEmptyLocked() {
		return 0, false
	}
	var inf time.Duration
	for i, key := range s.order {
		front, _ := s.buffers[key].Front()
		if ts := front.Timestamp(); i == 0 || ts > inf {
			inf = ts
		}
	}
	return inf, true
}

// SupTimestamp is the oldest of the newest-per-stream timestamps: the
// earliest "latest available" across streams. Unset while any buffer is
// empty.
func (s *State[K, T]) SupTimestamp() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supTimestampLocked()
}

func (s *State[K, T]) supTimestampLocked() (time.Duration, bool) {
	if s.isEmptyLocked() {
		return 0, false
	}
	var sup time.Duration
	for i, key := range s.order {
		back, _ := s.buffers[key].Back()
		if ts := back.Timestamp(); i == 0 || ts < sup {
			sup = ts
		}
	}
	return sup, true
}

// MinTimestamp is the minimum front timestamp across non-empty buffers.
func (s *State[K, T]) MinTimestamp() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minTimestampLocked()
}

func (s *State[K, T]) minTimestampLocked() (time.Duration, bool) {
	found := false
	var min time.Duration
	for _, key := range s.order {
		front, ok := s.buffers[key].Front()
		if !ok {
			continue
		}
		if ts := front.Timestamp(); !found || ts < min {
			min = ts
			found = true
		}
	}
	return min, found
}
