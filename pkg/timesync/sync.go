package timesync

import (
	"context"
	"log/slog"
)

// Sync consumes a merged stream of keyed events and emits groups of
// messages that fall inside the configured time window, one message per
// registered stream.
//
// The returned channel carries groups in non-decreasing commit order; it is
// closed when the input channel closes (after a final drain of the buffers)
// or when an event carries a fatal error, which is forwarded as the last
// Result. The returned watch publishes replace-latest Feedback snapshots
// for rate control.
//
// Preconditions are checked synchronously: at least one key, no duplicate
// keys, BufSize >= 2 and a non-negative window.
func Sync[K comparable, T Timestamped](
	ctx context.Context,
	input <-chan Event[K, T],
	keys []K,
	cfg Config,
) (<-chan Result[K, T], *Watch[Feedback[K]], error) {
	state, err := NewState[K, T](keys, cfg)
	if err != nil {
		return nil, nil, err
	}

	feedback := NewWatch(Feedback[K]{AcceptedKeys: append([]K(nil), keys...)})
	state.SetFeedback(feedback)

	out := make(chan Result[K, T])
	go runDriver(ctx, state, input, out)

	return out, feedback, nil
}

// runDriver is the single task that owns the state. All mutations happen
// here; producers only reach the state through the push path.
func runDriver[K comparable, T Timestamped](
	ctx context.Context,
	state *State[K, T],
	input <-chan Event[K, T],
	out chan<- Result[K, T],
) {
	defer close(out)
	if d := state.Staleness(); d != nil {
		defer d.Close()
	}

	emit := func(r Result[K, T]) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// recv pulls one event; ok=false with open=true means cancellation.
	recv := func() (ev Event[K, T], open, ok bool) {
		select {
		case ev, open = <-input:
			return ev, open, open
		case <-ctx.Done():
			return ev, true, false
		}
	}

	inputOpen := true
	for {
		if ctx.Err() != nil {
			return
		}

		// Prune messages that outlived their own dwell timeout or their
		// wall-clock staleness budget before considering a match.
		if commit, ok := state.CommitTimestamp(); ok {
			state.DropExpiredMessages(commit)
		}
		state.ProcessStalenessExpiration()

		if !inputOpen {
			// Drain phase: the input is exhausted; flush what can still be
			// matched, sacrificing minimum fronts where it cannot.
			if state.IsEmpty() {
				return
			}
			if group := state.TryMatch(); group != nil {
				if !emit(Result[K, T]{Group: group}) {
					return
				}
			} else {
				state.DropMin()
			}
			continue
		}

		switch {
		case !state.IsReady():
			// Fill: pull until every stream can answer the spread check.
			ev, open, ok := recv()
			if !ok {
				if !open {
					inputOpen = false
					continue
				}
				return
			}
			if ev.Err != nil {
				emit(Result[K, T]{Err: ev.Err})
				return
			}
			if err := state.Push(ev.Key, ev.Message); err != nil {
				logPushDrop(err)
			}

		case state.IsFull():
			// Every stream is maxed out: either a group exists, or one
			// message at the minimum front is sacrificed to restore
			// progress.
			if group := state.TryMatch(); group != nil {
				state.UpdateFeedback()
				if !emit(Result[K, T]{Group: group}) {
					return
				}
			} else {
				slog.Warn("no match while all buffers are full, dropping minimum front")
				state.DropMin()
				state.UpdateFeedback()
			}

		default:
			// Steady state: read one, try one.
			ev, open, ok := recv()
			if !ok {
				if !open {
					inputOpen = false
					continue
				}
				return
			}
			if ev.Err != nil {
				emit(Result[K, T]{Err: ev.Err})
				return
			}
			if err := state.Push(ev.Key, ev.Message); err != nil {
				logPushDrop(err)
				state.UpdateFeedback()
				continue
			}
			group := state.TryMatch()
			state.UpdateFeedback()
			if group != nil {
				if !emit(Result[K, T]{Group: group}) {
					return
				}
			}
		}
	}
}

func logPushDrop(err error) {
	slog.Debug("dropping rejected message", "reason", err)
}
