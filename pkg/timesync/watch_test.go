package timesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchLatestValueWins(t *testing.T) {
	w := NewWatch(1)

	v, ver := w.Latest()
	assert.Equal(t, 1, v)
	assert.Equal(t, uint64(0), ver)

	// Intermediate values may be overwritten before anyone reads them.
	w.Set(2)
	w.Set(3)

	v, ver = w.Latest()
	assert.Equal(t, 3, v)
	assert.Equal(t, uint64(2), ver)
}

func TestWatchChanged(t *testing.T) {
	w := NewWatch(0)
	ch := w.Changed()

	select {
	case <-ch:
		t.Fatal("changed before any Set")
	default:
	}

	w.Set(42)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Set did not signal observers")
	}

	v, _ := w.Latest()
	require.Equal(t, 42, v)
}

func TestNotifierBroadcastReleasesAllWaiters(t *testing.T) {
	n := newNotifier()

	const waiters = 4
	released := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		ch := n.Wait()
		go func() {
			<-ch
			released <- struct{}{}
		}()
	}

	n.Broadcast()

	for i := 0; i < waiters; i++ {
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("waiter not released by broadcast")
		}
	}
}
