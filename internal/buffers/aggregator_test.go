package buffers

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vibetunnel/vibetunnel/internal/protocol"
	"github.com/vibetunnel/vibetunnel/internal/termemu"
)

// countingSnapshot serves a fixed screen and counts encode requests.
func countingSnapshot() (SnapshotFunc, *atomic.Int64) {
	var calls atomic.Int64
	emu := termemu.New(20, 5)
	emu.Write([]byte("snap"))
	fn := func(id string) (*termemu.Screen, error) {
		if id == "missing" {
			return nil, fmt.Errorf("no such session")
		}
		calls.Add(1)
		return emu.Snapshot(), nil
	}
	return fn, &calls
}

func (c *Client) queued() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.queue))
	copy(out, c.queue)
	return out
}

func TestSubscribeDeliversImmediateSnapshot(t *testing.T) {
	snap, calls := countingSnapshot()
	a := New(snap, nil, clockwork.NewFakeClock())
	c := NewClient(nil)
	a.Register(c)

	a.Subscribe(c, "sess")
	frames := c.queued()
	if len(frames) != 1 {
		t.Fatalf("queue has %d frames after subscribe, want 1", len(frames))
	}
	sid, payload, err := protocol.UnwrapFrame(frames[0])
	if err != nil {
		t.Fatalf("UnwrapFrame failed: %v", err)
	}
	if sid != "sess" {
		t.Errorf("frame session = %q, want sess", sid)
	}
	screen, err := protocol.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if screen.Cells[0][0].Rune != 's' {
		t.Error("snapshot does not reflect prior output")
	}
	if calls.Load() != 1 {
		t.Errorf("snapshot calls = %d, want 1", calls.Load())
	}

	// Subscribing again to the same session is a no-op.
	a.Subscribe(c, "sess")
	if len(c.queued()) != 1 {
		t.Error("duplicate subscribe queued another frame")
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	snap, _ := countingSnapshot()
	a := New(snap, nil, clockwork.NewFakeClock())
	c := NewClient(nil)
	a.Register(c)

	a.Subscribe(c, "missing")
	if len(c.queued()) != 0 {
		t.Error("subscribe to unknown session queued a frame")
	}
}

func TestNotifySkipsWithoutSubscribers(t *testing.T) {
	snap, calls := countingSnapshot()
	clock := clockwork.NewFakeClock()
	a := New(snap, nil, clock)

	a.Notify("sess")
	clock.Advance(coalesceWindow * 2)
	if calls.Load() != 0 {
		t.Errorf("snapshot encoded %d times with no subscribers, want 0", calls.Load())
	}
}

func waitCalls(t *testing.T, calls *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("snapshot calls = %d, want %d", calls.Load(), want)
}

func TestNotifyCoalescesBursts(t *testing.T) {
	snap, calls := countingSnapshot()
	clock := clockwork.NewFakeClock()
	a := New(snap, nil, clock)
	c := NewClient(nil)
	a.Register(c)
	a.Subscribe(c, "sess")
	waitCalls(t, calls, 1) // the subscribe snapshot

	// A burst of notifies inside one window yields a single encode.
	for i := 0; i < 10; i++ {
		a.Notify("sess")
	}
	clock.Advance(coalesceWindow)
	waitCalls(t, calls, 2)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(c.queued()) > 2 {
			t.Fatal("burst produced more than one broadcast frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(c.queued()) != 2 {
		t.Errorf("queue has %d frames, want subscribe + one broadcast", len(c.queued()))
	}

	// The next window opens again.
	a.Notify("sess")
	clock.Advance(coalesceWindow)
	waitCalls(t, calls, 3)
}

func TestUnsubscribeFiresOnZero(t *testing.T) {
	snap, _ := countingSnapshot()
	a := New(snap, nil, clockwork.NewFakeClock())
	var zeroed atomic.Value
	a.OnZero = func(id string) { zeroed.Store(id) }

	c1 := NewClient(nil)
	c2 := NewClient(nil)
	a.Register(c1)
	a.Register(c2)
	a.Subscribe(c1, "sess")
	a.Subscribe(c2, "sess")
	if got := a.Subscribers("sess"); got != 2 {
		t.Fatalf("Subscribers = %d, want 2", got)
	}

	a.Unsubscribe(c1, "sess")
	if zeroed.Load() != nil {
		t.Error("OnZero fired while a subscriber remained")
	}
	if got := a.Subscribers("sess"); got != 1 {
		t.Errorf("Subscribers = %d, want 1", got)
	}

	a.Unsubscribe(c2, "sess")
	if got, _ := zeroed.Load().(string); got != "sess" {
		t.Errorf("OnZero id = %q, want sess", got)
	}
	if got := a.Subscribers("sess"); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
}

func TestUnregisterReleasesAll(t *testing.T) {
	snap, _ := countingSnapshot()
	a := New(snap, nil, clockwork.NewFakeClock())
	var zeroCount atomic.Int64
	a.OnZero = func(string) { zeroCount.Add(1) }

	c := NewClient(nil)
	a.Register(c)
	a.Subscribe(c, "a")
	a.Subscribe(c, "b")

	a.Unregister(c)
	if zeroCount.Load() != 2 {
		t.Errorf("OnZero fired %d times, want 2", zeroCount.Load())
	}
	if a.Subscribers("a") != 0 || a.Subscribers("b") != 0 {
		t.Error("subscriptions survived unregister")
	}

	// A dead client accepts no further frames.
	c.Enqueue([]byte{1})
	if len(c.queued()) != 0 {
		t.Error("closed client queued a frame")
	}
}

func TestQueueDropsOldest(t *testing.T) {
	c := NewClient(nil)
	for i := 0; i < sendQueueSize+10; i++ {
		c.Enqueue([]byte{byte(i)})
	}
	frames := c.queued()
	if len(frames) != sendQueueSize {
		t.Fatalf("queue length = %d, want %d", len(frames), sendQueueSize)
	}
	if frames[0][0] != 10 {
		t.Errorf("oldest frame = %d, want 10 after dropping", frames[0][0])
	}
	if !c.Stale() {
		t.Error("stale flag not set after drops")
	}
}
