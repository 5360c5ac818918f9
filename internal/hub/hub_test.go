package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeCounters struct {
	mu      sync.Mutex
	sent    int
	dropped int
}

func (c *fakeCounters) NoteWSSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *fakeCounters) NoteWSDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *fakeCounters) snapshot() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.dropped
}

// fakeConn records written frames; block makes every write hang until the
// connection is closed.
type fakeConn struct {
	mu     sync.Mutex
	frames []string
	closed bool
	block  chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func newBlockedConn() *fakeConn { return &fakeConn{block: make(chan struct{})} }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
		return errors.New("connection closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.block != nil {
			close(c.block)
		}
	}
	return nil
}

func (c *fakeConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ── Broadcast delivery ───────────────────────────────────────────────

func TestBroadcastDelivery(t *testing.T) {
	t.Run("every_subscriber_receives_every_message", func(t *testing.T) {
		counters := &fakeCounters{}
		h := New(Options{Metrics: counters, Log: zerolog.Nop()})
		c1, c2 := newFakeConn(), newFakeConn()
		h.Connect(c1)
		h.Connect(c2)

		h.Broadcast([]byte("one"))
		h.Broadcast([]byte("two"))

		for i, c := range []*fakeConn{c1, c2} {
			c := c
			waitFor(t, func() bool { return len(c.snapshot()) == 2 }, "subscriber did not receive both frames")
			frames := c.snapshot()
			if frames[0] != "one" || frames[1] != "two" {
				t.Errorf("subscriber %d frames = %v, want [one two]", i, frames)
			}
		}
		waitFor(t, func() bool { sent, _ := counters.snapshot(); return sent == 4 }, "ws_sent_total != 4")
	})

	t.Run("per_subscriber_order_is_preserved", func(t *testing.T) {
		h := New(Options{Log: zerolog.Nop()})
		c := newFakeConn()
		h.Connect(c)

		const n = 50
		for i := 0; i < n; i++ {
			h.Broadcast([]byte(fmt.Sprintf("msg-%03d", i)))
		}
		waitFor(t, func() bool { return len(c.snapshot()) == n }, "not all frames delivered")
		for i, frame := range c.snapshot() {
			if want := fmt.Sprintf("msg-%03d", i); frame != want {
				t.Fatalf("frame %d = %q, want %q", i, frame, want)
			}
		}
	})

	t.Run("broadcast_with_no_subscribers_is_a_noop", func(t *testing.T) {
		h := New(Options{Log: zerolog.Nop()})
		h.Broadcast([]byte("nobody"))
		if h.Len() != 0 {
			t.Errorf("Len = %d, want 0", h.Len())
		}
	})
}

// ── Backpressure and eviction ────────────────────────────────────────

func TestSlowSubscriberEviction(t *testing.T) {
	t.Run("stalled_subscriber_is_evicted", func(t *testing.T) {
		counters := &fakeCounters{}
		h := New(Options{
			QueueSize:              1,
			PutTimeout:             10 * time.Millisecond,
			MaxBackpressureRetries: 1,
			Metrics:                counters,
			Log:                    zerolog.Nop(),
		})
		slow := newBlockedConn()
		sub := h.Connect(slow)

		// The sender blocks on the first write; subsequent broadcasts fill
		// the one-slot queue and then hit the put timeout.
		for i := 0; i < 5 && h.Len() > 0; i++ {
			h.Broadcast([]byte("x"))
		}

		waitFor(t, func() bool { return h.Len() == 0 }, "slow subscriber was not evicted")
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscriber done channel not closed")
		}
		if _, dropped := counters.snapshot(); dropped == 0 {
			t.Error("expected ws_dropped_total > 0")
		}
	})

	t.Run("slow_subscriber_does_not_stall_fast_one", func(t *testing.T) {
		h := New(Options{
			QueueSize:              1,
			PutTimeout:             10 * time.Millisecond,
			MaxBackpressureRetries: 1,
			Log:                    zerolog.Nop(),
		})
		slow := newBlockedConn()
		fast := newFakeConn()
		h.Connect(slow)
		h.Connect(fast)

		const n = 5
		for i := 0; i < n; i++ {
			h.Broadcast([]byte(fmt.Sprintf("m%d", i)))
		}
		waitFor(t, func() bool { return len(fast.snapshot()) == n }, "fast subscriber starved by slow one")
	})

	t.Run("drop_counter_resets_after_successful_put", func(t *testing.T) {
		h := New(Options{QueueSize: 4, Log: zerolog.Nop()})
		c := newFakeConn()
		sub := h.Connect(c)

		sub.drops.Store(2)
		h.Broadcast([]byte("ok"))
		if got := sub.drops.Load(); got != 0 {
			t.Errorf("drops = %d, want 0 after successful put", got)
		}
	})
}

// ── Lifecycle ────────────────────────────────────────────────────────

func TestDisconnect(t *testing.T) {
	t.Run("disconnect_is_idempotent", func(t *testing.T) {
		h := New(Options{Log: zerolog.Nop()})
		c := newFakeConn()
		sub := h.Connect(c)
		if h.Len() != 1 {
			t.Fatalf("Len = %d, want 1", h.Len())
		}

		h.Disconnect(sub)
		h.Disconnect(sub)
		if h.Len() != 0 {
			t.Errorf("Len = %d, want 0", h.Len())
		}
		select {
		case <-sub.Done():
		default:
			t.Error("done channel not closed")
		}
	})

	t.Run("send_after_disconnect_does_not_block", func(t *testing.T) {
		h := New(Options{QueueSize: 1, Log: zerolog.Nop()})
		c := newFakeConn()
		sub := h.Connect(c)
		h.Disconnect(sub)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				sub.Send([]byte("late"))
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Send blocked after disconnect")
		}
	})

	t.Run("write_error_disconnects_subscriber", func(t *testing.T) {
		h := New(Options{Log: zerolog.Nop()})
		c := newFakeConn()
		c.Close() // writes will fail from the start
		h.Connect(c)

		h.Broadcast([]byte("boom"))
		waitFor(t, func() bool { return h.Len() == 0 }, "failed writer not disconnected")
	})
}

// ── Direct sends ─────────────────────────────────────────────────────

func TestSubscriberSend(t *testing.T) {
	h := New(Options{Log: zerolog.Nop()})
	c := newFakeConn()
	sub := h.Connect(c)

	sub.Send([]byte("greeting"))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 }, "direct send not delivered")
	if frames := c.snapshot(); frames[0] != "greeting" {
		t.Errorf("frame = %q, want greeting", frames[0])
	}
	h.Disconnect(sub)
}
