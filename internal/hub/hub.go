// Package hub fans serialized events and alerts out to WebSocket
// subscribers. Each subscriber owns a bounded queue and a sender
// goroutine, so one slow client can delay a broadcast by at most the
// per-put timeout before losing messages and, eventually, its slot.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the slice of *websocket.Conn the hub uses; tests substitute a
// fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Counters is the slice of the metrics registry the hub updates.
type Counters interface {
	NoteWSSent()
	NoteWSDropped()
}

type Options struct {
	// QueueSize bounds each subscriber's outbound queue.
	QueueSize int
	// PutTimeout bounds how long a broadcast waits on one full queue.
	PutTimeout time.Duration
	// MaxBackpressureRetries is the consecutive-drop count that evicts.
	MaxBackpressureRetries int
	Metrics                Counters
	Log                    zerolog.Logger
}

type Subscriber struct {
	conn  Conn
	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	drops     atomic.Int32
}

// Send enqueues a frame directly for this subscriber (greeting, echo).
// Non-blocking; a full queue drops the frame.
func (s *Subscriber) Send(msg []byte) {
	select {
	case s.queue <- msg:
	case <-s.done:
	default:
	}
}

// Done is closed when the subscriber is evicted or disconnected.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	queueSize  int
	putTimeout time.Duration
	maxRetries int
	metrics    Counters
	log        zerolog.Logger
}

func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PutTimeout <= 0 {
		opts.PutTimeout = 250 * time.Millisecond
	}
	if opts.MaxBackpressureRetries <= 0 {
		opts.MaxBackpressureRetries = 3
	}
	return &Hub{
		subs:       make(map[*Subscriber]struct{}),
		queueSize:  opts.QueueSize,
		putTimeout: opts.PutTimeout,
		maxRetries: opts.MaxBackpressureRetries,
		metrics:    opts.Metrics,
		log:        opts.Log.With().Str("component", "ws-hub").Logger(),
	}
}

// Connect registers a subscriber for an accepted socket and starts its
// sender goroutine.
func (h *Hub) Connect(conn Conn) *Subscriber {
	s := &Subscriber{
		conn:  conn,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	go h.sender(s)
	h.log.Debug().Int("clients", n).Msg("subscriber connected")
	return s
}

// Disconnect removes the subscriber, stops its sender, and closes the
// socket. Idempotent; tolerates already-closed sockets.
func (h *Hub) Disconnect(s *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	if present {
		h.log.Debug().Int("clients", n).Msg("subscriber disconnected")
	}
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast fans one serialized message out to every subscriber in a
// single traversal over a membership snapshot. Per-subscriber delivery
// order matches enqueue order; after a drop no order is guaranteed
// across subscribers.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	for _, s := range snapshot {
		h.deliver(s, msg)
	}
}

// deliver attempts the bounded put and applies the backpressure policy:
// on timeout, count the drop, discard the oldest queued message, retry
// once non-blocking, and evict on a failed retry or when the consecutive
// drop count reaches the limit.
func (h *Hub) deliver(s *Subscriber, msg []byte) {
	select {
	case s.queue <- msg:
		s.drops.Store(0)
		return
	case <-s.done:
		return
	default:
	}

	timer := time.NewTimer(h.putTimeout)
	select {
	case s.queue <- msg:
		timer.Stop()
		s.drops.Store(0)
		return
	case <-s.done:
		timer.Stop()
		return
	case <-timer.C:
	}

	if h.metrics != nil {
		h.metrics.NoteWSDropped()
	}
	drops := s.drops.Add(1)
	h.log.Warn().Int32("consecutive_drops", drops).Msg("subscriber backpressure, dropping oldest")

	// Make room by discarding the oldest queued message, then retry.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- msg:
		if int(drops) >= h.maxRetries {
			h.log.Warn().Msg("evicting slow subscriber after repeated backpressure")
			h.Disconnect(s)
		}
	default:
		if h.metrics != nil {
			h.metrics.NoteWSDropped()
		}
		h.log.Warn().Msg("evicting slow subscriber, queue still full after drop")
		h.Disconnect(s)
	}
}

// sender is the per-subscriber writer loop; it is the only goroutine
// that writes to the socket.
func (h *Hub) sender(s *Subscriber) {
	for {
		select {
		case msg := <-s.queue:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug().Err(err).Msg("subscriber write failed")
				h.Disconnect(s)
				return
			}
			if h.metrics != nil {
				h.metrics.NoteWSSent()
			}
		case <-s.done:
			return
		}
	}
}
