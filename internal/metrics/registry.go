// Package metrics tracks the ingest counters that back /healthz and the
// Prometheus collectors exposed on /metrics.
package metrics

import (
	"math"
	"sync"
	"time"
)

// epsRingSize bounds the validated-timestamp ring: ~10 minutes at 1 Hz.
const epsRingSize = 600

// Snapshot is an immutable copy of the registry counters.
type Snapshot struct {
	UDPReceivedTotal int64            `json:"udp_received_total"`
	ValidatedTotal   int64            `json:"validated_total"`
	DroppedTotal     int64            `json:"dropped_total"`
	AlertsTotal      int64            `json:"alerts_total"`
	WSSentTotal      int64            `json:"ws_sent_total"`
	WSDroppedTotal   int64            `json:"ws_dropped_total"`
	RecorderDropped  int64            `json:"recorder_dropped_total"`
	SequenceCounter  int64            `json:"sequence_counter"`
	LastPacketTs     *time.Time       `json:"last_packet_ts,omitempty"`
	AdapterCounts    map[string]int64 `json:"adapter_counts"`
}

// Registry is the process-wide counter set. All methods are safe for
// concurrent use from the ingest path, hub senders, and HTTP handlers;
// readers always observe a consistent snapshot.
type Registry struct {
	mu sync.Mutex

	udpReceived     int64
	validated       int64
	dropped         int64
	alerts          int64
	wsSent          int64
	wsDropped       int64
	recorderDropped int64
	sequence        int64
	adapterCounts   map[string]int64

	lastPacketTs time.Time

	// Ring of recent validated timestamps for the EPS window.
	validatedTs [epsRingSize]time.Time
	ringNext    int
	ringCount   int

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		adapterCounts: make(map[string]int64),
		now:           time.Now,
	}
}

func (r *Registry) NoteReceived() {
	r.mu.Lock()
	r.udpReceived++
	r.mu.Unlock()
	udpReceivedTotal.Inc()
}

func (r *Registry) NoteDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	droppedTotal.Inc()
}

func (r *Registry) NoteValidated() {
	r.mu.Lock()
	r.validated++
	now := r.now()
	r.lastPacketTs = now
	r.validatedTs[r.ringNext] = now
	r.ringNext = (r.ringNext + 1) % epsRingSize
	if r.ringCount < epsRingSize {
		r.ringCount++
	}
	r.mu.Unlock()
	validatedTotal.Inc()
}

func (r *Registry) NoteAlert() {
	r.mu.Lock()
	r.alerts++
	r.mu.Unlock()
	alertsTotal.Inc()
}

func (r *Registry) NoteWSSent() {
	r.mu.Lock()
	r.wsSent++
	r.mu.Unlock()
	wsSentTotal.Inc()
}

func (r *Registry) NoteWSDropped() {
	r.mu.Lock()
	r.wsDropped++
	r.mu.Unlock()
	wsDroppedTotal.Inc()
}

func (r *Registry) NoteRecorderDropped() {
	r.mu.Lock()
	r.recorderDropped++
	r.mu.Unlock()
	recorderDroppedTotal.Inc()
}

func (r *Registry) NoteAdapter(name string) {
	r.mu.Lock()
	r.adapterCounts[name]++
	r.mu.Unlock()
	adapterMatchesTotal.WithLabelValues(name).Inc()
}

// NextSequence returns the next per-process sequence value. Values are
// monotonic, unique, and gap-free, starting at 1.
func (r *Registry) NextSequence() int64 {
	r.mu.Lock()
	r.sequence++
	seq := r.sequence
	r.mu.Unlock()
	return seq
}

// EPS computes validated events per second over the trailing window.
func (r *Registry) EPS(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ringCount == 0 {
		return 0
	}
	cutoff := r.now().Add(-window)
	count := 0
	for i := 0; i < r.ringCount; i++ {
		if !r.validatedTs[i].Before(cutoff) {
			count++
		}
	}
	seconds := window.Seconds()
	if seconds < 1 {
		seconds = 1
	}
	return math.Round(float64(count)/seconds*100) / 100
}

// LastPacketAge returns seconds since the last validated event, nil when
// nothing has been validated yet.
func (r *Registry) LastPacketAge() *float64 {
	r.mu.Lock()
	ts := r.lastPacketTs
	now := r.now()
	r.mu.Unlock()
	if ts.IsZero() {
		return nil
	}
	age := math.Max(0, math.Round(now.Sub(ts).Seconds()*100)/100)
	return &age
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	adapters := make(map[string]int64, len(r.adapterCounts))
	for name, n := range r.adapterCounts {
		adapters[name] = n
	}
	snap := Snapshot{
		UDPReceivedTotal: r.udpReceived,
		ValidatedTotal:   r.validated,
		DroppedTotal:     r.dropped,
		AlertsTotal:      r.alerts,
		WSSentTotal:      r.wsSent,
		WSDroppedTotal:   r.wsDropped,
		RecorderDropped:  r.recorderDropped,
		SequenceCounter:  r.sequence,
		AdapterCounts:    adapters,
	}
	if !r.lastPacketTs.IsZero() {
		ts := r.lastPacketTs
		snap.LastPacketTs = &ts
	}
	return snap
}
