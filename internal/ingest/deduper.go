package ingest

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/snarg/zmeta-engine/internal/rules"
)

const dedupMaxKeys = 10000

// AlertDeduper suppresses repeats of the same alert within a short TTL so a
// sensor streaming at 10 Hz inside a geofence does not flood subscribers.
type AlertDeduper struct {
	ttl time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	checked    int64
	suppressed int64

	now func() time.Time
}

func NewAlertDeduper(ttl time.Duration) *AlertDeduper {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &AlertDeduper{
		ttl:      ttl,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// ShouldSend reports whether the alert's identity key was seen within the
// TTL, recording it when not.
func (d *AlertDeduper) ShouldSend(a rules.Alert) bool {
	key := DedupKey(a)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.checked++

	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.ttl {
		d.suppressed++
		return false
	}
	d.lastSent[key] = now
	if len(d.lastSent) > dedupMaxKeys {
		d.prune(now)
	}
	return true
}

// Stats returns the checked/suppressed counters.
func (d *AlertDeduper) Stats() (checked, suppressed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checked, d.suppressed
}

// prune drops expired keys; called under mu when the map outgrows the cap.
func (d *AlertDeduper) prune(now time.Time) {
	for key, last := range d.lastSent {
		if now.Sub(last) >= d.ttl {
			delete(d.lastSent, key)
		}
	}
}

// DedupKey builds the alert identity key: rule, sensor, severity, and the
// coordinates rounded to four decimals. Missing coordinates render as the
// literal "None" so distinct location-free alerts still collapse.
func DedupKey(a rules.Alert) string {
	return strings.Join([]string{
		a.Rule,
		a.SensorID,
		a.Severity,
		coordKey(a.Loc.Lat) + "," + coordKey(a.Loc.Lon),
	}, "|")
}

func coordKey(v *float64) string {
	if v == nil {
		return "None"
	}
	rounded := math.Round(*v*10000) / 10000
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
