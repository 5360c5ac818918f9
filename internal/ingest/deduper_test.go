package ingest

import (
	"testing"
	"time"

	"github.com/snarg/zmeta-engine/internal/rules"
)

func alertAt(rule string, lat, lon *float64) rules.Alert {
	return rules.Alert{
		Type:     "alert",
		Rule:     rule,
		Severity: "warning",
		SensorID: "sensor_001",
		Modality: "rf",
		Loc:      rules.AlertLoc{Lat: lat, Lon: lon},
	}
}

func ptr(v float64) *float64 { return &v }

// ── Identity key ─────────────────────────────────────────────────────

func TestDedupKey(t *testing.T) {
	tests := []struct {
		name  string
		alert rules.Alert
		want  string
	}{
		{
			"coords_rounded_to_four_decimals",
			alertAt("geo", ptr(34.051234567), ptr(-117.186789)),
			"geo|sensor_001|warning|34.0512,-117.1868",
		},
		{
			"trailing_zeroes_trimmed",
			alertAt("geo", ptr(34.5), ptr(-117.0)),
			"geo|sensor_001|warning|34.5,-117",
		},
		{
			"missing_coords_render_as_none",
			alertAt("geo", nil, nil),
			"geo|sensor_001|warning|None,None",
		},
		{
			"one_sided_location",
			alertAt("geo", ptr(34.5), nil),
			"geo|sensor_001|warning|34.5,None",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DedupKey(tt.alert); got != tt.want {
				t.Errorf("DedupKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// ── Suppression window ───────────────────────────────────────────────

func TestShouldSend(t *testing.T) {
	t.Run("repeat_inside_ttl_suppressed", func(t *testing.T) {
		d := NewAlertDeduper(3 * time.Second)
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := base
		d.now = func() time.Time { return clock }

		a := alertAt("geo", ptr(34.5), ptr(-117.2))
		if !d.ShouldSend(a) {
			t.Fatal("first alert suppressed")
		}
		clock = base.Add(time.Second)
		if d.ShouldSend(a) {
			t.Fatal("repeat inside ttl not suppressed")
		}
		clock = base.Add(4 * time.Second)
		if !d.ShouldSend(a) {
			t.Fatal("alert after ttl suppressed")
		}

		checked, suppressed := d.Stats()
		if checked != 3 || suppressed != 1 {
			t.Errorf("Stats = (%d, %d), want (3, 1)", checked, suppressed)
		}
	})

	t.Run("different_identity_not_suppressed", func(t *testing.T) {
		d := NewAlertDeduper(3 * time.Second)
		if !d.ShouldSend(alertAt("geo", ptr(34.5), ptr(-117.2))) {
			t.Fatal("first alert suppressed")
		}
		if !d.ShouldSend(alertAt("geo", ptr(34.6), ptr(-117.2))) {
			t.Fatal("different location wrongly suppressed")
		}
		if !d.ShouldSend(alertAt("other-rule", ptr(34.5), ptr(-117.2))) {
			t.Fatal("different rule wrongly suppressed")
		}
	})

	t.Run("nearby_coords_collapse_at_four_decimals", func(t *testing.T) {
		d := NewAlertDeduper(3 * time.Second)
		if !d.ShouldSend(alertAt("geo", ptr(34.50001), ptr(-117.2))) {
			t.Fatal("first alert suppressed")
		}
		if d.ShouldSend(alertAt("geo", ptr(34.50004), ptr(-117.2))) {
			t.Fatal("sub-resolution jitter should dedupe")
		}
	})

	t.Run("expired_keys_pruned_past_cap", func(t *testing.T) {
		d := NewAlertDeduper(time.Second)
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := base
		d.now = func() time.Time { return clock }

		for i := 0; i < dedupMaxKeys; i++ {
			d.ShouldSend(alertAt("geo", ptr(float64(i)), ptr(0)))
		}
		clock = base.Add(2 * time.Second)
		// This insert exceeds the cap; everything older than the ttl goes.
		d.ShouldSend(alertAt("geo", ptr(-1), ptr(0)))

		d.mu.Lock()
		size := len(d.lastSent)
		d.mu.Unlock()
		if size != 1 {
			t.Errorf("map size = %d, want 1 after prune", size)
		}
	})
}
