package schema

import (
	"errors"
	"testing"
	"time"
)

func validPayload() map[string]any {
	return map[string]any{
		"timestamp":     "2026-01-02T03:04:05Z",
		"sensor_id":     "sensor_001",
		"modality":      "rf",
		"location":      map[string]any{"lat": 34.05, "lon": -117.18},
		"data":          map[string]any{"type": "rf_detection", "value": map[string]any{"frequency_hz": 915200000}},
		"source_format": "zmeta",
	}
}

// ── Strict validation ────────────────────────────────────────────────

func TestParseNative(t *testing.T) {
	t.Run("valid_payload_passes_strict", func(t *testing.T) {
		ev, adapter, err := Parse(validPayload())
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if adapter != "native" {
			t.Errorf("adapter = %q, want native", adapter)
		}
		if ev.SensorID != "sensor_001" {
			t.Errorf("SensorID = %q", ev.SensorID)
		}
		if ev.SchemaVersion != "1.0" {
			t.Errorf("SchemaVersion = %q, want 1.0 default", ev.SchemaVersion)
		}
		want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if !ev.Timestamp.Equal(want) {
			t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
		}
	})

	t.Run("modality_is_lowercased", func(t *testing.T) {
		p := validPayload()
		p["modality"] = "RF"
		ev, _, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if ev.Modality != "rf" {
			t.Errorf("Modality = %q, want rf", ev.Modality)
		}
	})

	t.Run("timestamp_normalized_to_utc", func(t *testing.T) {
		p := validPayload()
		p["timestamp"] = "2026-01-02T05:04:05+02:00"
		ev, _, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if ev.Timestamp.Location() != time.UTC {
			t.Errorf("Timestamp zone = %v, want UTC", ev.Timestamp.Location())
		}
		if ev.Timestamp.Hour() != 3 {
			t.Errorf("Timestamp hour = %d, want 3", ev.Timestamp.Hour())
		}
	})

	t.Run("missing_fields_reported_per_field", func(t *testing.T) {
		_, _, err := Parse(map[string]any{"sensor_id": "x"})
		if err == nil {
			t.Fatal("expected validation error")
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("error type = %T, want *ValidationError", err)
		}
		fields := map[string]bool{}
		for _, fe := range ve.Errors {
			fields[fe.Field] = true
		}
		for _, want := range []string{"timestamp", "modality", "location", "data", "source_format"} {
			if !fields[want] {
				t.Errorf("missing detail for field %q, got %v", want, ve.Errors)
			}
		}
	})

	t.Run("unknown_modality_rejected", func(t *testing.T) {
		p := validPayload()
		p["modality"] = "sonar"
		p["data"] = map[string]any{"type": "ping", "value": 1.0}
		_, _, err := Parse(p)
		if !errors.Is(err, ErrUnknownModality) {
			t.Fatalf("err = %v, want ErrUnknownModality", err)
		}
	})

	t.Run("unsupported_schema_version_rejected", func(t *testing.T) {
		p := validPayload()
		p["schema_version"] = "2.0"
		_, _, err := Parse(p)
		if !errors.Is(err, ErrUnsupportedSchemaVersion) {
			t.Fatalf("err = %v, want ErrUnsupportedSchemaVersion", err)
		}
	})

	t.Run("confidence_out_of_range_rejected", func(t *testing.T) {
		p := validPayload()
		p["data"] = map[string]any{"type": "rf_detection", "value": 1.0, "confidence": 1.5}
		_, _, err := Parse(p)
		if err == nil || !IsValidation(err) {
			t.Fatalf("err = %v, want validation error", err)
		}
	})

	t.Run("negative_sequence_rejected", func(t *testing.T) {
		p := validPayload()
		p["sequence"] = -1
		_, _, err := Parse(p)
		if err == nil || !IsValidation(err) {
			t.Fatalf("err = %v, want validation error", err)
		}
	})
}

// ── Adapter registry ─────────────────────────────────────────────────

func TestAdapterRFMHz(t *testing.T) {
	t.Run("simulator_mhz_converted_to_hz", func(t *testing.T) {
		p := map[string]any{
			"timestamp":     "2026-01-02T03:04:05Z",
			"sensor_id":     "sim_rf_7",
			"modality":      "rf",
			"location":      map[string]any{"lat": 34.0, "lon": -117.0},
			"data":          map[string]any{"type": "frequency", "value": 915.2, "units": "MHz"},
			"source_format": "simulated_json_v1",
		}
		ev, adapter, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if adapter != "rf-mhz" {
			t.Errorf("adapter = %q, want rf-mhz", adapter)
		}
		if ev.SourceFormat != "zmeta" {
			t.Errorf("SourceFormat = %q, want zmeta", ev.SourceFormat)
		}
		value, ok := ev.Data.Value.(map[string]any)
		if !ok {
			t.Fatalf("Data.Value type = %T, want object", ev.Data.Value)
		}
		if hz, _ := value["frequency_hz"].(float64); hz != 915200000 {
			t.Errorf("frequency_hz = %v, want 915200000", value["frequency_hz"])
		}
		if ev.Data.Type != "rf_detection" {
			t.Errorf("Data.Type = %q, want rf_detection", ev.Data.Type)
		}
	})

	// A simulator frame satisfies every canonical field check (non-empty
	// type, non-nil value), so adapter selection must key on the foreign
	// tag, not on strict validation failing first.
	t.Run("tagged_payload_adapted_despite_passing_strict_checks", func(t *testing.T) {
		p := map[string]any{
			"timestamp":     "2026-01-02T03:04:05Z",
			"sensor_id":     "sim_rf_7",
			"modality":      "rf",
			"location":      map[string]any{"lat": 34.0, "lon": -117.0},
			"data":          map[string]any{"type": "frequency", "value": 915.2, "units": "MHz"},
			"source_format": "simulated_json_v1",
		}
		ev, adapter, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if adapter == "native" {
			t.Fatal("simulator payload accepted as native")
		}
		if _, scalar := ev.Data.Value.(float64); scalar {
			t.Fatalf("Data.Value = %v, still the raw MHz scalar", ev.Data.Value)
		}
	})

	t.Run("unconvertible_foreign_payload_rejected", func(t *testing.T) {
		p := map[string]any{
			"timestamp":     "2026-01-02T03:04:05Z",
			"sensor_id":     "sim_rf_7",
			"modality":      "rf",
			"location":      map[string]any{"lat": 34.0, "lon": -117.0},
			"data":          map[string]any{"type": "frequency", "value": "not-a-number", "units": "MHz"},
			"source_format": "zmeta",
		}
		_, _, err := Parse(p)
		if err == nil || !IsValidation(err) {
			t.Fatalf("err = %v, want validation error", err)
		}
	})

	t.Run("carries_rssi_and_bandwidth", func(t *testing.T) {
		p := map[string]any{
			"timestamp": "2026-01-02T03:04:05Z",
			"sensor_id": "sim_rf_7",
			"modality":  "rf",
			"location":  map[string]any{"lat": 34.0, "lon": -117.0},
			"data": map[string]any{
				"type": "frequency", "value": 433.92, "units": "MHz",
				"rssi_dbm": -71.5, "bandwidth_hz": 20000,
			},
			"source_format": "simulated_json_v1",
		}
		ev, _, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		value, ok := ev.Data.Value.(map[string]any)
		if !ok {
			t.Fatalf("Data.Value type = %T, want object", ev.Data.Value)
		}
		if rssi, _ := value["rssi_dbm"].(float64); rssi != -71.5 {
			t.Errorf("rssi_dbm = %v, want -71.5", value["rssi_dbm"])
		}
		if bw, _ := value["bandwidth_hz"].(float64); bw != 20000 {
			t.Errorf("bandwidth_hz = %v, want 20000", value["bandwidth_hz"])
		}
	})
}

func TestAdapterV11(t *testing.T) {
	t.Run("projected_to_1_0_with_confidence_lifted", func(t *testing.T) {
		p := validPayload()
		p["schema_version"] = "1.1"
		p["confidence"] = 0.87
		ev, adapter, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if adapter != "v1.1" {
			t.Errorf("adapter = %q, want v1.1", adapter)
		}
		if ev.SchemaVersion != "1.0" {
			t.Errorf("SchemaVersion = %q, want 1.0", ev.SchemaVersion)
		}
		if ev.Data.Confidence == nil || *ev.Data.Confidence != 0.87 {
			t.Errorf("Data.Confidence = %v, want 0.87", ev.Data.Confidence)
		}
	})

	t.Run("existing_data_confidence_wins", func(t *testing.T) {
		p := validPayload()
		p["schema_version"] = "1.1"
		p["confidence"] = 0.5
		p["data"] = map[string]any{"type": "rf_detection", "value": 1.0, "confidence": 0.9}
		ev, _, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if ev.Data.Confidence == nil || *ev.Data.Confidence != 0.9 {
			t.Errorf("Data.Confidence = %v, want 0.9", ev.Data.Confidence)
		}
	})
}

func TestAdapterThermalHotspot(t *testing.T) {
	t.Run("temperature_reading_normalized", func(t *testing.T) {
		p := map[string]any{
			"timestamp":     "2026-01-02T03:04:05Z",
			"sensor_id":     "sim_thermal_2",
			"modality":      "thermal",
			"location":      map[string]any{"lat": 34.0, "lon": -117.0},
			"data":          map[string]any{"type": "temperature", "temp_c": 81.4},
			"source_format": "simulated_json_v1",
		}
		ev, adapter, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if adapter != "thermal-hotspot" {
			t.Errorf("adapter = %q, want thermal-hotspot", adapter)
		}
		if ev.Data.Type != "thermal_hotspot" {
			t.Errorf("Data.Type = %q, want thermal_hotspot", ev.Data.Type)
		}
		value, ok := ev.Data.Value.(map[string]any)
		if !ok {
			t.Fatalf("Data.Value type = %T, want object", ev.Data.Value)
		}
		if temp, _ := value["temp_c"].(float64); temp != 81.4 {
			t.Errorf("temp_c = %v, want 81.4", value["temp_c"])
		}
	})
}

func TestAdapterKLV(t *testing.T) {
	t.Run("klv_dictionary_mapped_with_defaults", func(t *testing.T) {
		p := map[string]any{
			"timestamp":       "2026-01-02T03:04:05Z",
			"targetLatitude":  34.5,
			"targetLongitude": -117.2,
			"sensorType":      "RF",
			"platformHeading": 90.0,
		}
		ev, adapter, err := Parse(p)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if adapter != "klv-like" {
			t.Errorf("adapter = %q, want klv-like", adapter)
		}
		if ev.SensorID != "klv_source_001" {
			t.Errorf("SensorID = %q, want klv_source_001", ev.SensorID)
		}
		if ev.Modality != "rf" {
			t.Errorf("Modality = %q, want rf", ev.Modality)
		}
		if ev.SourceFormat != "KLV" {
			t.Errorf("SourceFormat = %q, want KLV", ev.SourceFormat)
		}
		if ev.Note != "Converted from KLV" {
			t.Errorf("Note = %q", ev.Note)
		}
		if len(ev.Tags) != 2 || ev.Tags[0] != "converted" || ev.Tags[1] != "klv" {
			t.Errorf("Tags = %v, want [converted klv]", ev.Tags)
		}
		if ev.Location == nil || *ev.Location.Lat != 34.5 || *ev.Location.Lon != -117.2 {
			t.Errorf("Location = %+v", ev.Location)
		}
		if ev.Data.Confidence == nil || *ev.Data.Confidence != 1.0 {
			t.Errorf("Data.Confidence = %v, want 1.0", ev.Data.Confidence)
		}
		if ev.Orientation == nil || ev.Orientation.Yaw == nil || *ev.Orientation.Yaw != 90.0 {
			t.Errorf("Orientation = %+v, want yaw 90", ev.Orientation)
		}
	})

	t.Run("all_adapters_decline_surfaces_original_error", func(t *testing.T) {
		_, _, err := Parse(map[string]any{"unrelated": true})
		if err == nil || !IsValidation(err) {
			t.Fatalf("err = %v, want original validation error", err)
		}
	})
}
