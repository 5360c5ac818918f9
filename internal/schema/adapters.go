package schema

import (
	"math"
	"strings"
	"time"
)

// An adapter inspects a payload that failed strict validation and, if it
// recognizes the shape, returns a normalized payload for re-validation.
// Returning nil declines the payload.
type adapterFunc func(payload map[string]any) map[string]any

type adapter struct {
	name string
	fn   adapterFunc
}

// registry is consulted in order; the explicit v1.1 projection runs first
// so a version tag beats shape heuristics.
var registry = []adapter{
	{name: "v1.1", fn: adaptV11},
	{name: "rf-mhz", fn: adaptRFMHz},
	{name: "thermal-hotspot", fn: adaptThermalHotspot},
	{name: "klv-like", fn: adaptKLV},
}

// foreignShape reports whether a payload explicitly identifies itself as a
// non-canonical format. Only unambiguous markers count here: canonical
// events never carry these tags or shapes, while a simulator frame can
// accidentally satisfy every strict field check and must still be adapted.
func foreignShape(p map[string]any) bool {
	if asString(p["schema_version"]) == "1.1" {
		return true
	}
	if strings.ToLower(asString(p["source_format"])) == "simulated_json_v1" {
		return true
	}
	dtype := asString(getPath(p, "data.type"))
	units := strings.ToLower(strings.TrimSpace(asString(getPath(p, "data.units"))))
	if dtype == "frequency" && units == "mhz" {
		return true
	}
	if dtype == "hotspot" || dtype == "temperature" {
		return true
	}
	for _, key := range []string{"targetLatitude", "targetLongitude", "sensorType", "platformHeading"} {
		if _, ok := p[key]; ok {
			return true
		}
	}
	return false
}

// AdapterNames returns the registry order, useful for introspection.
func AdapterNames() []string {
	names := make([]string, len(registry))
	for i, a := range registry {
		names[i] = a.name
	}
	return names
}

// getPath resolves a dotted path against nested maps; nil when absent.
func getPath(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func copyLocation(p map[string]any) map[string]any {
	loc, _ := p["location"].(map[string]any)
	out := map[string]any{"lat": nil, "lon": nil}
	if loc != nil {
		out["lat"] = loc["lat"]
		out["lon"] = loc["lon"]
		if alt, ok := loc["alt"]; ok {
			out["alt"] = alt
		}
	}
	return out
}

// topConfidence prefers a top-level confidence, falling back to
// data.confidence.
func topConfidence(p map[string]any) any {
	if c, ok := asFloat(p["confidence"]); ok {
		return c
	}
	if c, ok := asFloat(getPath(p, "data.confidence")); ok {
		return c
	}
	return nil
}

// adaptV11 projects a schema_version 1.1 payload to 1.0. Version 1.1 is
// identical except confidence may ride at the top level; the projection
// lifts it into data.confidence when that slot is empty.
func adaptV11(p map[string]any) map[string]any {
	if asString(p["schema_version"]) != "1.1" {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	out["schema_version"] = "1.0"

	if conf, ok := asFloat(p["confidence"]); ok {
		data, _ := p["data"].(map[string]any)
		newData := make(map[string]any, len(data)+1)
		for k, v := range data {
			newData[k] = v
		}
		if _, has := newData["confidence"]; !has {
			newData["confidence"] = conf
		}
		out["data"] = newData
	}
	delete(out, "confidence")
	return out
}

// adaptRFMHz converts simulator RF detections expressed in MHz into the
// canonical rf_detection value keyed in Hz. Matches either the explicit
// simulated_json_v1 tag or the frequency/MHz shape.
func adaptRFMHz(p map[string]any) map[string]any {
	src := strings.ToLower(asString(p["source_format"]))
	modality := strings.ToLower(asString(p["modality"]))
	dtype := asString(getPath(p, "data.type"))
	units := strings.ToLower(strings.TrimSpace(asString(getPath(p, "data.units"))))

	matchesFormat := src == "simulated_json_v1" && modality == "rf"
	matchesShape := dtype == "frequency" && units == "mhz"
	if !matchesFormat && !matchesShape {
		return nil
	}
	mhz, ok := asFloat(getPath(p, "data.value"))
	if !ok {
		return nil
	}

	value := map[string]any{
		"frequency_hz": int64(math.Round(mhz * 1_000_000)),
	}
	if rssi, ok := firstFloat(p, "data.rssi_dbm", "data.value.rssi_dbm"); ok {
		value["rssi_dbm"] = rssi
	}
	if bw, ok := firstFloat(p, "data.bandwidth_hz", "data.value.bandwidth_hz"); ok {
		value["bandwidth_hz"] = int64(bw)
	}
	if dwell, ok := firstFloat(p, "data.dwell_s", "data.value.dwell_s"); ok {
		value["dwell_s"] = dwell
	}

	out := map[string]any{
		"timestamp":     p["timestamp"],
		"sensor_id":     stringOr(p["sensor_id"], "sim_rf"),
		"modality":      stringOr(p["modality"], "rf"),
		"location":      copyLocation(p),
		"data":          map[string]any{"type": "rf_detection", "value": value},
		"source_format": "zmeta",
	}
	carryOptional(out, p)
	if conf := topConfidence(p); conf != nil {
		out["data"].(map[string]any)["confidence"] = conf
	}
	return out
}

// adaptThermalHotspot normalizes thermal readings (several common field
// spellings for the temperature) into a thermal_hotspot value.
func adaptThermalHotspot(p map[string]any) map[string]any {
	src := strings.ToLower(asString(p["source_format"]))
	modality := strings.ToLower(asString(p["modality"]))
	dtype := asString(getPath(p, "data.type"))

	isThermal := modality == "thermal" || dtype == "hotspot" || dtype == "temperature"
	if src != "simulated_json_v1" && !isThermal {
		return nil
	}

	tempC, ok := asFloat(getPath(p, "data.value"))
	if !ok {
		tempC, ok = firstFloat(p,
			"data.temp_c", "data.temperature_c",
			"data.value.temp_c", "data.value.temperature_c")
	}
	if !ok {
		return nil
	}

	out := map[string]any{
		"timestamp":     p["timestamp"],
		"sensor_id":     stringOr(p["sensor_id"], "sim_thermal"),
		"modality":      "thermal",
		"location":      copyLocation(p),
		"data":          map[string]any{"type": "thermal_hotspot", "value": map[string]any{"temp_c": tempC}},
		"source_format": "zmeta",
	}
	carryOptional(out, p)
	if conf := topConfidence(p); conf != nil {
		out["data"].(map[string]any)["confidence"] = conf
	}
	return out
}

// adaptKLV recognizes KLV-style telemetry dictionaries by their foreign
// keys and maps them onto the canonical schema.
func adaptKLV(p map[string]any) map[string]any {
	recognized := false
	for _, key := range []string{"targetLatitude", "targetLongitude", "sensorType", "platformHeading"} {
		if _, ok := p[key]; ok {
			recognized = true
			break
		}
	}
	if !recognized {
		return nil
	}

	timestamp := p["timestamp"]
	if timestamp == nil {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	sensorType := stringOr(p["sensorType"], "unknown")

	value := map[string]any{}
	if v, ok := p["signal_strength"]; ok {
		value["signal_strength"] = v
	}
	if v, ok := p["modulation"]; ok {
		value["modulation"] = v
	}
	if v, ok := p["sensorFOV"]; ok {
		value["fov"] = v
	}

	confidence := any(1.0)
	if c, ok := asFloat(p["confidence"]); ok {
		confidence = c
	}

	tags := p["tags"]
	if tags == nil {
		tags = []any{"converted", "klv"}
	}
	note := stringOr(p["note"], "Converted from KLV")

	return map[string]any{
		"timestamp": timestamp,
		"sensor_id": stringOr(p["sensor_id"], "klv_source_001"),
		"modality":  strings.ToLower(sensorType),
		"location": map[string]any{
			"lat": numberOr(p["targetLatitude"], 0),
			"lon": numberOr(p["targetLongitude"], 0),
			"alt": numberOr(p["targetAltitude"], 0),
		},
		"orientation": map[string]any{
			"yaw":   p["platformHeading"],
			"pitch": p["platformPitch"],
			"roll":  p["platformRoll"],
		},
		"data": map[string]any{
			"type":       sensorType,
			"value":      value,
			"confidence": confidence,
		},
		"pid":            p["pid"],
		"tags":           tags,
		"note":           note,
		"source_format":  "KLV",
		"schema_version": "1.0",
	}
}

func firstFloat(p map[string]any, paths ...string) (float64, bool) {
	for _, path := range paths {
		if v, ok := asFloat(getPath(p, path)); ok {
			return v, true
		}
	}
	return 0, false
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func numberOr(v any, fallback float64) float64 {
	if n, ok := asFloat(v); ok {
		return n
	}
	return fallback
}

// carryOptional copies passthrough metadata shared by the simulator
// adapters.
func carryOptional(out, p map[string]any) {
	for _, key := range []string{"orientation", "pid", "tags", "note"} {
		if v, ok := p[key]; ok && v != nil {
			out[key] = v
		}
	}
}
