// Package schema defines the canonical ZMeta sensor event and the adapter
// registry that coerces foreign payloads into it.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SupportedSchemaVersions is the set of versions accepted on the wire.
// Version 1.1 exists upstream but is always projected to 1.0 by the
// adapter layer before validation.
var SupportedSchemaVersions = map[string]bool{"1.0": true}

// KnownModalities is the closed set of sensor modalities.
var KnownModalities = map[string]bool{
	"thermal":  true,
	"rf":       true,
	"eo":       true,
	"ir":       true,
	"acoustic": true,
}

var (
	ErrUnknownModality          = errors.New("unknown modality")
	ErrUnsupportedSchemaVersion = errors.New("unsupported schema_version")
)

type Location struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`
}

type Orientation struct {
	Yaw   *float64 `json:"yaw,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Roll  *float64 `json:"roll,omitempty"`
}

// SensorData carries the modality-specific measurement. Value is either a
// scalar or a per-modality object (e.g. {"frequency_hz": …} for rf).
type SensorData struct {
	Type       string   `json:"type"`
	Value      any      `json:"value"`
	Units      string   `json:"units,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Event is the canonical sensor observation record. Instances that pass
// Validate are immutable by convention: the pipeline serializes once and
// fans the bytes out.
type Event struct {
	Timestamp     time.Time    `json:"timestamp"`
	SensorID      string       `json:"sensor_id"`
	Modality      string       `json:"modality"`
	Location      *Location    `json:"location"`
	Orientation   *Orientation `json:"orientation,omitempty"`
	Data          *SensorData  `json:"data"`
	PID           string       `json:"pid,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	Note          string       `json:"note,omitempty"`
	SchemaVersion string       `json:"schema_version"`
	Sequence      *int64       `json:"sequence,omitempty"`
	SourceFormat  string       `json:"source_format"`
}

// FieldError locates a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every field failure for one payload. It is the
// error surfaced as HTTP 422 detail.
type ValidationError struct {
	Errors  []FieldError
	wrapped []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid payload"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Unwrap exposes sentinel errors (ErrUnknownModality, …) to errors.Is.
func (e *ValidationError) Unwrap() []error { return e.wrapped }

func (e *ValidationError) add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

func (e *ValidationError) addWrapped(field string, err error) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: err.Error()})
	e.wrapped = append(e.wrapped, err)
}

// IsValidation reports whether err is (or wraps) a payload validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the invariants of the canonical schema and normalizes
// case-insensitive fields in place. A zero or missing schema_version is
// defaulted to "1.0" before the supported-set check.
func (ev *Event) Validate() error {
	ve := &ValidationError{}

	if ev.Timestamp.IsZero() {
		ve.add("timestamp", "required")
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	if ev.SensorID == "" {
		ve.add("sensor_id", "required")
	}

	ev.Modality = strings.ToLower(ev.Modality)
	if ev.Modality == "" {
		ve.add("modality", "required")
	} else if !KnownModalities[ev.Modality] {
		ve.addWrapped("modality", fmt.Errorf("%w: %q", ErrUnknownModality, ev.Modality))
	}

	if ev.Location == nil {
		ve.add("location", "required")
	} else {
		if ev.Location.Lat == nil {
			ve.add("location.lat", "required")
		}
		if ev.Location.Lon == nil {
			ve.add("location.lon", "required")
		}
	}

	if ev.Data == nil {
		ve.add("data", "required")
	} else {
		if ev.Data.Type == "" {
			ve.add("data.type", "required")
		}
		if ev.Data.Value == nil {
			ve.add("data.value", "required")
		}
		if c := ev.Data.Confidence; c != nil && (*c < 0 || *c > 1) {
			ve.add("data.confidence", fmt.Sprintf("must be within [0, 1], got %v", *c))
		}
	}

	if ev.SchemaVersion == "" {
		ev.SchemaVersion = "1.0"
	}
	if !SupportedSchemaVersions[ev.SchemaVersion] {
		ve.addWrapped("schema_version", fmt.Errorf("%w: %q", ErrUnsupportedSchemaVersion, ev.SchemaVersion))
	}

	if ev.Sequence != nil && *ev.Sequence < 0 {
		ve.add("sequence", fmt.Sprintf("must be >= 0, got %d", *ev.Sequence))
	}
	if ev.SourceFormat == "" {
		ve.add("source_format", "required")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// FromMap strictly decodes a generic payload into an Event and validates it.
func FromMap(payload map[string]any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: ".", Message: err.Error()}}}
	}
	ev := &Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: ".", Message: err.Error()}}}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Parse validates a payload against the canonical schema, falling back to
// the ordered adapter registry. Payloads that identify themselves as a
// foreign format (version tag, simulator source_format, or a known foreign
// data shape) skip strict validation and go straight to the registry, so a
// simulator frame that happens to satisfy the canonical field checks still
// gets normalized. The returned adapter name is "native" when strict
// validation accepted the payload, otherwise the name of the adapter that
// produced the accepted normalization. When every adapter declines, the
// strict validation error is surfaced.
func Parse(payload map[string]any) (*Event, string, error) {
	var nativeErr error
	if !foreignShape(payload) {
		ev, err := FromMap(payload)
		if err == nil {
			return ev, "native", nil
		}
		nativeErr = err
	}

	for _, adapter := range registry {
		out := adapter.fn(payload)
		if out == nil {
			continue
		}
		// The first adapter to produce a result decides: its output is
		// re-validated strictly and any failure there propagates.
		adapted, err := FromMap(out)
		if err != nil {
			return nil, "", err
		}
		return adapted, adapter.name, nil
	}

	if nativeErr == nil {
		// Foreign-tagged but no adapter could convert it.
		nativeErr = &ValidationError{Errors: []FieldError{
			{Field: "data", Message: "unconvertible foreign payload"},
		}}
	}
	return nil, "", nativeErr
}
