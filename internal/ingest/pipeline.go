// Package ingest normalizes raw payloads into canonical events and drives
// the fan-out: broadcast, durable record, and rule evaluation.
package ingest

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/snarg/zmeta-engine/internal/hub"
	"github.com/snarg/zmeta-engine/internal/metrics"
	"github.com/snarg/zmeta-engine/internal/recorder"
	"github.com/snarg/zmeta-engine/internal/rules"
	"github.com/snarg/zmeta-engine/internal/schema"
)

type PipelineOptions struct {
	Metrics  *metrics.Registry
	Hub      *hub.Hub
	Recorder *recorder.Recorder
	Rules    *rules.Engine
	Deduper  *AlertDeduper
	Log      zerolog.Logger
}

// Pipeline is the shared normalization path behind every ingest source
// (UDP, HTTP, MQTT). Safe for concurrent use.
type Pipeline struct {
	metrics  *metrics.Registry
	hub      *hub.Hub
	recorder *recorder.Recorder
	rules    *rules.Engine
	deduper  *AlertDeduper
	log      zerolog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{
		metrics:  opts.Metrics,
		hub:      opts.Hub,
		recorder: opts.Recorder,
		rules:    opts.Rules,
		deduper:  opts.Deduper,
		log:      opts.Log.With().Str("component", "pipeline").Logger(),
	}
}

// Ingest validates one payload, assigns a sequence number when the source
// did not supply one, and fans the serialized event out to subscribers and
// the recorder. It returns the accepted event and the number of clients
// the broadcast targeted. On validation failure the error is returned for
// the source to handle: UDP and MQTT count it as a drop, HTTP reports 422
// to the client without touching dropped_total.
func (p *Pipeline) Ingest(payload map[string]any, source string) (*schema.Event, int, error) {
	ev, adapter, err := schema.Parse(payload)
	if err != nil {
		return nil, 0, err
	}
	if ev.Sequence == nil {
		seq := p.metrics.NextSequence()
		ev.Sequence = &seq
	}
	p.metrics.NoteAdapter(adapter)

	line, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("source", source).Msg("event marshal failed")
		return nil, 0, err
	}
	p.metrics.NoteValidated()

	clients := p.hub.Len()
	p.hub.Broadcast(line)
	if p.recorder != nil {
		p.recorder.Enqueue(line)
	}
	p.evaluateRules(line)

	if adapter != "native" {
		p.log.Debug().Str("adapter", adapter).Str("source", source).Str("sensor_id", ev.SensorID).Msg("payload normalized via adapter")
	}
	return ev, clients, nil
}

// evaluateRules matches the event document against the active rule set and
// broadcasts any alerts that survive dedup. A panic inside rule evaluation
// must never take down the ingest path, so this runs behind a recover.
func (p *Pipeline) evaluateRules(line []byte) {
	if p.rules == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("rule evaluation panicked, event already delivered")
		}
	}()

	var doc map[string]any
	if err := json.Unmarshal(line, &doc); err != nil {
		p.log.Error().Err(err).Msg("event document decode failed")
		return
	}
	for _, alert := range p.rules.Evaluate(doc) {
		if p.deduper != nil && !p.deduper.ShouldSend(alert) {
			continue
		}
		msg, err := json.Marshal(alert)
		if err != nil {
			p.log.Error().Err(err).Str("rule", alert.Rule).Msg("alert marshal failed")
			continue
		}
		p.hub.Broadcast(msg)
		p.metrics.NoteAlert()
		p.log.Info().Str("rule", alert.Rule).Str("severity", alert.Severity).Str("sensor_id", alert.SensorID).Msg("alert fired")
	}
}
