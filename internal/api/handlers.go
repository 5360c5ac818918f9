package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/snarg/zmeta-engine/internal/config"
	"github.com/snarg/zmeta-engine/internal/schema"
)

// maxIngestBody bounds a single HTTP ingest payload.
const maxIngestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleIngest accepts one event payload per request and runs it through
// the same pipeline as UDP. Validation failures come back as 422 with a
// per-field detail list.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []schema.FieldError{{Field: ".", Message: "invalid JSON: " + err.Error()}},
		})
		return
	}

	_, clients, err := s.pipeline.Ingest(payload, "http")
	if err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": ve.Errors})
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("ingest failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "ingest failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "broadcast_to": clients})
}

type healthzResponse struct {
	Status           string   `json:"status"`
	Clients          int      `json:"clients"`
	UDPReceivedTotal int64    `json:"udp_received_total"`
	ValidatedTotal   int64    `json:"validated_total"`
	DroppedTotal     int64    `json:"dropped_total"`
	AlertsTotal      int64    `json:"alerts_total"`
	EPS1s            float64  `json:"eps_1s"`
	EPS10s           float64  `json:"eps_10s"`
	LastPacketAge    *float64 `json:"last_packet_age_s"`
	WSQueueMax       int      `json:"ws_queue_max"`
	WSSentTotal      int64    `json:"ws_sent_total"`
	WSDroppedTotal   int64    `json:"ws_dropped_total"`
	RecorderDropped  int64    `json:"recorder_dropped_total"`
	AuthMode         string   `json:"auth_mode"`
	AuthHeader       string   `json:"auth_header"`
	AllowedOrigins   []string `json:"allowed_origins"`
	Environment      string   `json:"environment"`
	SchemaVersions   []string `json:"schema_versions"`
	MQTTConnected    *bool    `json:"mqtt_connected,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	resp := healthzResponse{
		Status:           "ok",
		Clients:          s.hub.Len(),
		UDPReceivedTotal: snap.UDPReceivedTotal,
		ValidatedTotal:   snap.ValidatedTotal,
		DroppedTotal:     snap.DroppedTotal,
		AlertsTotal:      snap.AlertsTotal,
		EPS1s:            s.metrics.EPS(time.Second),
		EPS10s:           s.metrics.EPS(10 * time.Second),
		LastPacketAge:    s.metrics.LastPacketAge(),
		WSQueueMax:       s.cfg.WSQueueMax,
		WSSentTotal:      snap.WSSentTotal,
		WSDroppedTotal:   snap.WSDroppedTotal,
		RecorderDropped:  snap.RecorderDropped,
		AuthMode:         authMode(s.cfg),
		AuthHeader:       s.cfg.AuthHeader,
		AllowedOrigins:   s.cfg.AllowedOrigins,
		Environment:      s.cfg.Environment,
		SchemaVersions:   supportedVersions(),
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTTConnected = &connected
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus is the operator-facing view: everything /healthz has plus
// sequence, adapter breakdown, recorder and dedup state, rule fire counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	checked, suppressed := int64(0), int64(0)
	if s.deduper != nil {
		checked, suppressed = s.deduper.Stats()
	}
	body := map[string]any{
		"app":              s.cfg.AppTitle,
		"version":          s.version,
		"environment":      s.cfg.Environment,
		"uptime_s":         time.Since(s.startTime).Round(time.Second).Seconds(),
		"clients":          s.hub.Len(),
		"sequence_counter": snap.SequenceCounter,
		"adapter_counts":   snap.AdapterCounts,
		"counters": map[string]int64{
			"udp_received_total":     snap.UDPReceivedTotal,
			"validated_total":        snap.ValidatedTotal,
			"dropped_total":          snap.DroppedTotal,
			"alerts_total":           snap.AlertsTotal,
			"ws_sent_total":          snap.WSSentTotal,
			"ws_dropped_total":       snap.WSDroppedTotal,
			"recorder_dropped_total": snap.RecorderDropped,
		},
		"alert_dedup": map[string]int64{
			"checked":    checked,
			"suppressed": suppressed,
		},
		"rules": map[string]any{
			"count":       s.rules.Count(),
			"names":       s.rules.Names(),
			"fire_counts": s.rules.FireCounts(),
			"path":        s.cfg.RulesPath,
		},
	}
	if s.recorder != nil {
		body["recorder"] = map[string]any{
			"dir":           s.cfg.RecorderDir,
			"total_written": s.recorder.TotalWritten(),
			"dropped_total": s.recorder.DroppedTotal(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count": s.rules.Count(),
		"rules": s.rules.Names(),
	})
}

// handleRulesReload re-reads the rule file on demand. A load failure keeps
// the previous set active and reports the parse error.
func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Load(); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("rule reload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": s.rules.Count()})
}

func authMode(cfg *config.Config) string {
	if cfg.AuthEnabled() {
		return "shared-secret"
	}
	return "open"
}

func supportedVersions() []string {
	versions := make([]string, 0, len(schema.SupportedSchemaVersions))
	for v := range schema.SupportedSchemaVersions {
		versions = append(versions, v)
	}
	return versions
}
