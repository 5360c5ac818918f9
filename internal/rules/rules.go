// Package rules loads the YAML alerting rule set and evaluates it against
// canonical events. The active rule set is swapped atomically on reload so
// concurrent evaluations always see a consistent version.
package rules

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Condition is one predicate over a dotted field path. Exactly one of the
// operator fields is expected; an empty condition matches nothing.
type Condition struct {
	Field   string      `yaml:"field"`
	Eq      any         `yaml:"eq"`
	In      []any       `yaml:"in"`
	Between []float64   `yaml:"between"`
	Gte     *float64    `yaml:"gte"`
	Lte     *float64    `yaml:"lte"`
	Polygon [][]float64 `yaml:"polygon"`
}

type Rule struct {
	Name            string      `yaml:"name"`
	Enabled         *bool       `yaml:"enabled"`
	Severity        string      `yaml:"severity"`
	Message         string      `yaml:"message"`
	AnyMatch        bool        `yaml:"any"`
	CooldownSeconds float64     `yaml:"cooldown_seconds"`
	Conditions      []Condition `yaml:"conditions"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleSet is an immutable, ordered list of enabled rules.
type RuleSet struct {
	Rules []Rule
}

// AlertLoc carries the event coordinates an alert fired at; nil fields
// survive as JSON null so the dedup key can render them as "None".
type AlertLoc struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Alert is the wire record broadcast to subscribers for a matched rule.
type Alert struct {
	Type      string   `json:"type"`
	Rule      string   `json:"rule"`
	Severity  string   `json:"severity"`
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"`
	Loc       AlertLoc `json:"loc"`
	SensorID  string   `json:"sensor_id"`
	Modality  string   `json:"modality"`
}

// ParseRuleSet decodes YAML rule definitions, dropping disabled entries
// and applying defaults (enabled=true, severity=info).
func ParseRuleSet(raw []byte) (*RuleSet, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	set := &RuleSet{}
	for _, r := range rf.Rules {
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		if r.Name == "" {
			r.Name = "unnamed"
		}
		if r.Severity == "" {
			r.Severity = "info"
		}
		set.Rules = append(set.Rules, r)
	}
	return set, nil
}

// Engine owns the active rule set plus the cooldown and fire-count state.
type Engine struct {
	path string
	log  zerolog.Logger
	set  atomic.Pointer[RuleSet]

	mu         sync.Mutex
	lastFire   map[string]time.Time
	fireCounts map[string]int64

	now func() time.Time
}

func NewEngine(path string, log zerolog.Logger) *Engine {
	e := &Engine{
		path:       path,
		log:        log.With().Str("component", "rules").Logger(),
		lastFire:   make(map[string]time.Time),
		fireCounts: make(map[string]int64),
		now:        time.Now,
	}
	e.set.Store(&RuleSet{})
	return e
}

// Load re-reads the rule file and atomically publishes the new set.
// A missing file yields an empty set; malformed YAML is an error so
// startup can treat it as fatal. Cooldown state resets on every load.
func (e *Engine) Load() error {
	raw, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.log.Warn().Str("path", e.path).Msg("rule file not found, running with empty rule set")
			e.publish(&RuleSet{})
			return nil
		}
		return fmt.Errorf("read rules: %w", err)
	}
	set, err := ParseRuleSet(raw)
	if err != nil {
		return err
	}
	e.publish(set)
	e.log.Info().Int("rules", len(set.Rules)).Str("path", e.path).Msg("rule set loaded")
	return nil
}

func (e *Engine) publish(set *RuleSet) {
	e.set.Store(set)
	e.mu.Lock()
	e.lastFire = make(map[string]time.Time)
	e.fireCounts = make(map[string]int64)
	e.mu.Unlock()
}

// Replace swaps in a pre-built rule set (used by tests).
func (e *Engine) Replace(set *RuleSet) { e.publish(set) }

func (e *Engine) Count() int {
	return len(e.set.Load().Rules)
}

func (e *Engine) Names() []string {
	set := e.set.Load()
	names := make([]string, 0, len(set.Rules))
	for _, r := range set.Rules {
		names = append(names, r.Name)
	}
	return names
}

// FireCounts returns a copy of the per-rule fire counters.
func (e *Engine) FireCounts() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.fireCounts))
	for name, n := range e.fireCounts {
		out[name] = n
	}
	return out
}

// Evaluate runs every rule against the event document (the decoded form
// of the serialized canonical event) in declaration order. All matching
// rules fire, subject to per-rule cooldowns.
func (e *Engine) Evaluate(doc map[string]any) []Alert {
	set := e.set.Load()
	if len(set.Rules) == 0 {
		return nil
	}

	var alerts []Alert
	for _, r := range set.Rules {
		// AND over zero conditions is vacuously true (an unconditional
		// rule); OR over zero conditions never matches.
		matched := !r.AnyMatch
		for _, c := range r.Conditions {
			ok := evalCondition(c, doc)
			if r.AnyMatch {
				if ok {
					matched = true
					break
				}
			} else if !ok {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if !e.allowFire(r) {
			continue
		}
		alerts = append(alerts, buildAlert(r, doc))
	}
	return alerts
}

// allowFire applies the per-rule cooldown and bumps the fire counter.
func (e *Engine) allowFire(r Rule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if r.CooldownSeconds > 0 {
		if last, ok := e.lastFire[r.Name]; ok {
			if now.Sub(last).Seconds() < r.CooldownSeconds {
				return false
			}
		}
	}
	e.lastFire[r.Name] = now
	e.fireCounts[r.Name]++
	return true
}

func buildAlert(r Rule, doc map[string]any) Alert {
	a := Alert{
		Type:     "alert",
		Rule:     r.Name,
		Severity: r.Severity,
		Message:  r.Message,
		SensorID: asString(doc["sensor_id"]),
		Modality: asString(doc["modality"]),
	}
	a.Timestamp = asString(doc["timestamp"])
	if loc, ok := doc["location"].(map[string]any); ok {
		if lat, ok := asFloat(loc["lat"]); ok {
			a.Loc.Lat = &lat
		}
		if lon, ok := asFloat(loc["lon"]); ok {
			a.Loc.Lon = &lon
		}
	}
	return a
}

func evalCondition(c Condition, doc map[string]any) bool {
	value := getField(doc, c.Field)
	switch {
	case c.Eq != nil:
		return looseEqual(value, c.Eq)
	case len(c.In) > 0:
		for _, candidate := range c.In {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	case len(c.Between) == 2:
		v, ok := asFloat(value)
		if !ok {
			return false
		}
		return v >= c.Between[0] && v <= c.Between[1]
	case c.Gte != nil:
		v, ok := asFloat(value)
		return ok && v >= *c.Gte
	case c.Lte != nil:
		v, ok := asFloat(value)
		return ok && v <= *c.Lte
	case len(c.Polygon) > 0:
		lat, lon, ok := resolvePoint(doc, c.Field, value)
		return ok && pointInPolygon(lat, lon, c.Polygon)
	default:
		// Empty condition matches nothing.
		return false
	}
}

// getField resolves a dotted path against nested maps; nil when absent.
func getField(doc map[string]any, path string) any {
	var cur any = doc
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

// looseEqual compares with numeric normalization: YAML integers must match
// JSON floats. Non-numeric operands fall back to deep equality.
func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
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
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// resolvePoint extracts the (lat, lon) a polygon condition applies to:
// either the field's value is itself a location object, or lat/lon are
// read from sibling sub-fields.
func resolvePoint(doc map[string]any, field string, value any) (float64, float64, bool) {
	if obj, ok := value.(map[string]any); ok {
		lat, latOK := asFloat(obj["lat"])
		lon, lonOK := asFloat(obj["lon"])
		if latOK && lonOK {
			return lat, lon, true
		}
		return 0, 0, false
	}
	lat, latOK := asFloat(getField(doc, field+".lat"))
	lon, lonOK := asFloat(getField(doc, field+".lon"))
	if latOK && lonOK {
		return lat, lon, true
	}
	return 0, 0, false
}

// pointInPolygon is the even-odd ray-casting test over (lat, lon)
// vertices. Fewer than three usable vertices never match.
func pointInPolygon(lat, lon float64, poly [][]float64) bool {
	vertices := make([][2]float64, 0, len(poly))
	for _, v := range poly {
		if len(v) >= 2 {
			vertices = append(vertices, [2]float64{v[0], v[1]})
		}
	}
	if len(vertices) < 3 {
		return false
	}
	inside := false
	j := len(vertices) - 1
	for i := range vertices {
		yi, xi := vertices[i][0], vertices[i][1]
		yj, xj := vertices[j][0], vertices[j][1]
		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}
