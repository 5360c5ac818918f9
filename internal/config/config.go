package config

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppTitle string `env:"APP_TITLE" envDefault:"ZMeta Backend"`

	UDPHost     string `env:"UDP_HOST" envDefault:"0.0.0.0"`
	UDPPort     int    `env:"UDP_PORT" envDefault:"5005"`
	UDPQueueMax int    `env:"UDP_QUEUE_MAX" envDefault:"4096"`

	UIBaseURL  string `env:"UI_BASE_URL" envDefault:"http://127.0.0.1:8000"`
	WSGreeting string `env:"WS_GREETING" envDefault:"Connected to ZMeta WebSocket"`

	// Raw CSV; parsed into AllowedOrigins by Validate. No struct-tag
	// default: an explicitly empty value means an empty allow-list, so
	// Load applies "*" only when the variable is absent.
	CORSOrigins string `env:"CORS_ORIGINS"`

	AuthHeader   string `env:"AUTH_HEADER" envDefault:"x-zmeta-secret"`
	SharedSecret string `env:"SHARED_SECRET"`
	Environment  string `env:"ENV" envDefault:"dev"`

	WSQueueMax        int           `env:"WS_QUEUE" envDefault:"64"`
	WSPutTimeout      time.Duration `env:"WS_PUT_TIMEOUT" envDefault:"250ms"`
	WSMaxBackpressure int           `env:"WS_MAX_BACKPRESSURE_RETRIES" envDefault:"3"`

	UDPTargetHost string `env:"UDP_TARGET_HOST" envDefault:"127.0.0.1"`
	SimUDPHost    string `env:"SIM_UDP_HOST"`

	RecorderDir      string `env:"RECORDER_DIR" envDefault:"data/records"`
	RecorderQueueMax int    `env:"RECORDER_QUEUE_MAX" envDefault:"10000"`

	// Raw string; empty disables pruning, anything else must parse to
	// a positive float (hours).
	RecorderRetention string `env:"RECORDER_RETENTION_HOURS"`

	RulesPath  string `env:"RULES_PATH" envDefault:"config/rules.yaml"`
	RulesWatch bool   `env:"RULES_WATCH" envDefault:"false"`

	AlertDedupTTL time.Duration `env:"ALERT_DEDUP_TTL" envDefault:"3s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8000"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Optional MQTT ingest source; empty broker disables it.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopics    string `env:"MQTT_TOPICS" envDefault:"zmeta/#"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"zmeta-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// Optional S3 archive for rotated record files; empty bucket disables it.
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Prefix    string `env:"S3_PREFIX" envDefault:"records"`

	// Derived by Validate.
	AllowedOrigins       []string      `env:"-"`
	RecorderRetentionHrs float64       `env:"-"`
	RecorderRetentionDur time.Duration `env:"-"`
}

// Load reads configuration from a .env file (if present) and ZMETA_-prefixed
// environment variables, then validates derived fields.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "ZMETA_"}); err != nil {
		return nil, err
	}
	if _, ok := os.LookupEnv("ZMETA_CORS_ORIGINS"); !ok {
		cfg.CORSOrigins = "*"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes raw fields and rejects malformed values. It is fatal
// at startup: a bad retention or queue size is a config error, not something
// to silently fix.
func (c *Config) Validate() error {
	c.SharedSecret = strings.TrimSpace(c.SharedSecret)
	c.SimUDPHost = strings.TrimSpace(c.SimUDPHost)

	c.AllowedOrigins = splitCSV(c.CORSOrigins)

	retention := strings.TrimSpace(c.RecorderRetention)
	if retention != "" {
		hours, err := strconv.ParseFloat(retention, 64)
		if err != nil {
			return fmt.Errorf("ZMETA_RECORDER_RETENTION_HOURS: must be numeric, got %q", retention)
		}
		if hours <= 0 {
			return fmt.Errorf("ZMETA_RECORDER_RETENTION_HOURS: must be greater than zero, got %q", retention)
		}
		c.RecorderRetentionHrs = hours
		c.RecorderRetentionDur = time.Duration(hours * float64(time.Hour))
	}

	if c.UDPQueueMax <= 0 {
		return fmt.Errorf("ZMETA_UDP_QUEUE_MAX: must be positive, got %d", c.UDPQueueMax)
	}
	if c.WSQueueMax <= 0 {
		return fmt.Errorf("ZMETA_WS_QUEUE: must be positive, got %d", c.WSQueueMax)
	}
	if c.RecorderQueueMax <= 0 {
		return fmt.Errorf("ZMETA_RECORDER_QUEUE_MAX: must be positive, got %d", c.RecorderQueueMax)
	}
	return nil
}

func (c *Config) AuthEnabled() bool {
	return c.SharedSecret != ""
}

// VerifySharedSecret reports whether the provided value grants access.
// Always true when auth is disabled.
func (c *Config) VerifySharedSecret(provided string) bool {
	if !c.AuthEnabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(c.SharedSecret)) == 1
}

func (c *Config) UIURL(path string) string {
	return strings.TrimRight(c.UIBaseURL, "/") + path
}

// SimulatorTargetHost picks the host simulators and replay tools should
// send to: SIM_UDP_HOST wins, then UDP_TARGET_HOST, then UDP_HOST.
func (c *Config) SimulatorTargetHost() string {
	for _, candidate := range []string{c.SimUDPHost, c.UDPTargetHost, c.UDPHost} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return "127.0.0.1"
}

func (c *Config) MQTTEnabled() bool { return c.MQTTBrokerURL != "" }
func (c *Config) S3Enabled() bool   { return c.S3Bucket != "" }

func splitCSV(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
