// Package mqttclient subscribes to broker topics carrying sensor payloads
// and feeds them into the ingest pipeline. Optional: the engine runs fine
// with no broker configured.
package mqttclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/zmeta-engine/internal/ingest"
	"github.com/snarg/zmeta-engine/internal/metrics"
)

type Options struct {
	BrokerURL string
	ClientID  string
	// Topics is a comma-separated list of subscription filters.
	Topics   string
	Username string
	Password string
	Pipeline *ingest.Pipeline
	Metrics  *metrics.Registry
	Log      zerolog.Logger
}

// Client bridges broker messages into the pipeline. Each message body is
// expected to be a single JSON object in any format the adapter registry
// understands.
type Client struct {
	conn      mqtt.Client
	topics    []string
	connected atomic.Bool
	pipeline  *ingest.Pipeline
	metrics   *metrics.Registry
	log       zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topics:   parseTopics(opts.Topics),
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		log:      opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscribing")

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = 0
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	body := bytes.TrimSpace(msg.Payload())
	if len(body) == 0 {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		c.metrics.NoteDropped()
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt payload is not a json object")
		return
	}
	if _, _, err := c.pipeline.Ingest(payload, "mqtt"); err != nil {
		c.metrics.NoteDropped()
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt payload rejected")
	}
}

// IsConnected reports the live broker link state for /healthz.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{"zmeta/#"}
	}
	return topics
}
