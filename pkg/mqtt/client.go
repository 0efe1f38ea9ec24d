// Package mqtt mirrors tracking records to a broker and consumes device fixes
// published by field handsets.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker"`
	Port           int           `json:"port"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	TopicPrefix    string        `json:"topic_prefix"`
	QoS            int           `json:"qos"`
	Enabled        bool          `json:"enabled"`
	PublishTimeout time.Duration `json:"publish_timeout"`
	MaxQueued      int           `json:"max_queued"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "fieldtrackd",
		TopicPrefix:    "fieldtrack",
		QoS:            1,
		Enabled:        false,
		PublishTimeout: 5 * time.Second,
		MaxQueued:      500,
	}
}

// transport is the subset of the paho client used here
type transport interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
	Unsubscribe(topics ...string) MQTT.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// queuedMessage waits for the broker connection to come back
type queuedMessage struct {
	topic   string
	payload []byte
	retain  bool
}

// Client wraps a paho connection. Publishes made while the broker is
// unreachable are queued up to Config.MaxQueued and flushed on reconnect.
type Client struct {
	config    *Config
	logger    *logx.Logger
	client    transport
	connected atomic.Bool

	mu          sync.Mutex
	queue       []queuedMessage
	dropped     int64
	lastPublish time.Time
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Client{config: config, logger: logger}
}

// Connect establishes the connection to the broker. A disabled client is a
// no-op.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(MQTT.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) { c.onConnectionLost(err) })

	client := MQTT.NewClient(opts)
	c.client = client

	token := client.Connect()
	if !token.WaitTimeout(c.config.PublishTimeout) {
		// SetConnectRetry keeps trying in the background
		c.logger.Warn("MQTT broker not reachable yet, queuing until connected",
			"broker", c.config.Broker, "port", c.config.Port)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() error {
	if c.client != nil {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect() {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
	c.flushQueue()
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// Enabled reports whether the client is configured to talk to a broker
func (c *Client) Enabled() bool {
	return c.config.Enabled
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// Topic joins parts under the configured prefix
func (c *Client) Topic(parts ...string) string {
	topic := c.config.TopicPrefix
	for _, p := range parts {
		topic += "/" + p
	}
	return topic
}

// PublishJSON marshals payload and publishes it. While disconnected the
// message is queued instead.
func (c *Client) PublishJSON(topic string, payload interface{}, retain bool) error {
	if !c.config.Enabled {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if !c.IsConnected() {
		c.enqueue(queuedMessage{topic: topic, payload: data, retain: retain})
		return nil
	}
	return c.publishDirect(topic, data, retain)
}

func (c *Client) publishDirect(topic string, data []byte, retain bool) error {
	token := c.client.Publish(topic, byte(c.config.QoS), retain, data)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Trace("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

func (c *Client) enqueue(msg queuedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.MaxQueued > 0 && len(c.queue) >= c.config.MaxQueued {
		c.queue = c.queue[1:]
		c.dropped++
		if c.dropped%100 == 1 {
			c.logger.Warn("MQTT queue full, dropping oldest message", "dropped_total", c.dropped)
		}
	}
	c.queue = append(c.queue, msg)
}

func (c *Client) flushQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	failed := 0
	for _, msg := range pending {
		if err := c.publishDirect(msg.topic, msg.payload, msg.retain); err != nil {
			failed++
			c.logger.Error("Failed to publish queued message", "topic", msg.topic, "error", err)
		}
	}
	c.logger.Info("Flushed queued MQTT messages", "count", len(pending), "failed", failed)
}

// Queued returns the number of messages waiting for a connection
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// LastPublish returns the time of the last successful publish
func (c *Client) LastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// Subscribe subscribes to a topic
func (c *Client) Subscribe(topic string, handler MQTT.MessageHandler) error {
	if c.client == nil {
		return fmt.Errorf("MQTT client not connected")
	}
	token := c.client.Subscribe(topic, byte(c.config.QoS), handler)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("timed out subscribing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}

// Unsubscribe unsubscribes from a topic
func (c *Client) Unsubscribe(topic string) error {
	if c.client == nil {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("timed out unsubscribing from topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, err)
	}
	c.logger.Info("MQTT subscription removed", "topic", topic)
	return nil
}
