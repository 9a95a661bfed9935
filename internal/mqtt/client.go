// Package mqtt mirrors telemetry to an MQTT broker alongside the HTTP
// endpoint.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"thermonode/internal/config"
	"thermonode/internal/telemetry"
)

const publishTimeout = 5 * time.Second

type Client struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Message is the mirrored payload: the same records the HTTP endpoint
// receives, tagged with the station and the sample time.
type Message struct {
	StationID string             `json:"station_id"`
	Timestamp time.Time          `json:"timestamp"`
	Records   []telemetry.Record `json:"records"`
}

// Topic returns the telemetry topic for a station.
func Topic(stationID string) string {
	return fmt.Sprintf("stations/%s/telemetry", stationID)
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the initial connection and respects ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry the token may stay pending while paho retries.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// PublishTelemetry publishes one sample's records to the station topic.
func (c *Client) PublishTelemetry(records []telemetry.Record, at time.Time) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := Topic(c.cfg.StationID)
	data, err := json.Marshal(Message{StationID: c.cfg.StationID, Timestamp: at.UTC(), Records: records})
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	token := c.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}

	c.logger.Debug("published telemetry", "topic", topic, "records", len(records))
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client. It is idempotent; Connect fails afterwards.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.client != nil {
		c.client.Disconnect(250)
	}
	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
