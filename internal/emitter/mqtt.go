// Package emitter publishes overlay states to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ayusman/framelens/internal/logger"
	"github.com/ayusman/framelens/internal/overlay"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

const (
	queueSize      = 16
	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// Config holds broker settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// Publisher is the part of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// MQTTEmitter is an overlay.Renderer that publishes each state as JSON.
// OnOverlayUpdated only queues; a Run goroutine does the publishing.
type MQTTEmitter struct {
	cfg    Config
	client Publisher
	queue  chan overlay.State
	log    zerolog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// New creates an emitter publishing through client.
func New(cfg Config, client Publisher) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:    cfg,
		client: client,
		queue:  make(chan overlay.State, queueSize),
		log:    logger.For("MQTT"),
	}
}

// Connect opens a paho client for cfg and returns an emitter using it.
func Connect(cfg Config) (*MQTTEmitter, mqtt.Client, error) {
	log := logger.For("MQTT")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return New(cfg, client), client, nil
}

// OnOverlayUpdated queues st. A full queue drops the state.
func (e *MQTTEmitter) OnOverlayUpdated(st overlay.State) {
	select {
	case e.queue <- st:
	default:
		e.dropped.Add(1)
	}
}

// Run publishes queued states until ctx is cancelled.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-e.queue:
			if err := e.Publish(st); err != nil {
				e.log.Debug().Err(err).Uint64("generation", st.Generation).Msg("overlay not published")
			}
		}
	}
}

// Publish sends one state and waits for the broker to take it.
func (e *MQTTEmitter) Publish(st overlay.State) error {
	if !e.client.IsConnected() {
		e.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(st)
	if err != nil {
		e.errors.Add(1)
		return fmt.Errorf("failed to marshal overlay: %w", err)
	}

	token := e.client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.errors.Add(1)
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.errors.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}

	e.published.Add(1)
	return nil
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	return Stats{
		Connected: e.client.IsConnected(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}
