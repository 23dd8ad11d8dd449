package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"visiongate/internal/logger"
)

// MQTTOptions configures an MQTTEmitter.
type MQTTOptions struct {
	Broker   string // host:port or a full URL
	ClientID string
	Topic    string // events go to <Topic>/<state>
	QoS      byte
	Buffer   int
}

// MQTTEmitter publishes job events to an MQTT broker from a background
// goroutine. Events are dropped when the buffer is full.
type MQTTEmitter struct {
	opts   MQTTOptions
	client mqtt.Client
	events chan JobEvent
	logger *logger.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	dropped   uint64
	connected bool
}

// MQTTStats contains emitter statistics.
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

// NewMQTTEmitter creates an emitter. Call Connect and Run before publishing.
func NewMQTTEmitter(opts MQTTOptions, logger *logger.Logger) *MQTTEmitter {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if !strings.Contains(opts.Broker, "://") {
		opts.Broker = "tcp://" + opts.Broker
	}
	return &MQTTEmitter{
		opts:      opts,
		events:    make(chan JobEvent, opts.Buffer),
		published: make(map[string]uint64),
		logger:    logger,
	}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.opts.Broker)
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT connection established to %s", e.opts.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warning("MQTT connection lost, will auto-reconnect: %v", err)
	}

	e.client = mqtt.NewClient(opts)

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	token := e.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish implements Publisher.
func (e *MQTTEmitter) Publish(event JobEvent) {
	select {
	case e.events <- event:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Run sends queued events until ctx ends, then disconnects.
func (e *MQTTEmitter) Run(ctx context.Context) {
	defer e.Disconnect()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			if err := e.send(event); err != nil {
				e.logger.Warning("Failed to publish event for job %s: %v", event.TaskID, err)
			}
		}
	}
}

// Topic returns the topic for events in the given state.
func (e *MQTTEmitter) Topic(event JobEvent) string {
	return fmt.Sprintf("%s/%s", e.opts.Topic, strings.ToLower(string(event.State)))
}

func (e *MQTTEmitter) send(event JobEvent) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(event)
	token := e.client.Publish(topic, e.opts.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() MQTTStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return MQTTStats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
