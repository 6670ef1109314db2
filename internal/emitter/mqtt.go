package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wildcam/internal/config"
	"wildcam/internal/events"
	"wildcam/internal/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("mqtt not connected")

const publishTimeout = 2 * time.Second

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter forwards detections and controller state to an MQTT broker.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	pub    publisher
	logger logging.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

type detectionMessage struct {
	Source     string             `json:"source"`
	Seq        uint64             `json:"seq"`
	Timestamp  time.Time          `json:"timestamp"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []events.Detection `json:"detections"`
}

type stateMessage struct {
	State     string    `json:"state"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:    cfg,
		logger: logging.GetLogger("emitter"),
	}
}

// Connect dials the broker. Later connection drops are handled by the
// client's automatic reconnect.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", e.cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.pub = client
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Attach subscribes the emitter to bus and returns the unsubscribe function.
func (e *MQTTEmitter) Attach(bus *events.Bus) func() {
	unsubFrames := bus.Subscribe(func(ev events.FrameProcessedEvent) {
		if err := e.PublishFrame(ev); err != nil {
			e.logger.Debug("detection not published", "error", err)
		}
	})
	unsubState := bus.Subscribe(func(ev events.StateChangedEvent) {
		if err := e.PublishState(ev); err != nil {
			e.logger.Debug("state not published", "error", err)
		}
	})
	return func() {
		unsubFrames()
		unsubState()
	}
}

// PublishFrame sends the frame's detections. Frames without detections are
// skipped.
func (e *MQTTEmitter) PublishFrame(ev events.FrameProcessedEvent) error {
	if len(ev.Detections) == 0 {
		return nil
	}

	payload, err := json.Marshal(detectionMessage{
		Source:     ev.Source,
		Seq:        ev.Seq,
		Timestamp:  ev.Timestamp,
		Width:      ev.Width,
		Height:     ev.Height,
		Detections: ev.Detections,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}

	return e.publish(e.cfg.Topic, false, payload)
}

// PublishState sends the controller state as a retained message on
// <topic>/state.
func (e *MQTTEmitter) PublishState(ev events.StateChangedEvent) error {
	payload, err := json.Marshal(stateMessage{
		State:     ev.State,
		Source:    ev.Source,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return e.publish(e.cfg.Topic+"/state", true, payload)
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	e.mu.RLock()
	pub, connected := e.pub, e.connected
	e.mu.RUnlock()

	if pub == nil || !connected {
		e.countError()
		return ErrNotConnected
	}

	token := pub.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("published", "topic", topic, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) Disconnect() {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.pub = nil
	e.connected = false
	e.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
